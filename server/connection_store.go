// Copyright 2026 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

var (
	ErrPersistence      = errors.New("connection store operation failed")
	ErrStoreUnreachable = errors.New("connection store unreachable")
)

// ConnectionRecord is the durable trace of a connection being in a conversation group.
type ConnectionRecord struct {
	ConnectionID    uuid.UUID
	ConversationKey ConversationKey
	CreateTime      time.Time
}

// ConnectionPersistenceStore records which conversation group each live
// connection belongs to, so records left behind by a crashed process can be
// purged at the next startup. There is at most one record per connection.
type ConnectionPersistenceStore interface {
	// Save inserts or replaces the record for the connection.
	Save(ctx context.Context, connID uuid.UUID, key ConversationKey) error
	// Delete removes the record for the connection. Deleting a missing record is not an error.
	Delete(ctx context.Context, connID uuid.UUID) error
	// LoadAll returns every record. Entries that do not name a connection are removed.
	LoadAll(ctx context.Context) ([]*ConnectionRecord, error)
	// Ping returns an error wrapping ErrStoreUnreachable if the backend cannot be reached.
	Ping(ctx context.Context) error
	Close() error
}

// NewConnectionStore opens the store selected by database.store.
func NewConnectionStore(ctx context.Context, logger, startupLogger *zap.Logger, config Config) (ConnectionPersistenceStore, error) {
	switch kind := config.GetDatabase().Store; kind {
	case StoreKindMemory, "":
		startupLogger.Info("Using in-memory connection store, records will not survive a restart")
		return NewMemoryConnectionStore(), nil
	case StoreKindPostgres:
		return NewPostgresConnectionStore(ctx, logger, startupLogger, config.GetDatabase())
	case StoreKindRedis:
		return NewRedisConnectionStore(logger, startupLogger, config.GetRedis())
	default:
		return nil, fmt.Errorf("unknown connection store kind %q", kind)
	}
}

var _ ConnectionPersistenceStore = (*MemoryConnectionStore)(nil)

type MemoryConnectionStore struct {
	sync.RWMutex
	records map[uuid.UUID]*ConnectionRecord
}

func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{
		records: make(map[uuid.UUID]*ConnectionRecord),
	}
}

func (s *MemoryConnectionStore) Save(ctx context.Context, connID uuid.UUID, key ConversationKey) error {
	s.Lock()
	s.records[connID] = &ConnectionRecord{
		ConnectionID:    connID,
		ConversationKey: key,
		CreateTime:      time.Now().UTC(),
	}
	s.Unlock()
	return nil
}

func (s *MemoryConnectionStore) Delete(ctx context.Context, connID uuid.UUID) error {
	s.Lock()
	delete(s.records, connID)
	s.Unlock()
	return nil
}

func (s *MemoryConnectionStore) LoadAll(ctx context.Context) ([]*ConnectionRecord, error) {
	s.RLock()
	records := make([]*ConnectionRecord, 0, len(s.records))
	for _, r := range s.records {
		record := *r
		records = append(records, &record)
	}
	s.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreateTime.Before(records[j].CreateTime)
	})
	return records, nil
}

func (s *MemoryConnectionStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryConnectionStore) Close() error {
	return nil
}
