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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/go-redis/redis"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

var _ ConnectionPersistenceStore = (*RedisConnectionStore)(nil)

// redisConnectionRecord is the hash field value, keyed by connection ID.
type redisConnectionRecord struct {
	ConversationKey ConversationKey `json:"conversation_key"`
	CreateTime      int64           `json:"create_time"`
}

// RedisConnectionStore keeps every record as one field of a single hash.
type RedisConnectionStore struct {
	logger      *zap.Logger
	redisClient *redis.Client
	hashKey     string
}

func NewRedisConnectionStore(logger, startupLogger *zap.Logger, config *RedisConfig) (*RedisConnectionStore, error) {
	redisClient := redis.NewClient(config.Options())

	if err := redisClient.Ping().Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	startupLogger.Info("Connected to Redis", zap.String("address", config.Address), zap.Int("db", config.DB))

	return newRedisConnectionStore(logger, redisClient, config.Key("connection_groups")), nil
}

func newRedisConnectionStore(logger *zap.Logger, redisClient *redis.Client, hashKey string) *RedisConnectionStore {
	return &RedisConnectionStore{
		logger:      logger,
		redisClient: redisClient,
		hashKey:     hashKey,
	}
}

func (s *RedisConnectionStore) Save(ctx context.Context, connID uuid.UUID, key ConversationKey) error {
	value, err := json.Marshal(&redisConnectionRecord{
		ConversationKey: key,
		CreateTime:      time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := s.redisClient.WithContext(ctx).HSet(s.hashKey, connID.String(), value).Err(); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

func (s *RedisConnectionStore) Delete(ctx context.Context, connID uuid.UUID) error {
	if err := s.redisClient.WithContext(ctx).HDel(s.hashKey, connID.String()).Err(); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

func (s *RedisConnectionStore) LoadAll(ctx context.Context) ([]*ConnectionRecord, error) {
	fields, err := s.redisClient.WithContext(ctx).HGetAll(s.hashKey).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}

	records := make([]*ConnectionRecord, 0, len(fields))
	invalid := make([]string, 0)
	for field, value := range fields {
		connID, err := uuid.FromString(field)
		if err != nil {
			s.logger.Warn("Removing connection record with invalid ID", zap.String("field", field), zap.Error(err))
			invalid = append(invalid, field)
			continue
		}
		var stored redisConnectionRecord
		if err := json.Unmarshal([]byte(value), &stored); err != nil {
			// Still returned so the purge removes it.
			s.logger.Warn("Connection record has unreadable value", zap.String("sid", field), zap.Error(err))
		}
		records = append(records, &ConnectionRecord{
			ConnectionID:    connID,
			ConversationKey: stored.ConversationKey,
			CreateTime:      time.Unix(0, stored.CreateTime).UTC(),
		})
	}

	// Fields that are not connection IDs can never be purged by ID.
	if len(invalid) > 0 {
		if err := s.redisClient.WithContext(ctx).HDel(s.hashKey, invalid...).Err(); err != nil {
			if err = classifyRedisError(err); errors.Is(err, ErrStoreUnreachable) {
				return nil, err
			}
			s.logger.Warn("Could not remove connection records with invalid ID", zap.Strings("fields", invalid), zap.Error(err))
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreateTime.Before(records[j].CreateTime)
	})
	return records, nil
}

func (s *RedisConnectionStore) Ping(ctx context.Context) error {
	if err := s.redisClient.WithContext(ctx).Ping().Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return nil
}

func (s *RedisConnectionStore) Close() error {
	return s.redisClient.Close()
}

func classifyRedisError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
