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
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

var ErrConnectionNotActive = errors.New("connection is not active")

type ConnectionState int32

const (
	ConnectionStateUnknown ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateActive
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateActive:
		return "active"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connectionEntry serialises every transition of one connection.
type connectionEntry struct {
	sync.Mutex
	userID uuid.UUID
	state  ConnectionState

	// Left by a Close that arrived before Open. The next Open consumes it.
	tombstone bool
}

// ConnectionLifecycleHandler is what the transport calls when a connection
// opens or closes. Every connection moves Connecting -> Active -> Closed and
// Closed is terminal.
type ConnectionLifecycleHandler struct {
	logger   *zap.Logger
	metrics  Metrics
	presence PresenceCoordinator
	groups   ConversationGroupManager
	store    ConnectionPersistenceStore

	connections *MapOf[uuid.UUID, *connectionEntry]
}

func NewConnectionLifecycleHandler(logger *zap.Logger, metrics Metrics, presence PresenceCoordinator, groups ConversationGroupManager, store ConnectionPersistenceStore) *ConnectionLifecycleHandler {
	return &ConnectionLifecycleHandler{
		logger:   logger,
		metrics:  metrics,
		presence: presence,
		groups:   groups,
		store:    store,

		connections: &MapOf[uuid.UUID, *connectionEntry]{},
	}
}

// Open runs the handshake transition. On error the connection is left Closed
// and unknown to the registry.
func (h *ConnectionLifecycleHandler) Open(userID, connID uuid.UUID) error {
	entry := &connectionEntry{userID: userID, state: ConnectionStateConnecting}
	entry.Lock()
	defer entry.Unlock()

	if existing, loaded := h.connections.LoadOrStore(connID, entry); loaded {
		entry.state = ConnectionStateClosed
		if existing.tombstone {
			h.connections.CompareAndDelete(connID, existing)
			h.logger.Debug("Connection closed before it opened", zap.String("uid", userID.String()), zap.String("sid", connID.String()))
			return ErrConnectionNotActive
		}
		return ErrAlreadyRegistered
	}

	first, err := h.presence.OnConnectionOpened(userID, connID)
	if err != nil {
		entry.state = ConnectionStateClosed
		h.connections.Delete(connID)
		return fmt.Errorf("could not register connection: %w", err)
	}
	entry.state = ConnectionStateActive
	h.metrics.CountWebsocketOpened(1)

	h.logger.Debug("Connection active", zap.String("uid", userID.String()), zap.String("sid", connID.String()), zap.Bool("user_came_online", first))
	return nil
}

// Close runs the disconnect transition. Group membership is retracted before
// the user can be reported offline. It returns false if the connection was not
// active, which makes repeated calls harmless. Closing a connection that has
// not been opened yet makes its Open fail with ErrConnectionNotActive.
func (h *ConnectionLifecycleHandler) Close(ctx context.Context, connID uuid.UUID) bool {
	entry, found := h.connections.LoadOrStore(connID, &connectionEntry{state: ConnectionStateClosed, tombstone: true})
	if !found {
		h.logger.Debug("Close for unknown connection", zap.String("sid", connID.String()))
		return false
	}

	entry.Lock()
	defer entry.Unlock()
	if entry.state != ConnectionStateActive {
		return false
	}
	entry.state = ConnectionStateClosed

	removed := h.groups.OnConnectionClosedCleanup(ctx, connID)

	last, err := h.presence.OnConnectionClosed(entry.userID, connID)
	switch {
	case errors.Is(err, ErrConnectionNotFound):
		h.logger.Debug("Closed connection was not registered", zap.String("sid", connID.String()))
	case err != nil:
		h.logger.Warn("Error removing connection from registry", zap.String("sid", connID.String()), zap.Error(err))
	}

	h.connections.Delete(connID)
	h.metrics.CountWebsocketClosed(1)

	h.logger.Debug("Connection closed", zap.String("uid", entry.userID.String()), zap.String("sid", connID.String()), zap.Int("groups_left", removed), zap.Bool("user_went_offline", last))
	return true
}

// WithActive runs fn while the connection is guaranteed to stay Active, so
// nothing fn changes can outlive the close cleanup.
func (h *ConnectionLifecycleHandler) WithActive(connID uuid.UUID, fn func() error) error {
	entry, found := h.connections.Load(connID)
	if !found {
		return ErrConnectionNotActive
	}

	entry.Lock()
	defer entry.Unlock()
	if entry.state != ConnectionStateActive {
		return ErrConnectionNotActive
	}
	return fn()
}

func (h *ConnectionLifecycleHandler) State(connID uuid.UUID) ConnectionState {
	entry, found := h.connections.Load(connID)
	if !found {
		return ConnectionStateUnknown
	}
	entry.Lock()
	defer entry.Unlock()
	return entry.state
}

// PurgeStale deletes records left by a previous process. It emits no presence
// events and only fails if the store cannot be reached at all.
func (h *ConnectionLifecycleHandler) PurgeStale(ctx context.Context) (int, error) {
	if err := h.store.Ping(ctx); err != nil {
		return 0, fmt.Errorf("startup purge: %w", err)
	}

	records, err := h.store.LoadAll(ctx)
	if err != nil {
		if errors.Is(err, ErrStoreUnreachable) {
			return 0, fmt.Errorf("startup purge: %w", err)
		}
		h.metrics.CountPersistenceFailure("load")
		h.logger.Error("Could not load stale connection records", zap.Error(err))
		return 0, nil
	}

	var purged int
	for _, record := range records {
		if _, live := h.connections.Load(record.ConnectionID); live {
			continue
		}
		if err := h.store.Delete(ctx, record.ConnectionID); err != nil {
			h.metrics.CountPersistenceFailure("delete")
			h.logger.Error("Could not purge stale connection record", zap.String("sid", record.ConnectionID.String()), zap.String("conversation_key", record.ConversationKey.String()), zap.Error(err))
			if errors.Is(err, ErrStoreUnreachable) {
				return purged, fmt.Errorf("startup purge: %w", err)
			}
			continue
		}
		purged++
	}

	h.logger.Info("Purged stale connection records", zap.Int("found", len(records)), zap.Int("purged", purged))
	return purged, nil
}
