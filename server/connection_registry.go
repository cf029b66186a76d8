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
	"errors"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAlreadyRegistered  = errors.New("connection already registered")
)

// EdgeListener is invoked when a user goes from zero to one or more live
// connections (online=true) or from one or more to zero (online=false).
// It runs while the user's stripe lock is held, so for any single user the
// listener observes edges in the order they happened. It must not call back
// into the registry.
type EdgeListener func(userID uuid.UUID, online bool)

type ConnectionRegistry interface {
	// Add registers the connection and reports whether it is the user's first live connection.
	Add(userID, connID uuid.UUID) (bool, error)
	// Remove deregisters the connection and reports whether it was the user's last live connection.
	Remove(userID, connID uuid.UUID) (bool, error)
	ListOnlineUsers() []uuid.UUID
	ConnectionsFor(userID uuid.UUID) []uuid.UUID
	UserFor(connID uuid.UUID) (uuid.UUID, bool)
	IsOnline(userID uuid.UUID) bool
	Count() int
	ConnectionCount() int
	SetEdgeListener(fn EdgeListener)
}

type connectionStripe struct {
	sync.RWMutex
	users map[uuid.UUID]map[uuid.UUID]struct{}
}

type ownerStripe struct {
	sync.Mutex
	owners map[uuid.UUID]uuid.UUID
}

var _ ConnectionRegistry = (*LocalConnectionRegistry)(nil)

// LocalConnectionRegistry keeps user -> connection sets in memory, striped by
// user ID. A second, connection-keyed index enforces that a connection belongs
// to at most one user. Lock order is always user stripe, then owner stripe.
type LocalConnectionRegistry struct {
	logger  *zap.Logger
	metrics Metrics

	stripes      []*connectionStripe
	ownerStripes []*ownerStripe
	edgeListener EdgeListener

	onlineCount     *atomic.Int64
	connectionCount *atomic.Int64
}

func NewLocalConnectionRegistry(logger *zap.Logger, metrics Metrics, stripeCount int) *LocalConnectionRegistry {
	if stripeCount < 1 {
		stripeCount = 1
	}

	r := &LocalConnectionRegistry{
		logger:  logger,
		metrics: metrics,

		stripes:      make([]*connectionStripe, stripeCount),
		ownerStripes: make([]*ownerStripe, stripeCount),

		onlineCount:     atomic.NewInt64(0),
		connectionCount: atomic.NewInt64(0),
	}
	for i := 0; i < stripeCount; i++ {
		r.stripes[i] = &connectionStripe{users: make(map[uuid.UUID]map[uuid.UUID]struct{})}
		r.ownerStripes[i] = &ownerStripe{owners: make(map[uuid.UUID]uuid.UUID)}
	}

	return r
}

// SetEdgeListener must be called before the registry is shared between goroutines.
func (r *LocalConnectionRegistry) SetEdgeListener(fn EdgeListener) {
	r.edgeListener = fn
}

func (r *LocalConnectionRegistry) stripe(userID uuid.UUID) *connectionStripe {
	return r.stripes[stripeFor(userID.Bytes(), len(r.stripes))]
}

func (r *LocalConnectionRegistry) ownerStripe(connID uuid.UUID) *ownerStripe {
	return r.ownerStripes[stripeFor(connID.Bytes(), len(r.ownerStripes))]
}

func (r *LocalConnectionRegistry) Add(userID, connID uuid.UUID) (bool, error) {
	s := r.stripe(userID)
	s.Lock()
	defer s.Unlock()

	os := r.ownerStripe(connID)
	os.Lock()
	if owner, found := os.owners[connID]; found {
		os.Unlock()
		if owner == userID {
			// Re-adding the same pair changes nothing and is never an edge.
			return false, nil
		}
		r.logger.Warn("Connection already registered to another user",
			zap.String("sid", connID.String()),
			zap.String("uid", userID.String()),
			zap.String("owner", owner.String()))
		return false, ErrAlreadyRegistered
	}
	os.owners[connID] = userID
	os.Unlock()

	conns, found := s.users[userID]
	first := !found
	if first {
		conns = make(map[uuid.UUID]struct{}, 1)
		s.users[userID] = conns
	}
	conns[connID] = struct{}{}
	r.connectionCount.Inc()

	if first {
		count := r.onlineCount.Inc()
		r.metrics.GaugeOnlineUsers(float64(count))
		if r.edgeListener != nil {
			r.edgeListener(userID, true)
		}
	}

	return first, nil
}

func (r *LocalConnectionRegistry) Remove(userID, connID uuid.UUID) (bool, error) {
	s := r.stripe(userID)
	s.Lock()
	defer s.Unlock()

	conns, found := s.users[userID]
	if !found {
		r.logger.Debug("No connections to remove for user", zap.String("uid", userID.String()), zap.String("sid", connID.String()))
		return false, ErrConnectionNotFound
	}
	if _, found := conns[connID]; !found {
		r.logger.Debug("Connection not registered for user", zap.String("uid", userID.String()), zap.String("sid", connID.String()))
		return false, ErrConnectionNotFound
	}

	os := r.ownerStripe(connID)
	os.Lock()
	delete(os.owners, connID)
	os.Unlock()

	delete(conns, connID)
	r.connectionCount.Dec()

	last := len(conns) == 0
	if last {
		delete(s.users, userID)
		count := r.onlineCount.Dec()
		r.metrics.GaugeOnlineUsers(float64(count))
		if r.edgeListener != nil {
			r.edgeListener(userID, false)
		}
	}

	return last, nil
}

func (r *LocalConnectionRegistry) ListOnlineUsers() []uuid.UUID {
	users := make([]uuid.UUID, 0, r.onlineCount.Load())
	for _, s := range r.stripes {
		s.RLock()
		for userID := range s.users {
			users = append(users, userID)
		}
		s.RUnlock()
	}
	return users
}

func (r *LocalConnectionRegistry) ConnectionsFor(userID uuid.UUID) []uuid.UUID {
	s := r.stripe(userID)
	s.RLock()
	defer s.RUnlock()

	conns := s.users[userID]
	ids := make([]uuid.UUID, 0, len(conns))
	for connID := range conns {
		ids = append(ids, connID)
	}
	return ids
}

func (r *LocalConnectionRegistry) UserFor(connID uuid.UUID) (uuid.UUID, bool) {
	os := r.ownerStripe(connID)
	os.Lock()
	defer os.Unlock()
	userID, found := os.owners[connID]
	return userID, found
}

func (r *LocalConnectionRegistry) IsOnline(userID uuid.UUID) bool {
	s := r.stripe(userID)
	s.RLock()
	_, found := s.users[userID]
	s.RUnlock()
	return found
}

func (r *LocalConnectionRegistry) Count() int {
	return int(r.onlineCount.Load())
}

func (r *LocalConnectionRegistry) ConnectionCount() int {
	return int(r.connectionCount.Load())
}
