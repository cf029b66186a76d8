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

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Session interface {
	Logger() *zap.Logger
	ID() uuid.UUID
	UserID() uuid.UUID
	Username() string
	ClientIP() string
	ClientPort() string
	Context() context.Context

	Consume()

	Send(envelope *Envelope) error
	SendBytes(payload []byte) error

	Close(msg string)
}

// SessionRegistry maintains a list of sessions to their IDs. This is thread-safe.
type SessionRegistry interface {
	Stop()
	Count() int
	Get(sessionID uuid.UUID) Session
	Add(session Session)
	Remove(sessionID uuid.UUID)
	Range(fn func(session Session) bool)
	// SingleSession closes every other session of the user.
	SingleSession(ctx context.Context, connections ConnectionRegistry, userID, sessionID uuid.UUID)
}

var _ SessionRegistry = (*LocalSessionRegistry)(nil)

type LocalSessionRegistry struct {
	metrics Metrics

	sessions     *MapOf[uuid.UUID, Session]
	sessionCount *atomic.Int32
}

func NewLocalSessionRegistry(metrics Metrics) *LocalSessionRegistry {
	return &LocalSessionRegistry{
		metrics: metrics,

		sessions:     &MapOf[uuid.UUID, Session]{},
		sessionCount: atomic.NewInt32(0),
	}
}

func (r *LocalSessionRegistry) Stop() {}

func (r *LocalSessionRegistry) Count() int {
	return int(r.sessionCount.Load())
}

func (r *LocalSessionRegistry) Get(sessionID uuid.UUID) Session {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	return session
}

func (r *LocalSessionRegistry) Add(session Session) {
	if _, loaded := r.sessions.LoadOrStore(session.ID(), session); loaded {
		return
	}
	count := r.sessionCount.Inc()
	r.metrics.GaugeSessions(float64(count))
}

func (r *LocalSessionRegistry) Remove(sessionID uuid.UUID) {
	if _, loaded := r.sessions.LoadAndDelete(sessionID); loaded {
		count := r.sessionCount.Dec()
		r.metrics.GaugeSessions(float64(count))
	}
}

func (r *LocalSessionRegistry) Range(fn func(Session) bool) {
	r.sessions.Range(func(id uuid.UUID, session Session) bool {
		return fn(session)
	})
}

func (r *LocalSessionRegistry) SingleSession(ctx context.Context, connections ConnectionRegistry, userID, sessionID uuid.UUID) {
	for _, foundSessionID := range connections.ConnectionsFor(userID) {
		if foundSessionID == sessionID {
			// Allow the current session, only disconnect any older ones.
			continue
		}
		session := r.Get(foundSessionID)
		if session != nil {
			// No need to remove the session from the map, session.Close() will do that.
			session.Close("server-side session disconnect")
		}
	}
}
