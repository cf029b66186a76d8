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
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func loggerForTest(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
}

func newTestMetrics() (*LocalMetrics, tally.TestScope) {
	scope := tally.NewTestScope("", nil)
	return &LocalMetrics{scope: scope}, scope
}

// counterValue sums every counter with the given name, across tags.
func counterValue(scope tally.TestScope, name string) int64 {
	var total int64
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			total += c.Value()
		}
	}
	return total
}

func newID(t *testing.T) uuid.UUID {
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

func mustKey(t *testing.T, participants ...uuid.UUID) ConversationKey {
	key, err := NewConversationKey(participants...)
	require.NoError(t, err)
	return key
}

var _ Session = (*testSession)(nil)

// testSession records every envelope routed to it instead of writing to a socket.
type testSession struct {
	sync.Mutex
	logger   *zap.Logger
	id       uuid.UUID
	userID   uuid.UUID
	username string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	received []*Envelope
	failSend *atomic.Bool
	closed   *atomic.Bool
}

func newTestSession(logger *zap.Logger, id, userID uuid.UUID) *testSession {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &testSession{
		logger:      logger.With(zap.String("sid", id.String())),
		id:          id,
		userID:      userID,
		username:    "user-" + userID.String()[:8],
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
		failSend:    atomic.NewBool(false),
		closed:      atomic.NewBool(false),
	}
}

func (s *testSession) Logger() *zap.Logger      { return s.logger }
func (s *testSession) ID() uuid.UUID            { return s.id }
func (s *testSession) UserID() uuid.UUID        { return s.userID }
func (s *testSession) Username() string         { return s.username }
func (s *testSession) ClientIP() string         { return "127.0.0.1" }
func (s *testSession) ClientPort() string       { return "0" }
func (s *testSession) Context() context.Context { return s.ctx }
func (s *testSession) Consume()                 {}

func (s *testSession) Send(envelope *Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.SendBytes(payload)
}

func (s *testSession) SendBytes(payload []byte) error {
	if s.failSend.Load() || s.closed.Load() {
		return ErrDeliveryFailed
	}
	envelope := &Envelope{}
	if err := json.Unmarshal(payload, envelope); err != nil {
		return err
	}
	s.Lock()
	s.received = append(s.received, envelope)
	s.Unlock()
	return nil
}

func (s *testSession) Close(msg string) {
	s.closed.Store(true)
	s.ctxCancelFn()
}

func (s *testSession) envelopes() []*Envelope {
	s.Lock()
	defer s.Unlock()
	return append([]*Envelope(nil), s.received...)
}

func (s *testSession) reset() {
	s.Lock()
	s.received = nil
	s.Unlock()
}

// presenceFor returns the user's presence events in arrival order, true for online.
func (s *testSession) presenceFor(userID uuid.UUID) []bool {
	var events []bool
	for _, e := range s.envelopes() {
		switch {
		case e.UserOnline != nil && e.UserOnline.UserID == userID.String():
			events = append(events, true)
		case e.UserOffline != nil && e.UserOffline.UserID == userID.String():
			events = append(events, false)
		}
	}
	return events
}

func (s *testSession) named(name string) []*Envelope {
	var found []*Envelope
	for _, e := range s.envelopes() {
		if e.Name() == name {
			found = append(found, e)
		}
	}
	return found
}

// failingStore fails every write while err is set, and optionally every read.
type failingStore struct {
	*MemoryConnectionStore
	err         error
	unreachable bool
}

func (s *failingStore) Save(ctx context.Context, connID uuid.UUID, key ConversationKey) error {
	if s.err != nil {
		return s.err
	}
	return s.MemoryConnectionStore.Save(ctx, connID, key)
}

func (s *failingStore) Delete(ctx context.Context, connID uuid.UUID) error {
	if s.err != nil {
		return s.err
	}
	return s.MemoryConnectionStore.Delete(ctx, connID)
}

func (s *failingStore) LoadAll(ctx context.Context) ([]*ConnectionRecord, error) {
	if s.unreachable {
		return nil, s.err
	}
	return s.MemoryConnectionStore.LoadAll(ctx)
}

func (s *failingStore) Ping(ctx context.Context) error {
	if s.unreachable {
		return s.err
	}
	return nil
}

// testCore wires the realtime core the way main does, with recording sessions
// in place of sockets and a single presence dispatch worker.
type testCore struct {
	t *testing.T

	logger    *zap.Logger
	config    Config
	metrics   *LocalMetrics
	scope     tally.TestScope
	store     ConnectionPersistenceStore
	sessions  *LocalSessionRegistry
	router    *LocalMessageRouter
	registry  *LocalConnectionRegistry
	presence  *LocalPresenceCoordinator
	groups    *LocalConversationGroupManager
	lifecycle *ConnectionLifecycleHandler
	pipeline  *Pipeline
}

func newTestCore(t *testing.T, store ConnectionPersistenceStore) *testCore {
	logger := loggerForTest(t)
	if store == nil {
		store = NewMemoryConnectionStore()
	}
	metrics, scope := newTestMetrics()
	config := NewConfig(logger)

	sessions := NewLocalSessionRegistry(metrics)
	router := NewLocalMessageRouter(logger, metrics, sessions)
	registry := NewLocalConnectionRegistry(logger, metrics, 8)
	presence := NewLocalPresenceCoordinator(logger, metrics, registry, router, 1, 1024)
	t.Cleanup(presence.Stop)
	groups := NewLocalConversationGroupManager(logger, metrics, router, store, 8, time.Second)
	lifecycle := NewConnectionLifecycleHandler(logger, metrics, presence, groups, store)
	pipeline := NewPipeline(logger, config, registry, groups, lifecycle, router, nil)

	return &testCore{
		t: t,

		logger:    logger,
		config:    config,
		metrics:   metrics,
		scope:     scope,
		store:     store,
		sessions:  sessions,
		router:    router,
		registry:  registry,
		presence:  presence,
		groups:    groups,
		lifecycle: lifecycle,
		pipeline:  pipeline,
	}
}

func (c *testCore) connect(userID uuid.UUID) *testSession {
	session := newTestSession(c.logger, newID(c.t), userID)
	c.sessions.Add(session)
	require.NoError(c.t, c.lifecycle.Open(userID, session.ID()))
	return session
}

func (c *testCore) disconnect(session *testSession) {
	c.lifecycle.Close(context.Background(), session.ID())
	c.sessions.Remove(session.ID())
	session.Close("test disconnect")
}

// settle waits until every presence event queued so far has been dispatched,
// by pushing a marker user through the single dispatch worker.
func (c *testCore) settle(observer *testSession) {
	marker, markerConn := newID(c.t), newID(c.t)
	_, err := c.registry.Add(marker, markerConn)
	require.NoError(c.t, err)
	require.Eventually(c.t, func() bool {
		return len(observer.presenceFor(marker)) > 0
	}, 5*time.Second, 5*time.Millisecond)
	_, err = c.registry.Remove(marker, markerConn)
	require.NoError(c.t, err)
}

func (c *testCore) request(session *testSession, envelope *Envelope) bool {
	return c.pipeline.ProcessRequest(c.logger, session, envelope)
}
