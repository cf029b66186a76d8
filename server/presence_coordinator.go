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
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type PresenceCoordinator interface {
	// OnConnectionOpened registers the connection and reports whether the user came online.
	OnConnectionOpened(userID, connID uuid.UUID) (bool, error)
	// OnConnectionClosed deregisters the connection and reports whether the user went offline.
	OnConnectionClosed(userID, connID uuid.UUID) (bool, error)
	IsOnline(userID uuid.UUID) bool
	ListOnlineUsers() []uuid.UUID
	Stop()
}

type presenceEvent struct {
	userID uuid.UUID
	online bool
	queued time.Time

	// Set on the marker a snapshot pushes through every queue.
	barrier *presenceBarrier
}

// presenceBarrier parks every dispatch worker while an online users snapshot
// is assembled from what the workers have already broadcast.
type presenceBarrier struct {
	arrived chan []uuid.UUID
	release chan struct{}
}

var _ PresenceCoordinator = (*LocalPresenceCoordinator)(nil)

// LocalPresenceCoordinator turns registry edges into UserOnline and UserOffline
// broadcasts. Edges are queued while the registry still holds the user's lock
// and every user is pinned to one dispatch worker, so each user's events reach
// subscribers in edge order. Workers never touch registry locks.
//
// Snapshots are built from the set of users each worker has broadcast as
// online, while all workers are parked, so a new connection sees every event
// before its snapshot folded into it and every later event after it.
type LocalPresenceCoordinator struct {
	logger   *zap.Logger
	metrics  Metrics
	registry ConnectionRegistry
	router   MessageRouter

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	queues     []chan *presenceEvent
	snapshotMu sync.Mutex
	wg         sync.WaitGroup
}

func NewLocalPresenceCoordinator(logger *zap.Logger, metrics Metrics, registry ConnectionRegistry, router MessageRouter, workers, queueSize int) *LocalPresenceCoordinator {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	c := &LocalPresenceCoordinator{
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		router:   router,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		queues: make([]chan *presenceEvent, workers),
	}

	for i := 0; i < workers; i++ {
		queue := make(chan *presenceEvent, queueSize)
		c.queues[i] = queue
		c.wg.Add(1)
		go c.dispatchLoop(queue)
	}

	registry.SetEdgeListener(c.enqueue)

	return c
}

func (c *LocalPresenceCoordinator) Stop() {
	c.ctxCancelFn()
	c.wg.Wait()
}

func (c *LocalPresenceCoordinator) OnConnectionOpened(userID, connID uuid.UUID) (bool, error) {
	first, err := c.registry.Add(userID, connID)
	if err != nil {
		return false, err
	}

	// The snapshot goes to the new connection only, and on every open so each
	// tab can initialise its own view.
	if !c.sendSnapshot(userID, connID) {
		c.logger.Debug("Could not deliver online users snapshot", zap.String("uid", userID.String()), zap.String("sid", connID.String()))
	}

	return first, nil
}

func (c *LocalPresenceCoordinator) OnConnectionClosed(userID, connID uuid.UUID) (bool, error) {
	return c.registry.Remove(userID, connID)
}

func (c *LocalPresenceCoordinator) IsOnline(userID uuid.UUID) bool {
	return c.registry.IsOnline(userID)
}

func (c *LocalPresenceCoordinator) ListOnlineUsers() []uuid.UUID {
	return c.registry.ListOnlineUsers()
}

// enqueue is the registry edge listener. It blocks when the user's worker is
// backed up, holding back further edges for users on the same registry stripe
// until the worker catches up.
func (c *LocalPresenceCoordinator) enqueue(userID uuid.UUID, online bool) {
	event := &presenceEvent{
		userID: userID,
		online: online,
		queued: time.Now(),
	}
	queue := c.queues[stripeFor(userID.Bytes(), len(c.queues))]
	select {
	case queue <- event:
	case <-c.ctx.Done():
		c.logger.Debug("Presence coordinator stopped, dropping event", zap.String("uid", userID.String()), zap.Bool("online", online))
	}
}

// sendSnapshot parks every dispatch worker, sends the connection the users
// broadcast as online so far, then lets the workers continue.
func (c *LocalPresenceCoordinator) sendSnapshot(userID, connID uuid.UUID) bool {
	// One barrier at a time, or two could park workers in opposite orders.
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()

	barrier := &presenceBarrier{
		arrived: make(chan []uuid.UUID, len(c.queues)),
		release: make(chan struct{}),
	}
	defer close(barrier.release)

	for _, queue := range c.queues {
		select {
		case queue <- &presenceEvent{barrier: barrier}:
		case <-c.ctx.Done():
			return false
		}
	}

	online := make([]uuid.UUID, 0)
	for range c.queues {
		select {
		case shard := <-barrier.arrived:
			online = append(online, shard...)
		case <-c.ctx.Done():
			return false
		}
	}

	others := lo.Without(online, userID)
	snapshot := &Envelope{OnlineUsers: &OnlineUsers{
		UserIDs: lo.Map(others, func(id uuid.UUID, _ int) string { return id.String() }),
	}}
	return c.router.SendToConnections([]uuid.UUID{connID}, snapshot) > 0
}

func (c *LocalPresenceCoordinator) dispatchLoop(queue <-chan *presenceEvent) {
	defer c.wg.Done()

	// Users this worker has broadcast as online.
	online := make(map[uuid.UUID]struct{})

	for {
		select {
		case <-c.ctx.Done():
			return
		case event := <-queue:
			if event.barrier != nil {
				event.barrier.arrived <- lo.Keys(online)
				select {
				case <-event.barrier.release:
				case <-c.ctx.Done():
					return
				}
				continue
			}
			if event.online {
				online[event.userID] = struct{}{}
			} else {
				delete(online, event.userID)
			}
			c.dispatch(event)
		}
	}
}

func (c *LocalPresenceCoordinator) dispatch(event *presenceEvent) {
	c.metrics.PresenceQueueLatency(time.Since(event.queued))
	c.metrics.CountPresenceEvent(event.online)

	presence := &UserPresenceEvent{UserID: event.userID.String()}
	envelope := &Envelope{}
	if event.online {
		envelope.UserOnline = presence
	} else {
		envelope.UserOffline = presence
	}

	// A user is never told about their own presence.
	delivered := c.router.SendToAll(envelope, func(session Session) bool {
		return session.UserID() == event.userID
	})

	if c.logger.Core().Enabled(zap.DebugLevel) {
		c.logger.Debug("Presence event dispatched", zap.String("uid", event.userID.String()), zap.Bool("online", event.online), zap.Int("delivered", delivered))
	}
}
