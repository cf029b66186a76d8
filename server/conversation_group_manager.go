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
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const conversationKeySeparator = ":"

var (
	ErrInvalidConversationKey  = errors.New("invalid conversation key")
	ErrGroupMembershipNotFound = errors.New("connection is not a member of the conversation group")
)

// ConversationKey identifies a conversation by its participants, independent
// of the order they are given in.
type ConversationKey string

// NewConversationKey requires at least two distinct participants. Duplicates are ignored.
func NewConversationKey(participants ...uuid.UUID) (ConversationKey, error) {
	ids := make([]string, 0, len(participants))
	for _, p := range lo.Uniq(participants) {
		if p == uuid.Nil {
			return "", fmt.Errorf("%w: nil participant", ErrInvalidConversationKey)
		}
		ids = append(ids, p.String())
	}
	if len(ids) < 2 {
		return "", fmt.Errorf("%w: at least two distinct participants required", ErrInvalidConversationKey)
	}
	sort.Strings(ids)
	return ConversationKey(strings.Join(ids, conversationKeySeparator)), nil
}

// ParseConversationKey validates a key received from outside the process.
func ParseConversationKey(s string) (ConversationKey, error) {
	parts := strings.Split(s, conversationKeySeparator)
	participants := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		p, err := uuid.FromString(part)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidConversationKey, err)
		}
		participants = append(participants, p)
	}
	return NewConversationKey(participants...)
}

func (k ConversationKey) Participants() []uuid.UUID {
	parts := strings.Split(string(k), conversationKeySeparator)
	participants := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		if p, err := uuid.FromString(part); err == nil {
			participants = append(participants, p)
		}
	}
	return participants
}

func (k ConversationKey) Includes(userID uuid.UUID) bool {
	return lo.Contains(k.Participants(), userID)
}

func (k ConversationKey) String() string {
	return string(k)
}

type ConversationGroupManager interface {
	// Join moves the connection into the group, out of any group it was in
	// before. It reports whether membership changed.
	Join(ctx context.Context, connID uuid.UUID, key ConversationKey) (bool, error)
	Leave(ctx context.Context, connID uuid.UUID, key ConversationKey) error
	// SendToGroup delivers to every member except excludeConnID (uuid.Nil excludes nobody)
	// and returns the number of connections the envelope was queued for.
	SendToGroup(key ConversationKey, envelope *Envelope, excludeConnID uuid.UUID) int
	Members(key ConversationKey) []uuid.UUID
	GroupsFor(connID uuid.UUID) []ConversationKey
	Count() int
	// OnConnectionClosedCleanup removes the connection from every group and
	// returns the number of groups it was removed from.
	OnConnectionClosedCleanup(ctx context.Context, connID uuid.UUID) int
}

type membershipStripe struct {
	sync.RWMutex
	groups map[uuid.UUID]map[ConversationKey]struct{}
}

type groupStripe struct {
	sync.RWMutex
	members map[ConversationKey]map[uuid.UUID]struct{}
}

var _ ConversationGroupManager = (*LocalConversationGroupManager)(nil)

// LocalConversationGroupManager keeps two striped indexes: conversation key to
// member connections, and connection to the keys it is in. Locks are always
// taken membership stripe first, then group stripes in ascending index order.
// Store I/O happens after every lock has been released.
type LocalConversationGroupManager struct {
	logger         *zap.Logger
	metrics        Metrics
	router         MessageRouter
	store          ConnectionPersistenceStore
	persistTimeout time.Duration

	membershipStripes []*membershipStripe
	groupStripes      []*groupStripe

	groupCount *atomic.Int64

	// Connections whose last save failed, so an idempotent join retries it.
	unsaved *MapOf[uuid.UUID, ConversationKey]
}

func NewLocalConversationGroupManager(logger *zap.Logger, metrics Metrics, router MessageRouter, store ConnectionPersistenceStore, stripeCount int, persistTimeout time.Duration) *LocalConversationGroupManager {
	if stripeCount < 1 {
		stripeCount = 1
	}

	m := &LocalConversationGroupManager{
		logger:         logger,
		metrics:        metrics,
		router:         router,
		store:          store,
		persistTimeout: persistTimeout,

		membershipStripes: make([]*membershipStripe, stripeCount),
		groupStripes:      make([]*groupStripe, stripeCount),

		groupCount: atomic.NewInt64(0),
		unsaved:    &MapOf[uuid.UUID, ConversationKey]{},
	}
	for i := 0; i < stripeCount; i++ {
		m.membershipStripes[i] = &membershipStripe{groups: make(map[uuid.UUID]map[ConversationKey]struct{})}
		m.groupStripes[i] = &groupStripe{members: make(map[ConversationKey]map[uuid.UUID]struct{})}
	}

	return m
}

func (m *LocalConversationGroupManager) membershipStripe(connID uuid.UUID) *membershipStripe {
	return m.membershipStripes[stripeFor(connID.Bytes(), len(m.membershipStripes))]
}

func (m *LocalConversationGroupManager) groupStripeIndex(key ConversationKey) int {
	return stripeFor([]byte(key), len(m.groupStripes))
}

// lockGroupStripes locks the distinct stripes covering keys in ascending order
// and returns the function that releases them.
func (m *LocalConversationGroupManager) lockGroupStripes(keys []ConversationKey) func() {
	indexes := lo.Uniq(lo.Map(keys, func(key ConversationKey, _ int) int {
		return m.groupStripeIndex(key)
	}))
	sort.Ints(indexes)
	for _, idx := range indexes {
		m.groupStripes[idx].Lock()
	}
	return func() {
		for i := len(indexes) - 1; i >= 0; i-- {
			m.groupStripes[indexes[i]].Unlock()
		}
	}
}

// removeMemberLocked requires the key's group stripe to be held. It reports
// whether the group was deleted.
func (m *LocalConversationGroupManager) removeMemberLocked(connID uuid.UUID, key ConversationKey) bool {
	gs := m.groupStripes[m.groupStripeIndex(key)]
	members, found := gs.members[key]
	if !found {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(gs.members, key)
		return true
	}
	return false
}

// addMemberLocked requires the key's group stripe to be held. It reports
// whether the group was created.
func (m *LocalConversationGroupManager) addMemberLocked(connID uuid.UUID, key ConversationKey) bool {
	gs := m.groupStripes[m.groupStripeIndex(key)]
	members, found := gs.members[key]
	if !found {
		members = make(map[uuid.UUID]struct{}, 2)
		gs.members[key] = members
	}
	members[connID] = struct{}{}
	return !found
}

func (m *LocalConversationGroupManager) Join(ctx context.Context, connID uuid.UUID, key ConversationKey) (bool, error) {
	if len(key.Participants()) < 2 {
		return false, ErrInvalidConversationKey
	}

	ms := m.membershipStripe(connID)
	ms.Lock()
	prior := lo.Keys(ms.groups[connID])
	if len(prior) == 1 && prior[0] == key {
		ms.Unlock()
		if pending, found := m.unsaved.Load(connID); found && pending == key {
			m.save(ctx, connID, key)
		}
		return false, nil
	}

	unlockGroups := m.lockGroupStripes(append(prior, key))
	var delta int64
	for _, priorKey := range prior {
		if m.removeMemberLocked(connID, priorKey) {
			delta--
		}
	}
	if m.addMemberLocked(connID, key) {
		delta++
	}
	ms.groups[connID] = map[ConversationKey]struct{}{key: {}}
	unlockGroups()
	ms.Unlock()

	m.updateGroupCount(delta)

	if len(prior) > 0 {
		m.logger.Debug("Connection moved between conversation groups", zap.String("sid", connID.String()), zap.Any("from", prior), zap.String("to", key.String()))
	}

	m.save(ctx, connID, key)

	return true, nil
}

func (m *LocalConversationGroupManager) Leave(ctx context.Context, connID uuid.UUID, key ConversationKey) error {
	ms := m.membershipStripe(connID)
	ms.Lock()
	groups := ms.groups[connID]
	if _, found := groups[key]; !found {
		ms.Unlock()
		m.logger.Debug("Leave for a group the connection is not in", zap.String("sid", connID.String()), zap.String("conversation_key", key.String()))
		return ErrGroupMembershipNotFound
	}

	gs := m.groupStripes[m.groupStripeIndex(key)]
	gs.Lock()
	deleted := m.removeMemberLocked(connID, key)
	gs.Unlock()

	delete(groups, key)
	remaining := len(groups)
	if remaining == 0 {
		delete(ms.groups, connID)
	}
	ms.Unlock()

	if deleted {
		m.updateGroupCount(-1)
	}

	if remaining == 0 {
		m.unsaved.Delete(connID)
		m.persist(ctx, "delete", connID, func(ctx context.Context) error {
			return m.store.Delete(ctx, connID)
		})
	}

	return nil
}

func (m *LocalConversationGroupManager) OnConnectionClosedCleanup(ctx context.Context, connID uuid.UUID) int {
	ms := m.membershipStripe(connID)
	ms.Lock()
	keys := lo.Keys(ms.groups[connID])
	delete(ms.groups, connID)
	if len(keys) == 0 {
		ms.Unlock()
		return 0
	}

	unlockGroups := m.lockGroupStripes(keys)
	var delta int64
	for _, key := range keys {
		if m.removeMemberLocked(connID, key) {
			delta--
		}
	}
	unlockGroups()
	ms.Unlock()

	m.updateGroupCount(delta)

	m.unsaved.Delete(connID)
	m.persist(ctx, "delete", connID, func(ctx context.Context) error {
		return m.store.Delete(ctx, connID)
	})

	return len(keys)
}

func (m *LocalConversationGroupManager) SendToGroup(key ConversationKey, envelope *Envelope, excludeConnID uuid.UUID) int {
	recipients := m.Members(key)
	if excludeConnID != uuid.Nil {
		recipients = lo.Without(recipients, excludeConnID)
	}
	if len(recipients) == 0 {
		return 0
	}
	return m.router.SendToConnections(recipients, envelope)
}

func (m *LocalConversationGroupManager) Members(key ConversationKey) []uuid.UUID {
	gs := m.groupStripes[m.groupStripeIndex(key)]
	gs.RLock()
	defer gs.RUnlock()
	return lo.Keys(gs.members[key])
}

func (m *LocalConversationGroupManager) GroupsFor(connID uuid.UUID) []ConversationKey {
	ms := m.membershipStripe(connID)
	ms.RLock()
	defer ms.RUnlock()
	return lo.Keys(ms.groups[connID])
}

func (m *LocalConversationGroupManager) Count() int {
	return int(m.groupCount.Load())
}

func (m *LocalConversationGroupManager) updateGroupCount(delta int64) {
	if delta == 0 {
		return
	}
	count := m.groupCount.Add(delta)
	m.metrics.GaugeGroups(float64(count))
}

// persist runs a store write with its own deadline. Failures are logged and
// counted, never returned.
func (m *LocalConversationGroupManager) save(ctx context.Context, connID uuid.UUID, key ConversationKey) {
	if m.persist(ctx, "save", connID, func(ctx context.Context) error {
		return m.store.Save(ctx, connID, key)
	}) {
		m.unsaved.Delete(connID)
		return
	}
	m.unsaved.Store(connID, key)
}

func (m *LocalConversationGroupManager) persist(ctx context.Context, operation string, connID uuid.UUID, fn func(ctx context.Context) error) bool {
	if m.persistTimeout > 0 {
		var ctxCancelFn context.CancelFunc
		ctx, ctxCancelFn = context.WithTimeout(ctx, m.persistTimeout)
		defer ctxCancelFn()
	}

	if err := fn(ctx); err != nil {
		m.metrics.CountPersistenceFailure(operation)
		m.logger.Error("Connection store write failed", zap.String("operation", operation), zap.String("sid", connID.String()), zap.Error(err))
		return false
	}
	return true
}
