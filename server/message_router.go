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
	"encoding/json"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

var ErrDeliveryFailed = errors.New("delivery failed")

// MessageRouter is responsible for sending a message to a list of connections or to every connection.
// Delivery is best-effort: a recipient that cannot be reached is logged and
// skipped. Both methods return how many sessions the envelope was queued for.
type MessageRouter interface {
	SendToConnections(connIDs []uuid.UUID, envelope *Envelope) int
	SendToAll(envelope *Envelope, exclude func(session Session) bool) int
}

var _ MessageRouter = (*LocalMessageRouter)(nil)

type LocalMessageRouter struct {
	logger          *zap.Logger
	metrics         Metrics
	sessionRegistry SessionRegistry
}

func NewLocalMessageRouter(logger *zap.Logger, metrics Metrics, sessionRegistry SessionRegistry) *LocalMessageRouter {
	return &LocalMessageRouter{
		logger:          logger,
		metrics:         metrics,
		sessionRegistry: sessionRegistry,
	}
}

func (r *LocalMessageRouter) SendToConnections(connIDs []uuid.UUID, envelope *Envelope) int {
	if len(connIDs) == 0 {
		return 0
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		r.logger.Error("Could not marshal message", zap.String("message", envelope.Name()), zap.Error(err))
		return 0
	}

	var delivered, failed int
	for _, connID := range connIDs {
		session := r.sessionRegistry.Get(connID)
		if session == nil {
			failed++
			r.logger.Debug("No session to route to", zap.String("sid", connID.String()), zap.String("message", envelope.Name()))
			continue
		}
		if err := session.SendBytes(payload); err != nil {
			failed++
			r.logger.Debug("Failed to route message", zap.String("sid", connID.String()), zap.String("message", envelope.Name()), zap.Error(err))
			continue
		}
		delivered++
	}

	r.record(delivered, failed)
	return delivered
}

func (r *LocalMessageRouter) SendToAll(envelope *Envelope, exclude func(session Session) bool) int {
	payload, err := json.Marshal(envelope)
	if err != nil {
		r.logger.Error("Could not marshal message", zap.String("message", envelope.Name()), zap.Error(err))
		return 0
	}

	var delivered, failed int
	r.sessionRegistry.Range(func(session Session) bool {
		if exclude != nil && exclude(session) {
			return true
		}
		if err := session.SendBytes(payload); err != nil {
			failed++
			r.logger.Debug("Failed to route message", zap.String("sid", session.ID().String()), zap.String("message", envelope.Name()), zap.Error(err))
			return true
		}
		delivered++
		return true
	})

	r.record(delivered, failed)
	return delivered
}

func (r *LocalMessageRouter) record(delivered, failed int) {
	if delivered > 0 {
		r.metrics.CountMessageRouted(int64(delivered))
	}
	if failed > 0 {
		r.metrics.CountDeliveryFailure(int64(failed))
	}
}
