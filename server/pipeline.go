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
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// SentMessage is handed to the MessageSink before a message is delivered.
type SentMessage struct {
	ID              uuid.UUID
	ConversationKey ConversationKey
	SenderID        uuid.UUID
	Payload         json.RawMessage
	CreateTime      time.Time
}

// MessageSink stores sent messages in the message history owned by the
// account service. A sink error rejects the message.
type MessageSink interface {
	StoreMessage(ctx context.Context, message *SentMessage) error
}

type Pipeline struct {
	logger      *zap.Logger
	config      Config
	connections ConnectionRegistry
	groups      ConversationGroupManager
	lifecycle   *ConnectionLifecycleHandler
	router      MessageRouter
	sink        MessageSink
	validate    *validator.Validate
}

func NewPipeline(logger *zap.Logger, config Config, connections ConnectionRegistry, groups ConversationGroupManager, lifecycle *ConnectionLifecycleHandler, router MessageRouter, sink MessageSink) *Pipeline {
	return &Pipeline{
		logger:      logger,
		config:      config,
		connections: connections,
		groups:      groups,
		lifecycle:   lifecycle,
		router:      router,
		sink:        sink,
		validate:    validator.New(),
	}
}

// ProcessRequest handles one inbound envelope. A false return closes the session.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, in *Envelope) bool {
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("Received message", zap.String("message", in.Name()))
	}

	var pipelineFn func(logger *zap.Logger, session Session, in *Envelope) bool

	switch {
	case in.ConversationJoin != nil:
		pipelineFn = p.conversationJoin
	case in.ConversationLeave != nil:
		pipelineFn = p.conversationLeave
	case in.MessageSend != nil:
		pipelineFn = p.messageSend
	case in.Ping != nil:
		pipelineFn = p.ping
	default:
		// If we reached this point the envelope was valid but the contents are missing or unknown.
		// Usually caused by a version mismatch, and should cause the session making this pipeline request to close.
		logger.Error("Unrecognizable payload received.", zap.Stringer("payload", in))
		_ = session.Send(errorEnvelope(in.Cid, ErrorCodeUnrecognizedPayload, "Unrecognized message."))
		return false
	}

	return pipelineFn(logger, session, in)
}

// conversationKeyFor builds the key of the conversation between the session's
// user and the given users.
func (p *Pipeline) conversationKeyFor(session Session, userIDs []string) (ConversationKey, error) {
	participants := make([]uuid.UUID, 0, len(userIDs)+1)
	participants = append(participants, session.UserID())
	for _, id := range userIDs {
		userID, err := uuid.FromString(id)
		if err != nil {
			return "", fmt.Errorf("%w: invalid user ID %q", ErrInvalidConversationKey, id)
		}
		participants = append(participants, userID)
	}
	participants = lo.Uniq(participants)
	if maxParticipants := p.config.GetPresence().MaxParticipants; len(participants) > maxParticipants {
		return "", fmt.Errorf("%w: more than %d participants", ErrInvalidConversationKey, maxParticipants)
	}
	return NewConversationKey(participants...)
}

func (p *Pipeline) badInput(logger *zap.Logger, session Session, in *Envelope, err error) bool {
	logger.Debug("Invalid request", zap.String("message", in.Name()), zap.Error(err))
	_ = session.Send(errorEnvelope(in.Cid, ErrorCodeBadInput, err.Error()))
	return true
}

func (p *Pipeline) conversationJoin(logger *zap.Logger, session Session, in *Envelope) bool {
	incoming := in.ConversationJoin
	if err := p.validate.Struct(incoming); err != nil {
		return p.badInput(logger, session, in, err)
	}
	key, err := p.conversationKeyFor(session, incoming.UserIDs)
	if err != nil {
		return p.badInput(logger, session, in, err)
	}

	if err := p.join(session, key); err != nil {
		logger.Warn("Could not join conversation", zap.String("conversation_key", key.String()), zap.Error(err))
		_ = session.Send(errorEnvelope(in.Cid, ErrorCodeRuntimeException, "Could not join conversation."))
		return true
	}

	_ = session.Send(&Envelope{Cid: in.Cid, ConversationJoined: &ConversationJoined{
		ConversationKey: key,
		UserIDs:         participantStrings(key),
	}})
	return true
}

// join is also used by the socket acceptor for the conversation named at connect time.
func (p *Pipeline) join(session Session, key ConversationKey) error {
	return p.lifecycle.WithActive(session.ID(), func() error {
		_, err := p.groups.Join(session.Context(), session.ID(), key)
		return err
	})
}

func (p *Pipeline) conversationLeave(logger *zap.Logger, session Session, in *Envelope) bool {
	incoming := in.ConversationLeave
	if err := p.validate.Struct(incoming); err != nil {
		return p.badInput(logger, session, in, err)
	}
	key, err := p.conversationKeyFor(session, incoming.UserIDs)
	if err != nil {
		return p.badInput(logger, session, in, err)
	}

	err = p.lifecycle.WithActive(session.ID(), func() error {
		return p.groups.Leave(session.Context(), session.ID(), key)
	})
	if err != nil && !errors.Is(err, ErrGroupMembershipNotFound) {
		logger.Warn("Could not leave conversation", zap.String("conversation_key", key.String()), zap.Error(err))
		_ = session.Send(errorEnvelope(in.Cid, ErrorCodeRuntimeException, "Could not leave conversation."))
		return true
	}

	_ = session.Send(&Envelope{Cid: in.Cid, ConversationLeft: &ConversationLeft{ConversationKey: key}})
	return true
}

func (p *Pipeline) messageSend(logger *zap.Logger, session Session, in *Envelope) bool {
	incoming := in.MessageSend
	if err := p.validate.Struct(incoming); err != nil {
		return p.badInput(logger, session, in, err)
	}
	if !json.Valid(incoming.Payload) {
		return p.badInput(logger, session, in, errors.New("payload is not valid JSON"))
	}
	key, err := p.conversationKeyFor(session, incoming.UserIDs)
	if err != nil {
		return p.badInput(logger, session, in, err)
	}

	createTime := time.Now().UTC()
	if p.sink != nil {
		err := p.sink.StoreMessage(session.Context(), &SentMessage{
			ID:              uuid.Must(uuid.NewV4()),
			ConversationKey: key,
			SenderID:        session.UserID(),
			Payload:         incoming.Payload,
			CreateTime:      createTime,
		})
		if err != nil {
			logger.Error("Could not store message", zap.String("conversation_key", key.String()), zap.Error(err))
			_ = session.Send(errorEnvelope(in.Cid, ErrorCodeRuntimeException, "Could not send message."))
			return true
		}
	}

	delivered := p.groups.SendToGroup(key, &Envelope{NewMessage: &NewMessage{
		ConversationKey: key,
		SenderID:        session.UserID().String(),
		SenderUsername:  session.Username(),
		Payload:         incoming.Payload,
		CreateTime:      createTime.UnixMilli(),
	}}, session.ID())

	p.notifyOutsideGroup(session, key)

	_ = session.Send(&Envelope{Cid: in.Cid, MessageAck: &MessageAck{ConversationKey: key, Delivered: delivered}})
	return true
}

// notifyOutsideGroup tells online participants with no connection in the
// group that a message arrived.
func (p *Pipeline) notifyOutsideGroup(session Session, key ConversationKey) {
	members := p.groups.Members(key)
	var recipients []uuid.UUID
	for _, participant := range key.Participants() {
		if participant == session.UserID() {
			continue
		}
		conns := p.connections.ConnectionsFor(participant)
		if len(conns) == 0 || len(lo.Intersect(conns, members)) > 0 {
			continue
		}
		recipients = append(recipients, conns...)
	}
	if len(recipients) == 0 {
		return
	}

	p.router.SendToConnections(recipients, &Envelope{NewMessageReceived: &NewMessageReceived{
		ConversationKey: key,
		SenderID:        session.UserID().String(),
		SenderUsername:  session.Username(),
	}})
}

func (p *Pipeline) ping(logger *zap.Logger, session Session, in *Envelope) bool {
	_ = session.Send(&Envelope{Cid: in.Cid, Pong: &Pong{}})
	return true
}

func participantStrings(key ConversationKey) []string {
	return lo.Map(key.Participants(), func(id uuid.UUID, _ int) string { return id.String() })
}
