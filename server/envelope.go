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
	"fmt"
)

// Envelope is the realtime wire message. Exactly one message field is set.
type Envelope struct {
	Cid string `json:"cid,omitempty"`

	// Server to client.
	UserOnline         *UserPresenceEvent  `json:"user_online,omitempty"`
	UserOffline        *UserPresenceEvent  `json:"user_offline,omitempty"`
	OnlineUsers        *OnlineUsers        `json:"online_users,omitempty"`
	NewMessage         *NewMessage         `json:"new_message,omitempty"`
	NewMessageReceived *NewMessageReceived `json:"new_message_received,omitempty"`
	ConversationJoined *ConversationJoined `json:"conversation_joined,omitempty"`
	ConversationLeft   *ConversationLeft   `json:"conversation_left,omitempty"`
	MessageAck         *MessageAck         `json:"message_ack,omitempty"`
	Error              *Error              `json:"error,omitempty"`
	Pong               *Pong               `json:"pong,omitempty"`

	// Client to server.
	ConversationJoin  *ConversationJoin  `json:"conversation_join,omitempty"`
	ConversationLeave *ConversationLeave `json:"conversation_leave,omitempty"`
	MessageSend       *MessageSend       `json:"message_send,omitempty"`
	Ping              *Ping              `json:"ping,omitempty"`
}

type UserPresenceEvent struct {
	UserID string `json:"user_id"`
}

type OnlineUsers struct {
	UserIDs []string `json:"user_ids"`
}

type NewMessage struct {
	ConversationKey ConversationKey `json:"conversation_key"`
	SenderID        string          `json:"sender_id"`
	SenderUsername  string          `json:"sender_username,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	CreateTime      int64           `json:"create_time"`
}

// NewMessageReceived tells an online recipient that a message arrived in a
// conversation none of their connections is currently viewing.
type NewMessageReceived struct {
	ConversationKey ConversationKey `json:"conversation_key"`
	SenderID        string          `json:"sender_id"`
	SenderUsername  string          `json:"sender_username,omitempty"`
}

type ConversationJoined struct {
	ConversationKey ConversationKey `json:"conversation_key"`
	UserIDs         []string        `json:"user_ids"`
}

type ConversationLeft struct {
	ConversationKey ConversationKey `json:"conversation_key"`
}

type MessageAck struct {
	ConversationKey ConversationKey `json:"conversation_key"`
	Delivered       int             `json:"delivered"`
}

type ErrorCode int32

const (
	ErrorCodeRuntimeException ErrorCode = iota
	ErrorCodeUnrecognizedPayload
	ErrorCodeMissingPayload
	ErrorCodeBadInput
	ErrorCodeRateLimited
	ErrorCodeConversationNotFound
)

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type Pong struct{}

type Ping struct{}

type ConversationJoin struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=16,dive,uuid"`
}

type ConversationLeave struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=16,dive,uuid"`
}

type MessageSend struct {
	UserIDs []string        `json:"user_ids" validate:"required,min=1,max=16,dive,uuid"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// Name returns the event name of the message carried by the envelope.
func (e *Envelope) Name() string {
	switch {
	case e.UserOnline != nil:
		return "UserOnline"
	case e.UserOffline != nil:
		return "UserOffline"
	case e.OnlineUsers != nil:
		return "OnlineUsers"
	case e.NewMessage != nil:
		return "NewMessage"
	case e.NewMessageReceived != nil:
		return "NewMessageReceived"
	case e.ConversationJoined != nil:
		return "ConversationJoined"
	case e.ConversationLeft != nil:
		return "ConversationLeft"
	case e.MessageAck != nil:
		return "MessageAck"
	case e.Error != nil:
		return "Error"
	case e.Pong != nil:
		return "Pong"
	case e.ConversationJoin != nil:
		return "ConversationJoin"
	case e.ConversationLeave != nil:
		return "ConversationLeave"
	case e.MessageSend != nil:
		return "MessageSend"
	case e.Ping != nil:
		return "Ping"
	default:
		return ""
	}
}

func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{cid=%q, message=%s}", e.Cid, e.Name())
}

func errorEnvelope(cid string, code ErrorCode, message string) *Envelope {
	return &Envelope{Cid: cid, Error: &Error{Code: code, Message: message}}
}
