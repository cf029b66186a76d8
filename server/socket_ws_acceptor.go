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
	"crypto/sha1"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// NewSocketWsAcceptor returns the handler that authenticates and upgrades client sockets.
// The optional "with" query parameter names a user whose conversation the socket joins straight away.
func NewSocketWsAcceptor(logger *zap.Logger, config Config, sessionRegistry SessionRegistry, connections ConnectionRegistry, lifecycle *ConnectionLifecycleHandler, metrics Metrics, pipeline *Pipeline) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  config.GetSocket().ReadBufferSizeBytes,
		WriteBufferSize: config.GetSocket().WriteBufferSizeBytes,
		CheckOrigin:     originChecker(config.GetSocket().AllowedOrigins),
	}

	sessionIdGen := uuid.NewGenWithHWAF(func() (net.HardwareAddr, error) {
		hash := NodeToHash(config.GetName())
		return hash[:], nil
	})

	// This handler will be attached to the API server.
	return func(w http.ResponseWriter, r *http.Request) {
		// Check authentication.
		token, ok := tokenFromRequest(r)
		if !ok {
			http.Error(w, "Missing or invalid token", http.StatusUnauthorized)
			return
		}
		userID, username, _, ok := parseToken([]byte(config.GetSession().EncryptionKey), token)
		if !ok {
			http.Error(w, "Missing or invalid token", http.StatusUnauthorized)
			return
		}

		var conversationKey ConversationKey
		if with := r.URL.Query().Get("with"); with != "" {
			otherUserID, err := uuid.FromString(with)
			if err != nil {
				http.Error(w, "Invalid 'with' user ID", http.StatusBadRequest)
				return
			}
			if conversationKey, err = NewConversationKey(userID, otherUserID); err != nil {
				http.Error(w, "Invalid 'with' user ID", http.StatusBadRequest)
				return
			}
		}

		// Upgrade to WebSocket.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		clientIP, clientPort := extractClientAddressFromRequest(logger, r)
		sessionID := uuid.Must(sessionIdGen.NewV1())

		// Wrap the connection for application handling.
		session := NewSessionWS(logger, config, sessionID, userID, username, clientIP, clientPort, conn, sessionRegistry, lifecycle, metrics, pipeline)

		// Add to the session registry first so the online users snapshot can be delivered.
		sessionRegistry.Add(session)

		if err := lifecycle.Open(userID, sessionID); err != nil {
			session.Logger().Warn("Could not open connection", zap.Error(err))
			session.Close("could not open connection")
			return
		}

		if conversationKey != "" {
			if err := pipeline.join(session, conversationKey); err != nil {
				session.Logger().Warn("Could not join conversation", zap.String("conversation_key", conversationKey.String()), zap.Error(err))
			} else {
				_ = session.Send(&Envelope{ConversationJoined: &ConversationJoined{
					ConversationKey: conversationKey,
					UserIDs:         participantStrings(conversationKey),
				}})
			}
		}

		if config.GetSession().SingleSocket {
			// Kick any other sockets for this user.
			go sessionRegistry.SingleSession(session.Context(), connections, userID, sessionID)
		}

		// Allow the server to begin processing incoming messages from this session.
		session.Consume()
	}
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowAll := lo.Contains(allowedOrigins, "*")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		return lo.ContainsBy(allowedOrigins, func(allowed string) bool {
			return strings.EqualFold(allowed, origin)
		})
	}
}

// NodeToHash generates a 6-byte hash from the node name.
func NodeToHash(node string) [6]byte {
	hash := sha1.Sum([]byte(node))
	var hashArr [6]byte
	copy(hashArr[:], hash[:6])
	return hashArr
}

func extractClientAddressFromRequest(logger *zap.Logger, r *http.Request) (string, string) {
	var clientAddr string
	if ips := r.Header.Get("x-forwarded-for"); len(ips) > 0 {
		clientAddr = strings.TrimSpace(strings.Split(ips, ",")[0])
	} else {
		clientAddr = r.RemoteAddr
	}

	return extractClientAddress(logger, clientAddr)
}

func extractClientAddress(logger *zap.Logger, clientAddr string) (string, string) {
	var clientIP, clientPort string

	if clientAddr != "" {
		// It's possible the request metadata had no client address string.
		clientAddr = strings.TrimSpace(clientAddr)
		if host, port, err := net.SplitHostPort(clientAddr); err == nil {
			clientIP = host
			clientPort = port
		} else {
			var addrErr *net.AddrError
			if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
				clientIP = clientAddr
			} else {
				logger.Debug("Could not extract client address from request.", zap.Error(err))
			}
		}
	} else {
		logger.Debug("No client address in request")
	}

	return clientIP, clientPort
}
