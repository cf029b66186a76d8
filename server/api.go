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
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ApiServer struct {
	logger     *zap.Logger
	config     Config
	httpServer *http.Server
}

type healthcheckResponse struct {
	Node               string `json:"node"`
	Sessions           int    `json:"sessions"`
	OnlineUsers        int    `json:"online_users"`
	Connections        int    `json:"connections"`
	ConversationGroups int    `json:"conversation_groups"`
}

func StartApiServer(logger, startupLogger *zap.Logger, config Config, sessionRegistry SessionRegistry, connections ConnectionRegistry, groups ConversationGroupManager, lifecycle *ConnectionLifecycleHandler, metrics Metrics, pipeline *Pipeline) *ApiServer {
	s := &ApiServer{
		logger: logger,
		config: config,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&healthcheckResponse{
			Node:               config.GetName(),
			Sessions:           sessionRegistry.Count(),
			OnlineUsers:        connections.Count(),
			Connections:        connections.ConnectionCount(),
			ConversationGroups: groups.Count(),
		})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.HTTPHandler()).Methods(http.MethodGet)
	router.HandleFunc("/ws", NewSocketWsAcceptor(logger, config, sessionRegistry, connections, lifecycle, metrics, pipeline)).Methods(http.MethodGet)

	// Enable CORS on all requests.
	CORSHeaders := handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins(config.GetSocket().AllowedOrigins)
	CORSMethods := handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodOptions})
	handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods, handlers.AllowCredentials())(router)

	sockConfig := config.GetSocket()
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%v:%d", sockConfig.Address, sockConfig.Port),
		ReadTimeout:    time.Millisecond * time.Duration(int64(sockConfig.ReadTimeoutMs)),
		WriteTimeout:   time.Millisecond * time.Duration(int64(sockConfig.WriteTimeoutMs)),
		IdleTimeout:    time.Millisecond * time.Duration(int64(sockConfig.IdleTimeoutMs)),
		MaxHeaderBytes: 1 << 16,
		Handler:        handlerWithCORS,
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		startupLogger.Fatal("API server listener failed to start", zap.Error(err))
	}

	startupLogger.Info("Starting API server for HTTP and WebSocket", zap.Int("port", sockConfig.Port))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) Stop() {
	ctx, ctxCancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancelFn()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown failed", zap.Error(err))
	}
}
