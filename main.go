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

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datingapp/realtime/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := version + "+" + commitID

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)
	if err := server.CheckConfig(logger, config); err != nil {
		startupLogger.Fatal("Invalid configuration", zap.Error(err))
	}

	startupLogger.Info("Realtime starting", zap.String("version", semver), zap.String("node", config.GetName()))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))

	metrics := server.NewLocalMetrics(logger, startupLogger, config)

	dialCtx, dialCtxCancelFn := context.WithTimeout(ctx, config.GetDatabase().GetDialTimeout())
	store, err := server.NewConnectionStore(dialCtx, logger, startupLogger, config)
	dialCtxCancelFn()
	if err != nil {
		startupLogger.Fatal("Could not open connection store", zap.Error(err))
	}

	presenceConfig := config.GetPresence()
	sessionRegistry := server.NewLocalSessionRegistry(metrics)
	router := server.NewLocalMessageRouter(logger, metrics, sessionRegistry)
	connections := server.NewLocalConnectionRegistry(logger, metrics, presenceConfig.RegistryStripes)
	presence := server.NewLocalPresenceCoordinator(logger, metrics, connections, router, presenceConfig.DispatchWorkers, presenceConfig.EventQueueSize)
	groups := server.NewLocalConversationGroupManager(logger, metrics, router, store, presenceConfig.GroupStripes, presenceConfig.GetPersistTimeout())
	lifecycle := server.NewConnectionLifecycleHandler(logger, metrics, presence, groups, store)

	// Connections from a previous run can no longer exist.
	purgeCtx, purgeCtxCancelFn := context.WithTimeout(ctx, config.GetDatabase().GetDialTimeout())
	purged, err := lifecycle.PurgeStale(purgeCtx)
	purgeCtxCancelFn()
	if err != nil {
		if errors.Is(err, server.ErrStoreUnreachable) {
			startupLogger.Fatal("Connection store unreachable, cannot purge stale connections", zap.Error(err))
		}
		startupLogger.Error("Startup purge incomplete", zap.Error(err))
	}
	startupLogger.Info("Startup purge done", zap.Int("purged", purged))

	pipeline := server.NewPipeline(logger, config, connections, groups, lifecycle, router, nil)
	apiServer := server.StartApiServer(logger, startupLogger, config, sessionRegistry, connections, groups, lifecycle, metrics, pipeline)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	graceSeconds := config.GetShutdownGraceSec()
	if graceSeconds > 0 {
		startupLogger.Info("Shutdown started - use CTRL^C to force stop server", zap.Int("grace_period_sec", graceSeconds))
		graceTimer := time.NewTimer(time.Duration(graceSeconds) * time.Second)
		select {
		case <-graceTimer.C:
		case <-c:
			graceTimer.Stop()
		}
	} else {
		startupLogger.Info("Shutdown started")
	}

	apiServer.Stop()

	// Close remaining sockets so every connection runs its cleanup.
	sessionRegistry.Range(func(session server.Session) bool {
		session.Close("server shutdown")
		return true
	})

	presence.Stop()
	sessionRegistry.Stop()
	metrics.Stop(logger)
	if err := store.Close(); err != nil {
		logger.Warn("Error closing connection store", zap.Error(err))
	}

	ctxCancelFn()

	startupLogger.Info("Shutdown complete")

	os.Exit(0)
}
