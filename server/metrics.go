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
	"io"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

type Metrics interface {
	Stop(logger *zap.Logger)

	HTTPHandler() http.Handler

	CountWebsocketOpened(delta int64)
	CountWebsocketClosed(delta int64)
	GaugeSessions(value float64)
	GaugeOnlineUsers(value float64)
	GaugeGroups(value float64)
	CountPresenceEvent(online bool)
	CountDeliveryFailure(delta int64)
	CountPersistenceFailure(operation string)
	CountMessageRouted(delta int64)
	MessageBytesSent(sentBytes int64)
	PresenceQueueLatency(elapsed time.Duration)
}

var _ Metrics = (*LocalMetrics)(nil)

type LocalMetrics struct {
	logger *zap.Logger
	config Config

	registry *prom.Registry
	handler  http.Handler

	scope       tally.Scope
	scopeCloser io.Closer
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	registry := prom.NewRegistry()
	reporter := prometheus.NewReporter(prometheus.Options{
		Registerer: registry,
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})

	tags := map[string]string{"node_name": config.GetName()}
	scope, scopeCloser := tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Namespace,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	startupLogger.Info("Metrics initialised", zap.String("namespace", config.GetMetrics().Namespace), zap.Int("reporting_freq_sec", config.GetMetrics().ReportingFreqSec))

	return &LocalMetrics{
		logger: logger,
		config: config,

		registry: registry,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),

		scope:       scope,
		scopeCloser: scopeCloser,
	}
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.scopeCloser == nil {
		return
	}
	if err := m.scopeCloser.Close(); err != nil {
		logger.Error("Error stopping metrics scope", zap.Error(err))
	}
}

func (m *LocalMetrics) HTTPHandler() http.Handler {
	return m.handler
}

func (m *LocalMetrics) CountWebsocketOpened(delta int64) {
	m.scope.Counter("socket_ws_opened").Inc(delta)
}

func (m *LocalMetrics) CountWebsocketClosed(delta int64) {
	m.scope.Counter("socket_ws_closed").Inc(delta)
}

func (m *LocalMetrics) GaugeSessions(value float64) {
	m.scope.Gauge("sessions").Update(value)
}

func (m *LocalMetrics) GaugeOnlineUsers(value float64) {
	m.scope.Gauge("online_users").Update(value)
}

func (m *LocalMetrics) GaugeGroups(value float64) {
	m.scope.Gauge("conversation_groups").Update(value)
}

func (m *LocalMetrics) CountPresenceEvent(online bool) {
	if online {
		m.scope.Counter("presence_online_events").Inc(1)
		return
	}
	m.scope.Counter("presence_offline_events").Inc(1)
}

func (m *LocalMetrics) CountDeliveryFailure(delta int64) {
	m.scope.Counter("delivery_failures").Inc(delta)
}

func (m *LocalMetrics) CountPersistenceFailure(operation string) {
	m.scope.Tagged(map[string]string{"operation": operation}).Counter("persistence_failures").Inc(1)
}

func (m *LocalMetrics) CountMessageRouted(delta int64) {
	m.scope.Counter("messages_routed").Inc(delta)
}

func (m *LocalMetrics) MessageBytesSent(sentBytes int64) {
	m.scope.Counter("socket_ws_bytes_sent").Inc(sentBytes)
}

func (m *LocalMetrics) PresenceQueueLatency(elapsed time.Duration) {
	m.scope.Timer("presence_queue_latency").Record(elapsed)
}
