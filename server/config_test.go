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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfigDefaults(t *testing.T) {
	logger := loggerForTest(t)
	assert.NoError(t, CheckConfig(logger, NewConfig(logger)))
}

func TestCheckConfigProblems(t *testing.T) {
	logger := loggerForTest(t)

	for name, mutate := range map[string]func(c *config){
		"unknown store":           func(c *config) { c.Database.Store = "cassandra" },
		"postgres without addr":   func(c *config) { c.Database.Store = StoreKindPostgres },
		"redis without addr":      func(c *config) { c.Database.Store = StoreKindRedis; c.Redis.Address = "" },
		"pong before ping":        func(c *config) { c.Socket.PongWaitMs = c.Socket.PingPeriodMs },
		"short encryption key":    func(c *config) { c.Session.EncryptionKey = "short" },
		"one participant":         func(c *config) { c.Presence.MaxParticipants = 1 },
		"no dispatch workers":     func(c *config) { c.Presence.DispatchWorkers = 0 },
		"no name":                 func(c *config) { c.Name = "" },
		"port out of range":       func(c *config) { c.Socket.Port = 70000 },
		"zero persist timeout":    func(c *config) { c.Presence.PersistTimeoutMs = 0 },
		"negative shutdown grace": func(c *config) { c.ShutdownGraceSec = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			c := NewConfig(logger)
			mutate(c)
			assert.Error(t, CheckConfig(logger, c))
		})
	}
}

func TestParseArgsYAMLAndFlags(t *testing.T) {
	logger := loggerForTest(t)

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: realtime-7
database:
  store: redis
redis:
  address: cache:6379
  key_prefix: dating
presence:
  dispatch_workers: 3
  max_participants: 4
socket:
  port: 9000
`), 0o600))

	c := ParseArgs(logger, []string{"realtime", "--config", path, "--socket.port", "9100"})

	assert.Equal(t, "realtime-7", c.GetName())
	assert.Equal(t, StoreKindRedis, c.GetDatabase().Store)
	assert.Equal(t, "cache:6379", c.GetRedis().Address)
	assert.Equal(t, "dating:connection_groups", c.GetRedis().Key("connection_groups"))
	assert.Equal(t, 3, c.GetPresence().DispatchWorkers)
	assert.Equal(t, 4, c.GetPresence().MaxParticipants)
	assert.Equal(t, 64, c.GetPresence().GroupStripes, "unset values keep their defaults")
	assert.Equal(t, 9100, c.GetSocket().Port, "flags override the file")
	assert.NoError(t, CheckConfig(logger, c))
}

func TestConfigClone(t *testing.T) {
	logger := loggerForTest(t)
	original := NewConfig(logger)

	cloned, err := original.Clone()
	require.NoError(t, err)
	cloned.GetSocket().AllowedOrigins[0] = "https://example.com"
	cloned.GetPresence().DispatchWorkers = 99

	assert.Equal(t, "https://localhost:4200", original.GetSocket().AllowedOrigins[0])
	assert.Equal(t, 8, original.GetPresence().DispatchWorkers)
}
