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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggingFile(t *testing.T) {
	tmpLogger := loggerForTest(t)
	c := NewConfig(tmpLogger)
	c.Logger.Stdout = false
	c.Logger.Level = "warn"
	c.Logger.Format = "stackdriver"
	c.Logger.File = filepath.Join(t.TempDir(), "realtime.log")

	logger, startupLogger := SetupLogging(tmpLogger, c)
	logger.Info("filtered out")
	logger.Warn("kept")
	startupLogger.Warn("also kept")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(c.Logger.File)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "WARNING", entry["severity"])
}

func TestSetupLoggingRotation(t *testing.T) {
	tmpLogger := loggerForTest(t)
	c := NewConfig(tmpLogger)
	c.Logger.Stdout = false
	c.Logger.Rotation = true
	c.Logger.File = filepath.Join(t.TempDir(), "nested", "realtime.log")

	logger, _ := SetupLogging(tmpLogger, c)
	logger.Info("rotating")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(c.Logger.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"rotating"`)
}

func TestLogFormat(t *testing.T) {
	c := NewConfig(loggerForTest(t))

	for value, expected := range map[string]LoggingFormat{"": JSONFormat, "JSON": JSONFormat, "Stackdriver": StackdriverFormat} {
		c.Logger.Format = value
		format, err := logFormat(c)
		require.NoError(t, err)
		assert.Equal(t, expected, format)
	}

	c.Logger.Format = "xml"
	_, err := logFormat(c)
	assert.Error(t, err)
}
