package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/codesandbox/internal/config"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sandbox.log")

	logger, closeFn, err := newLogger(config.LogConfig{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	logger.Debug("hello", "session_id", "s1")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"session_id":"s1"`)
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.log")

	logger, closeFn, err := newLogger(config.LogConfig{Level: "warn", Format: "text", File: path})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, _, err := newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
