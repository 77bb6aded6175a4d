package loggy

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelInfo, Format: "json"})

	logger.Debug("hidden")
	logger.With("item_id", "mut-1").Info("item synced")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"item synced"`)
	assert.Contains(t, out, `"item_id":"mut-1"`)
}

func TestRequestIDAttached(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelInfo, Format: "text"})

	ctx := WithRequestID(context.Background(), "req-42")
	logger.Log(ctx, slog.LevelInfo, "handled")

	assert.Contains(t, buf.String(), "request_id=req-42")
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")

	logger, err := New(Config{Level: slog.LevelInfo, Format: "text", Output: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("drain finished", "synced", 3)
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "drain finished")
	assert.Contains(t, string(data), "synced=3")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.Info("nothing")
		assert.NoError(t, logger.Close())
	})
}
