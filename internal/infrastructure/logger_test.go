package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserver/internal/config"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestNewLoggerBothOutputs(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "test.log")
	var console bytes.Buffer

	logger, err := newLogger(config.LoggingConfig{
		Level:    "info",
		Output:   "both",
		FilePath: logFile,
	}, &console)
	require.NoError(t, err)

	logger.Info("test message", "key", "value")
	logger.Debug("hidden")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "second close is a no-op")

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)

	for _, data := range [][]byte{content, console.Bytes()} {
		entries := decodeLines(t, data)
		require.Len(t, entries, 1)
		assert.Equal(t, "test message", entries[0]["msg"])
		assert.Equal(t, "value", entries[0]["key"])
		assert.Equal(t, "INFO", entries[0]["level"])
	}
}

func TestNewLoggerConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "debug", Output: "console"}, &console)
	require.NoError(t, err)

	logger.Debug("debug message")
	entries := decodeLines(t, console.Bytes())
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "source", "debug level adds source")
}

func TestNewLoggerBadFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	_, err := NewLogger(config.LoggingConfig{Output: "file", FilePath: filepath.Join(blocker, "app.log")})
	assert.Error(t, err)
}

func TestTraceHandlerInjectsTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&traceHandler{Handler: slog.NewJSONHandler(&buf, nil)}).
		With(slog.String("component", "test"))

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "with trace")
	logger.InfoContext(context.Background(), "without trace")

	entries := decodeLines(t, buf.Bytes())
	require.Len(t, entries, 2)
	assert.Equal(t, "trace-123", entries[0]["trace_id"])
	assert.Equal(t, "test", entries[0]["component"])
	assert.NotContains(t, entries[1], "trace_id")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.Len(t, id, 36)

	assert.Equal(t, id, GetTraceID(EnsureTraceID(ctx)), "existing id is kept")
	assert.Empty(t, GetTraceID(context.Background()))
}
