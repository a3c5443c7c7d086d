package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/config"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func decodeLines(t *testing.T, buf *bufferCloser) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestManagerJSONOutput(t *testing.T) {
	buf := &bufferCloser{}
	m, err := newManager(config.LoggingConfig{
		Level:         "info",
		Format:        "json",
		ContextFields: map[string]string{"service": "marketdata"},
	}, buf)
	require.NoError(t, err)

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithSymbol(ctx, "AAPL")
	m.Component("ingestion").InfoContext(ctx, "ingestion complete", "stored", 3)
	m.Logger().Debug("dropped at info level")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "ingestion complete", line["msg"])
	assert.Equal(t, "ingestion", line["component"])
	assert.Equal(t, "marketdata", line["service"])
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "AAPL", line["symbol"])
	assert.Equal(t, float64(3), line["stored"])

	require.NoError(t, m.Close())
	assert.True(t, buf.closed)
}

func TestManagerTextFormat(t *testing.T) {
	buf := &bufferCloser{}
	m, err := newManager(config.LoggingConfig{Level: "debug", Format: "text"}, buf)
	require.NoError(t, err)

	m.Logger().Debug("calendar loaded", "holidays", 10)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "holidays=10")
}

func TestComponentLoggerCached(t *testing.T) {
	m, err := newManager(config.LoggingConfig{}, &bufferCloser{})
	require.NoError(t, err)
	assert.Same(t, m.Component("api"), m.Component("api"))
	assert.NotSame(t, m.Component("api"), m.Component("cache"))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewManagerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	m, err := NewManager(config.LoggingConfig{
		Level: "info", Format: "json", Output: "file", FilePath: path, MaxSize: 1,
	})
	require.NoError(t, err)

	m.Logger().Info("written to file")
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNewManagerErrors(t *testing.T) {
	_, err := NewManager(config.LoggingConfig{Output: "file"})
	assert.ErrorContains(t, err, "file path is required")

	_, err = NewManager(config.LoggingConfig{Output: "syslog"})
	assert.ErrorContains(t, err, "unknown log output")

	_, err = NewManager(config.LoggingConfig{Level: "verbose"})
	assert.ErrorContains(t, err, "unknown log level")
}

func TestTimedOperation(t *testing.T) {
	buf := &bufferCloser{}
	m, err := newManager(config.LoggingConfig{}, buf)
	require.NoError(t, err)

	require.NoError(t, TimedOperation(context.Background(), m.Logger(), "purge", func() error { return nil }))
	boom := errors.New("boom")
	assert.ErrorIs(t, TimedOperation(context.Background(), m.Logger(), "purge", func() error { return boom }), boom)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "operation completed", lines[0]["msg"])
	assert.Equal(t, "purge", lines[0]["operation"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-9")
	assert.Equal(t, "req-9", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}
