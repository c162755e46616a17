package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"trace": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Format: "json", Component: "agent"}, &buf)

	l.WithAgentID("pixel").WithExecutionID("登录-20260101").WithError(errors.New("boom")).Info("task finished")

	m := decodeLine(t, &buf)
	assert.Equal(t, "agent", m["component"])
	assert.Equal(t, "pixel", m["agent_id"])
	assert.Equal(t, "登录-20260101", m["execution_id"])
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, "task finished", m["msg"])
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Format: "json"}, &buf)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	l.WithContext(ctx).Info("hello")

	m := decodeLine(t, &buf)
	assert.Equal(t, "req-1", m["request_id"])
	assert.NotContains(t, m, "agent_id")
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)

	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.WithDuration(1500*time.Millisecond).Warn("slow")
	m := decodeLine(t, &buf)
	assert.EqualValues(t, 1500, m["duration_ms"])
}

func TestHTTPRequestLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Format: "json", Component: "api"}, &buf)

	l.HTTPRequestLog("req-9", "POST", "/api/v1/run-raw", 202, 20*time.Millisecond, "127.0.0.1")

	m := decodeLine(t, &buf)
	assert.Equal(t, "req-9", m["request_id"])
	assert.EqualValues(t, 202, m["status"])
	assert.Equal(t, "/api/v1/run-raw", m["path"])
}
