package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLogger_JSONKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", slog.LevelInfo, false)

	WithQueue(WithCorrelationID(logger, "c-1"), "executor").Info("job claimed", "worker_id", "w-1")

	line := gjson.ParseBytes(buf.Bytes())
	assert.Equal(t, "job claimed", line.Get("msg").String())
	assert.Equal(t, "c-1", line.Get("correlation_id").String())
	assert.Equal(t, "executor", line.Get("queue").String())
	assert.Equal(t, "w-1", line.Get("worker_id").String())
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", slog.LevelDebug, false)

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
