package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Str("granularity", "daily").Msg("rollup written")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "daily", entry["granularity"])
	assert.Equal(t, "rollup written", entry["message"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
	assert.True(t, ValidLevel("error"))
	assert.False(t, ValidLevel("loud"))
}

func TestCtxAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	t.Cleanup(func() { Init(DefaultConfig()) })

	ctx := ContextWithRequestID(context.Background(), "req-1")
	Ctx(ctx).Info().Msg("hello")

	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.NotEmpty(t, NewRequestID())
}

func TestSlogBridge(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLoggerWith(NewTestLogger(&buf)).WithGroup("supervisor")
	l.Warn("service restarted", slog.String("service", "scheduler"), slog.Int("attempt", 2))

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"supervisor.service":"scheduler"`)
	assert.Contains(t, out, `"supervisor.attempt":2`)
}
