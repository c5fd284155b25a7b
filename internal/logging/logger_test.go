package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/config"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
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

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)

	l.With("component", "test").Info("Node registered",
		"node_id", "n1",
		"port", 9000,
		"ok", true,
		"timeout", 2*time.Second,
		"error", errors.New("boom"))

	entries := lines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "Node registered", e["message"])
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "test", e["component"])
	assert.Equal(t, "n1", e["node_id"])
	assert.EqualValues(t, 9000, e["port"])
	assert.Equal(t, true, e["ok"])
	assert.Equal(t, "boom", e["error"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.WarnLevel)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	entries := lines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["message"])
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)

	ctx := WithNodeID(WithRequestID(context.Background(), "req-1"), "n7")
	ctx = WithLogger(ctx, l)
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Same(t, l, FromContext(ctx))

	WarnCtx(ctx, "Late heartbeat")

	entries := lines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0]["request_id"])
	assert.Equal(t, "n7", entries[0]["node_id"])

	assert.Same(t, Global(), FromContext(context.Background()))
	assert.Empty(t, RequestID(context.Background()))
}

func TestNewFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "meshcoord.log")
	l, err := NewFromConfig(config.LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)
	require.NotNil(t, l)
	l.Debug("written")

	l, err = NewFromConfig(config.LoggingConfig{Level: "bogus", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
}

func TestFiberMiddleware(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)

	app := fiber.New()
	app.Use(FiberMiddleware(l))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/v1/thing", func(c *fiber.Ctx) error {
		InfoCtx(c.UserContext(), "Inside handler")
		return c.Status(fiber.StatusNotFound).SendString("missing")
	})

	req := httptest.NewRequest("GET", "/v1/thing", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", resp.Header.Get("X-Request-ID"))

	resp, err = app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	entries := lines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "Inside handler", entries[0]["message"])
	assert.Equal(t, "fixed-id", entries[0]["request_id"])
	assert.Equal(t, "Client error", entries[1]["message"])
	assert.EqualValues(t, 404, entries[1]["status"])
}
