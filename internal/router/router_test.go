package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/coordination"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/metrics"
	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/store"
)

var testAPIKey = strings.Repeat("k", 32)

func newTestApp(t *testing.T, authEnabled bool) *httptestApp {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.Auth = config.AuthConfig{Enabled: authEnabled, APIKeys: []string{testAPIKey}}

	svc, err := coordination.New(store.NewMemoryStore(), coordination.Options{
		Logger:  logging.NewNop(),
		Metrics: metrics.New("meshcoord"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &httptestApp{t: t, handler: New(logging.NewNop(), Deps{Service: svc, Version: "test"}, cfg)}
}

type httptestApp struct {
	t       *testing.T
	handler *fiber.App
}

func (a *httptestApp) do(method, path, key string, body any) (*http.Response, []byte) {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := a.handler.Test(req, -1)
	require.NoError(a.t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	_ = resp.Body.Close()
	return resp, raw
}

func TestRoutes_AuthRequired(t *testing.T) {
	app := newTestApp(t, true)
	info := models.NodeInfo{NodeID: "n1", NodeType: "domain", DomainID: "d1"}

	resp, _ := app.do(http.MethodPost, "/v1/nodes", "", info)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = app.do(http.MethodPost, "/admin/health-check", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, raw := app.do(http.MethodPost, "/v1/nodes", testAPIKey, info)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	// probes stay open
	resp, _ = app.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutes_RequestIDEchoed(t *testing.T) {
	app := newTestApp(t, false)

	resp, _ := app.do(http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRoutes_MetricsExposed(t *testing.T) {
	app := newTestApp(t, false)

	resp, raw := app.do(http.MethodPost, "/v1/nodes", "", models.NodeInfo{NodeID: "n1", NodeType: "domain", DomainID: "d1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	resp, raw = app.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "meshcoord_registrations_total")
	assert.Contains(t, string(raw), "meshcoord_elections_total")
}

func TestRoutes_NotFound(t *testing.T) {
	app := newTestApp(t, false)

	resp, raw := app.do(http.MethodGet, "/v2/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(raw), "NOT_FOUND")
}
