package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/handlers"
	"github.com/edgegate/edgegate/internal/keystore"
	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/pkg/logger"
)

func testConfig(routes []config.RouteConfig) *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Env:      "test",
			LogLevel: "error",
		},
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0, // Let the OS assign a port
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Proxy: config.ProxyConfig{
			Timeout:          5 * time.Second,
			MaxRequestBytes:  1 << 20,
			MaxResponseBytes: 1 << 20,
		},
		Gateway: config.GatewayConfig{
			Routes:       routes,
			APIKeyHeader: "X-API-Key",
		},
	}
}

// newTestServer assembles a server over the real pipeline: memory key
// store, memory limiter, breaker registry, and HTTP forwarder.
func newTestServer(t *testing.T, routes []config.RouteConfig, keys []keystore.APIKey) *Server {
	t.Helper()

	cfg := testConfig(routes)
	log := logger.New(&bytes.Buffer{}, "error")

	table, err := gateway.NewTable(routes, ratelimit.DefaultConfig(), nil)
	require.NoError(t, err)

	engine := gateway.NewEngine(
		keystore.NewMemoryStore(keys),
		ratelimit.NewMemoryLimiter(),
		breaker.NewRegistry(breaker.Config{}, nil),
		nil,
		proxy.NewHTTPForwarder(&cfg.Proxy, log),
		nil,
		log,
	)

	return New(cfg, log, table, engine)
}

// startServer runs the server in the background and returns its address.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()

	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	// Wait for server to be ready
	time.Sleep(100 * time.Millisecond)

	addr := srv.Addr()
	require.NotEmpty(t, addr)
	return addr
}

func get(t *testing.T, url string, header http.Header) *http.Response {
	t.Helper()

	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func placeholderRoute() config.RouteConfig {
	return config.RouteConfig{
		Name:   "catalog",
		Prefix: "/catalog",
		Target: "http://catalog.internal:8080",
	}
}

func TestNewServer(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)

	assert.NotNil(t, srv)
	assert.NotNil(t, srv.HealthHandler())
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for server to be ready
	time.Sleep(100 * time.Millisecond)

	// Server should be running
	assert.True(t, srv.IsRunning())

	// Shutdown the server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(ctx)
	assert.NoError(t, err)

	// Server should no longer be running
	assert.False(t, srv.IsRunning())
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)
	addr := startServer(t, srv)

	resp := get(t, "http://"+addr+"/health", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health handlers.HealthResponse
	err := json.NewDecoder(resp.Body).Decode(&health)
	require.NoError(t, err)

	assert.Equal(t, "healthy", health.Status)
}

func TestServer_ReadyEndpoint(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)
	addr := startServer(t, srv)

	resp := get(t, "http://"+addr+"/ready", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ready handlers.ReadyResponse
	err := json.NewDecoder(resp.Body).Decode(&ready)
	require.NoError(t, err)

	assert.Equal(t, "ready", ready.Status)
}

func TestServer_ReadyEndpoint_NotReady(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)
	srv.HealthHandler().SetReady(false)

	addr := startServer(t, srv)

	resp := get(t, "http://"+addr+"/ready", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)
	addr := startServer(t, srv)

	resp := get(t, "http://"+addr+"/metrics", nil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "# HELP")
}

func TestServer_ProxiesToBackend(t *testing.T) {
	type captured struct {
		path   string
		query  string
		header http.Header
	}
	var mu sync.Mutex
	var got captured

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = captured{path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone()}
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer backend.Close()

	srv := newTestServer(t, []config.RouteConfig{
		{Name: "catalog", Prefix: "/catalog", Target: backend.URL},
	}, nil)
	addr := startServer(t, srv)

	resp := get(t, "http://"+addr+"/catalog/items?page=2", nil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"items":[]}`, string(body))

	// The middleware chain and decision pipeline leave their marks on the
	// response.
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "60", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/items", got.path)
	assert.Equal(t, "page=2", got.query)
	assert.NotEmpty(t, got.header.Get("X-Forwarded-For"))
}

func TestServer_RouteNotFound(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)
	addr := startServer(t, srv)

	resp := get(t, "http://"+addr+"/nope", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var payload struct {
		Code string `json:"code"`
	}
	err := json.NewDecoder(resp.Body).Decode(&payload)
	require.NoError(t, err)
	assert.Equal(t, gateway.CodeRouteNotFound, payload.Code)
}

func TestServer_ProtectedRoute(t *testing.T) {
	var mu sync.Mutex
	var seenKey string

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenKey = r.Header.Get("X-API-Key")
		mu.Unlock()
		fmt.Fprint(w, `{"admin":true}`)
	}))
	defer backend.Close()

	srv := newTestServer(t, []config.RouteConfig{
		{Name: "admin", Prefix: "/admin", Target: backend.URL, AuthRequired: true},
	}, []keystore.APIKey{
		{Key: "ops-key", Name: "ops", Active: true},
	})
	addr := startServer(t, srv)

	t.Run("missing key is rejected", func(t *testing.T) {
		resp := get(t, "http://"+addr+"/admin/users", nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid key reaches the backend without the credential", func(t *testing.T) {
		resp := get(t, "http://"+addr+"/admin/users", http.Header{"X-API-Key": {"ops-key"}})
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		mu.Lock()
		defer mu.Unlock()
		assert.Empty(t, seenKey)
	})
}

func TestServer_RateLimitsRequests(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer backend.Close()

	srv := newTestServer(t, []config.RouteConfig{
		{
			Name:      "tight",
			Prefix:    "/tight",
			Target:    backend.URL,
			RateLimit: &config.RateLimitSpec{RequestsPerMinute: 2},
		},
	}, nil)
	addr := startServer(t, srv)

	for i := 0; i < 2; i++ {
		resp := get(t, "http://"+addr+"/tight/x", nil)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := get(t, "http://"+addr+"/tight/x", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	var payload struct {
		Code string `json:"code"`
	}
	err := json.NewDecoder(resp.Body).Decode(&payload)
	require.NoError(t, err)
	assert.Equal(t, gateway.CodeRateLimitExceeded, payload.Code)
}

func TestServer_PathLabel(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)

	assert.Equal(t, "/health", srv.pathLabel("/health"))
	assert.Equal(t, "/ready", srv.pathLabel("/ready"))
	assert.Equal(t, "/metrics", srv.pathLabel("/metrics"))
	assert.Equal(t, "catalog", srv.pathLabel("/catalog/items/42"))
	assert.Equal(t, "/other", srv.pathLabel("/unknown"))
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)

	// Start server
	go func() { _ = srv.Start() }()

	// Wait for server to be ready
	time.Sleep(100 * time.Millisecond)
	require.True(t, srv.IsRunning())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(ctx)
	assert.NoError(t, err)
	assert.False(t, srv.IsRunning())
}

func TestServer_ShutdownTimeout(t *testing.T) {
	srv := newTestServer(t, []config.RouteConfig{placeholderRoute()}, nil)

	// Start server
	go func() { _ = srv.Start() }()
	time.Sleep(100 * time.Millisecond)

	// Shutdown with very short timeout (but should still work since no active connections)
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()

	// Even with a short timeout, shutdown should succeed if there are no active connections
	err := srv.Shutdown(ctx)
	// May or may not error depending on timing, but server should be stopped
	_ = err

	// Give it a moment to fully stop
	time.Sleep(50 * time.Millisecond)
	assert.False(t, srv.IsRunning())
}
