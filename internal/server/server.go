// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/handlers"
	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/pkg/logger"
)

// Server represents the HTTP server. It owns the listener, the middleware
// chain, and the operational endpoints; the engine and its collaborators
// (key store, limiter, breaker registry) are owned by the caller.
type Server struct {
	cfg            *config.Config
	log            *logger.Logger
	httpServer     *http.Server
	healthHandler  *handlers.HealthHandler
	gatewayHandler *handlers.GatewayHandler
	table          *gateway.Table
	listener       net.Listener
	running        bool
	mu             sync.RWMutex
}

// New creates a new Server around the given route table and engine.
func New(cfg *config.Config, log *logger.Logger, table *gateway.Table, engine *gateway.Engine) *Server {
	s := &Server{
		cfg:           cfg,
		log:           log,
		table:         table,
		healthHandler: handlers.NewHealthHandler(),
	}

	s.gatewayHandler = handlers.NewGatewayHandler(table, engine, cfg.Gateway.APIKeyHeader, cfg.Proxy.MaxRequestBytes, log)

	// Create HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	// Build middleware chain
	handler := s.buildMiddlewareChain(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// buildMiddlewareChain creates the middleware chain for the server.
func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	chain := middleware.New(
		middleware.Metrics(s.pathLabel),
		middleware.RequestID(),
		middleware.ClientIP(s.cfg.Gateway.TrustProxy, s.cfg.Gateway.TrustedProxies),
	)

	return chain.Then(handler)
}

// pathLabel folds request paths onto route names so metric labels stay
// bounded by the size of the route table.
func (s *Server) pathLabel(path string) string {
	switch path {
	case "/health", "/ready", "/metrics":
		return path
	}
	if route := s.table.Match(path); route != nil {
		return route.Name
	}
	return "/other"
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Operational routes (GET only)
	mux.HandleFunc("GET /health", s.healthHandler.Health)
	mux.HandleFunc("GET /ready", s.healthHandler.Ready)

	// Metrics endpoint for Prometheus
	mux.Handle("GET /metrics", metrics.Handler())

	// Everything else is proxied. Go's ServeMux matches the exact routes
	// above before falling through to the catch-all.
	mux.Handle("/", s.gatewayHandler)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()

	// Create listener first to get the actual address (important when port is 0)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	actualAddr := listener.Addr().String()
	s.log.Info("server starting", "address", actualAddr, "routes", s.table.Len())

	// Start serving
	err = s.httpServer.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server. Readiness flips to unavailable
// first so load balancers stop sending new traffic while in-flight requests
// drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	s.healthHandler.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err.Error())
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// HealthHandler returns the health handler so callers can register
// readiness checks.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}
