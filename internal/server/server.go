// Package server exposes the indexer's read-only status API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/twapindexer/internal/server/handler"
	"github.com/alanyoungcy/twapindexer/internal/server/middleware"
	"github.com/alanyoungcy/twapindexer/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RateLimit    float64 // requests per second per client, 0 = unlimited
	RateBurst    int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Orders *handler.OrderHandler
	Chains *handler.ChainHandler
	Stream *ws.Hub // optional live status feed
}

// Server is the HTTP status server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, handlers, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       orDefault(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      orDefault(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// NewHandler builds the routed handler with its middleware chain.
func NewHandler(cfg Config, handlers Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	if handlers.Orders != nil {
		mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)
		mux.HandleFunc("GET /api/orders/{id}/history", handlers.Orders.GetHistory)
		mux.HandleFunc("GET /api/owners/{owner}/orders", handlers.Orders.ListByOwner)
	}

	if handlers.Chains != nil {
		mux.HandleFunc("GET /api/chains", handlers.Chains.ListChains)
		mux.HandleFunc("GET /api/chains/{chainID}/changes", handlers.Chains.ListChanges)
		mux.HandleFunc("GET /api/chains/{chainID}/dead-letters", handlers.Chains.ListDeadLetters)
	}

	if handlers.Stream != nil {
		mux.HandleFunc("GET /ws", handlers.Stream.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.RateLimit(cfg.RateLimit, cfg.RateBurst)(h)
	h = middleware.Logging(logger)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
