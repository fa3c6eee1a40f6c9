// Package server is the ops HTTP surface: health, status, metrics and
// read-only book and account views.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/spotengine/internal/server/handler"
	"github.com/alanyoungcy/spotengine/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port   int
	APIKey string // empty disables auth on book endpoints
}

// Handlers aggregates the route handlers. Book and Account may be nil when
// no engine runs in this process.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Book    *handler.BookHandler
	Account *handler.AccountHandler
}

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in middleware.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	auth := middleware.Auth(cfg.APIKey)
	if handlers.Book != nil {
		mux.Handle("GET /api/markets/{symbol}/depth", auth(http.HandlerFunc(handlers.Book.GetDepth)))
		mux.Handle("GET /api/markets/{symbol}/orders", auth(http.HandlerFunc(handlers.Book.GetOpenOrders)))
	}
	if handlers.Account != nil {
		if handlers.Account.HasPositions() {
			mux.Handle("GET /api/users/{user}/positions", auth(http.HandlerFunc(handlers.Account.GetPositions)))
		}
		if handlers.Account.HasEvents() {
			mux.Handle("GET /api/events", auth(http.HandlerFunc(handlers.Account.GetEvents)))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           middleware.Logging(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
