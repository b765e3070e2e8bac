package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kyosei-dev/junban/api"
	"github.com/kyosei-dev/junban/internal/service/invalidation"
	"github.com/kyosei-dev/junban/internal/service/ranking"
)

// Server is the Junban HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	RankingSvc *ranking.Service
	Supervisor *invalidation.Supervisor
	Logger     *slog.Logger

	// Optional database health probe (nil = skipped in /health).
	Ping func(r *http.Request) error

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Extra outermost middlewares, applied in registration order
	// (first-registered = outermost).
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		RankingSvc:          cfg.RankingSvc,
		Supervisor:          cfg.Supervisor,
		Ping:                cfg.Ping,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Ranking submission and lookup.
	mux.HandleFunc("POST /v1/scopes/{entity_id}/{item_type}/rankings", h.HandleSaveRanking)
	mux.HandleFunc("GET /v1/scopes/{entity_id}/{item_type}/rankings/{user_id}", h.HandleGetRanking)

	// Combined aggregate + viewer view.
	mux.HandleFunc("GET /v1/scopes/{entity_id}/{item_type}/view", h.HandleScopeView)

	// Active-set change events from the host platform.
	mux.HandleFunc("POST /v1/scopes/{entity_id}/{item_type}/events/active-set-changed", h.HandleActiveSetChanged)

	// Health and API description.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPISpec)
	})

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
