package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/bus"
	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Server is the kansoku HTTP server.
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
	Store    storage.Store
	Bus      *bus.Bus
	Verifier *auth.Verifier
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter
	UIFS        fs.FS  // Embedded dashboard filesystem (SPA).
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// ExtraRoutes are called after the built-in routes are registered, in
	// order. Middlewares wrap the root handler outermost-first.
	ExtraRoutes []func(mux *http.ServeMux)
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Bus:                 cfg.Bus,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	queryRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Query endpoints (rate limited by IP).
	mux.Handle("GET /v1/traces", queryRL(http.HandlerFunc(h.HandleListTraces)))
	mux.Handle("GET /v1/traces/{trace_id}", queryRL(http.HandlerFunc(h.HandleGetTrace)))
	mux.Handle("GET /v1/traces/{trace_id}/logs", queryRL(http.HandlerFunc(h.HandleGetTraceLogs)))
	mux.Handle("GET /v1/spans/{span_id}", queryRL(http.HandlerFunc(h.HandleGetSpan)))
	mux.Handle("GET /v1/spans/{span_id}/logs", queryRL(http.HandlerFunc(h.HandleGetSpanLogs)))
	mux.Handle("POST /v1/logs/query", queryRL(http.HandlerFunc(h.HandleQueryLogs)))

	// Realtime stream (no rate limit — long-lived connection).
	mux.HandleFunc("GET /v1/stream", h.HandleStream)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// API documentation.
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// SPA: serve the embedded dashboard at the root path.
	if cfg.UIFS != nil {
		mux.Handle("/", newSPAHandler(cfg.UIFS))
		cfg.Logger.Info("ui enabled, serving SPA at /")
	}

	// Middleware chain (outermost executes first):
	// extra middlewares → request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Verifier, handler)
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
