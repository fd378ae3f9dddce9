package kansoku

import (
	"context"
	"net/http"
)

// EventHook receives async notifications on span lifecycle events and log
// records, after the built-in fan-out (broadcast, persistence, remote
// export) has run. Multiple hooks may be registered via multiple
// WithEventHook calls. Hook methods run in goroutines — they must not block
// indefinitely. Failures are logged but never affect the producing run.
type EventHook interface {
	OnSpanStart(ctx context.Context, span SpanSnapshot) error
	OnSpanEnd(ctx context.Context, span SpanSnapshot) error
	OnLogRecord(ctx context.Context, rec LogSnapshot) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, auth chain, and telemetry instrumentation with
// the built-in routes. Called once during New() after all built-in routes
// are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler. Applied outermost (before
// routing), so it sees all requests including /healthz. Multiple middlewares
// are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
