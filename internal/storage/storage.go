// Package storage persists spans and log records behind a single Store
// contract with three backends: an in-memory reference implementation with
// bounded-size eviction, SQLite for single-node durability, and Postgres for
// shared deployments.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence contract consumed by the pipeline processors and
// the HTTP query surface.
//
// Write operations are called from the hot producer path: implementations
// must be safe for concurrent use without producer-side locking, and
// conflicting writes to the same span must be serialized internally.
// Deletes must leave no dangling trace or entity index entries.
type Store interface {
	// AddSpan inserts or overwrites a span by span ID and maintains the
	// trace and entity indexes. Implementations enforce their capacity
	// bound after the write.
	AddSpan(ctx context.Context, span *model.Span) error

	// UpdateSpan replaces the stored span. The caller supplies the full
	// current state; there is no partial merge. Unknown span IDs are a
	// no-op, not an error.
	UpdateSpan(ctx context.Context, span *model.Span) error

	// GetSpan returns the span or ErrNotFound.
	GetSpan(ctx context.Context, spanID string) (*model.Span, error)

	// GetTrace returns all spans sharing the trace ID, ordered by start
	// time ascending. Unknown trace IDs yield an empty slice.
	GetTrace(ctx context.Context, traceID string) ([]*model.Span, error)

	// ListTraces returns trace IDs matching the filter, newest first,
	// with pagination applied after filtering.
	ListTraces(ctx context.Context, limit, offset int, filter model.TraceFilter) ([]string, error)

	// DeleteOldSpans removes spans started before the cutoff and returns
	// the number removed.
	DeleteOldSpans(ctx context.Context, before time.Time) (int, error)

	// SaveLogRecord inserts a log record. Records are immutable.
	SaveLogRecord(ctx context.Context, rec *model.LogRecord) error

	// GetLogsByTraceID returns logs correlated to the trace, oldest first.
	GetLogsByTraceID(ctx context.Context, traceID string) ([]*model.LogRecord, error)

	// GetLogsBySpanID returns logs correlated to the span, oldest first.
	GetLogsBySpanID(ctx context.Context, spanID string) ([]*model.LogRecord, error)

	// QueryLogs returns logs matching the filter, oldest first.
	QueryLogs(ctx context.Context, filter model.LogFilter) ([]*model.LogRecord, error)

	// DeleteOldLogs removes logs stamped before the cutoff and returns
	// the number removed.
	DeleteOldLogs(ctx context.Context, before time.Time) (int, error)

	// Clear removes all spans and logs.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
