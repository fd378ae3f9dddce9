package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

type spanOptions struct {
	kind          model.SpanKind
	startTime     time.Time
	attributes    map[string]any
	links         []model.SpanLink
	parentTraceID string
	parentSpanID  string
	newRoot       bool
}

// SpanOption customizes StartSpan.
type SpanOption func(*spanOptions)

// WithKind sets the span kind; the default is internal.
func WithKind(kind model.SpanKind) SpanOption {
	return func(o *spanOptions) { o.kind = kind }
}

// WithAttributes sets the initial attribute map.
func WithAttributes(attrs map[string]any) SpanOption {
	return func(o *spanOptions) {
		if o.attributes == nil {
			o.attributes = make(map[string]any, len(attrs))
		}
		for k, v := range attrs {
			o.attributes[k] = v
		}
	}
}

// WithStartTime overrides the start timestamp.
func WithStartTime(t time.Time) SpanOption {
	return func(o *spanOptions) { o.startTime = t.UTC() }
}

// WithLinks attaches links to spans in other traces.
func WithLinks(links ...model.SpanLink) SpanOption {
	return func(o *spanOptions) { o.links = append(o.links, links...) }
}

// WithParent sets an explicit remote parent, overriding the context span.
func WithParent(traceID, spanID string) SpanOption {
	return func(o *spanOptions) {
		o.parentTraceID = traceID
		o.parentSpanID = spanID
	}
}

// WithNewRoot forces a fresh trace even when the context carries a span.
func WithNewRoot() SpanOption {
	return func(o *spanOptions) { o.newRoot = true }
}

// Span is the producer-facing handle over an open span. All mutators are
// safe for concurrent use and become no-ops after End; End itself fires the
// end fan-out exactly once.
type Span struct {
	pipeline *Pipeline

	mu    sync.Mutex
	data  *model.Span
	ended bool
}

// TraceID returns the span's trace identifier.
func (s *Span) TraceID() string { return s.data.TraceID }

// SpanID returns the span identifier.
func (s *Span) SpanID() string { return s.data.SpanID }

// Ended reports whether End has been called.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetAttribute sets a single attribute.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.data.Attributes == nil {
		s.data.Attributes = make(map[string]any)
	}
	s.data.Attributes[key] = value
}

// SetAttributes merges attrs into the span's attribute map.
func (s *Span) SetAttributes(attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.data.Attributes == nil {
		s.data.Attributes = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		s.data.Attributes[k] = v
	}
}

// AddEvent appends a timestamped annotation.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.data.Events = append(s.data.Events, model.SpanEvent{
		Name:       name,
		Timestamp:  time.Now().UTC(),
		Attributes: attrs,
	})
}

// SetStatus sets the span outcome.
func (s *Span) SetStatus(code model.StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.data.Status = model.SpanStatus{Code: code, Message: message}
}

// RecordError marks the span as failed and records the error as an
// exception event. A nil error is ignored.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.data.Status = model.SpanStatus{Code: model.StatusError, Message: err.Error()}
	s.data.Events = append(s.data.Events, model.SpanEvent{
		Name:      "exception",
		Timestamp: time.Now().UTC(),
		Attributes: map[string]any{
			"exception.message": err.Error(),
			"exception.type":    fmt.Sprintf("%T", err),
		},
	})
}

// End closes the span and fires the end fan-out. Subsequent calls are
// no-ops, so defer span.End(ctx) composes with an explicit error-path End.
func (s *Span) End(ctx context.Context) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	now := time.Now().UTC()
	s.data.EndTime = &now
	data := s.data
	s.mu.Unlock()

	s.pipeline.onEnd(ctx, data)
}

// Snapshot returns a deep copy of the span's current state.
func (s *Span) Snapshot() *model.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

// newTraceID returns 16 random bytes hex-encoded (32 chars).
func newTraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// newSpanID returns 8 random bytes hex-encoded (16 chars).
func newSpanID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
