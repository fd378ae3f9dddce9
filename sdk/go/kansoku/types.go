package kansoku

import (
	"time"

	"github.com/google/uuid"
)

// Span kinds, mirroring the server's wire values.
const (
	SpanKindInternal = "internal"
	SpanKindServer   = "server"
	SpanKindClient   = "client"
	SpanKindProducer = "producer"
	SpanKindConsumer = "consumer"
)

// Span status codes.
const (
	StatusUnset = "unset"
	StatusOK    = "ok"
	StatusError = "error"
)

// Severity numbers follow the OTLP log data model: 1-4 trace, 5-8 debug,
// 9-12 info, 13-16 warn, 17-20 error, 21-24 fatal.
const (
	SeverityTrace = 1
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
	SeverityFatal = 21
)

// SpanStatus carries the outcome of a span plus an optional message.
type SpanStatus struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SpanEvent is a timestamped annotation attached to a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanLink references a span in another trace.
type SpanLink struct {
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Resource describes the process that emitted a span or log record.
type Resource struct {
	ServiceName    string         `json:"service_name"`
	ServiceVersion string         `json:"service_version,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Scope identifies the instrumentation that produced a span or log record.
type Scope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Span is a timed unit of execution within a trace, as returned by the query
// API. EndTime is nil while the span is still open.
type Span struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Status       SpanStatus     `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Events       []SpanEvent    `json:"events,omitempty"`
	Links        []SpanLink     `json:"links,omitempty"`
	Resource     Resource       `json:"resource"`
	Scope        Scope          `json:"scope"`
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool {
	return s.ParentSpanID == nil || *s.ParentSpanID == ""
}

// LogRecord is a timestamped, severity-leveled message optionally correlated
// to a trace and span.
type LogRecord struct {
	ID             uuid.UUID      `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	TraceID        string         `json:"trace_id,omitempty"`
	SpanID         string         `json:"span_id,omitempty"`
	SeverityNumber int            `json:"severity_number"`
	SeverityText   string         `json:"severity_text,omitempty"`
	Body           any            `json:"body,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Resource       Resource       `json:"resource"`
	Scope          Scope          `json:"scope"`
}

// TraceSummary is the list-view shape of a trace returned by ListTraces.
type TraceSummary struct {
	TraceID    string    `json:"trace_id"`
	RootSpan   *string   `json:"root_span,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	SpanCount  int       `json:"span_count"`
	StartTime  time.Time `json:"start_time"`
	Status     string    `json:"status,omitempty"`
}

// TraceList is a paginated page of trace summaries.
type TraceList struct {
	Items  []TraceSummary `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// LogFilter narrows QueryLogs results. Nil fields match everything.
type LogFilter struct {
	TraceID     *string    `json:"trace_id,omitempty"`
	SpanID      *string    `json:"span_id,omitempty"`
	MinSeverity *int       `json:"min_severity,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// HealthResponse is the payload of GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Subscribers int    `json:"subscribers"`
}

// SpanLifecycleEvent is delivered on the realtime stream whenever a span
// starts or ends.
type SpanLifecycleEvent struct {
	Type      string    `json:"type"` // "span:start" or "span:end"
	Span      *Span     `json:"span"`
	Timestamp time.Time `json:"timestamp"`
}
