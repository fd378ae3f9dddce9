// Package model defines the core data types of the observability pipeline:
// spans, log records, broadcast events, and the query/filter types used by
// the storage and HTTP layers.
package model

import (
	"time"
)

// SpanKind classifies the role of a span within a trace.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindServer   SpanKind = "server"
	SpanKindClient   SpanKind = "client"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// StatusCode is the outcome of a span.
type StatusCode string

const (
	StatusUnset StatusCode = "unset"
	StatusOK    StatusCode = "ok"
	StatusError StatusCode = "error"
)

// SpanStatus carries the outcome of a span plus an optional message.
type SpanStatus struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// Reserved attribute keys. Producers attach these to correlate spans with
// the agent or workflow instance being observed; the broadcast filter and
// the entity index in storage read them back.
const (
	AttrEntityID       = "entity.id"
	AttrEntityType     = "entity.type"
	AttrEntityName     = "entity.name"
	AttrOperationType  = "operation.type"
	AttrWorkflowID     = "workflow.id"
	AttrToolID         = "tool.id"
	AttrUserID         = "user.id"
	AttrConversationID = "conversation.id"
	AttrInputTokens    = "usage.input_tokens"
	AttrOutputTokens   = "usage.output_tokens"
	AttrInput          = "input"
	AttrOutput         = "output"
)

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

// Resource describes the process emitting spans and logs.
type Resource struct {
	ServiceName    string         `json:"service_name"`
	ServiceVersion string         `json:"service_version,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Scope identifies the instrumentation producing a span or log record.
type Scope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Span is a timed unit of execution within a trace. The identifier and
// timestamp fields are typed; everything else producers want to record goes
// through the open Attributes map, keyed by the Attr* constants above for
// well-known values.
//
// EndTime is nil while the span is open and is set exactly once when the
// span closes. Updates are full-replacement writes: the storage layer never
// merges partial spans.
type Span struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	Kind         SpanKind       `json:"kind"`
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

// Duration returns the span duration, or zero while the span is open.
func (s *Span) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// DurationMillis returns the duration in milliseconds, or nil while open.
func (s *Span) DurationMillis() *int64 {
	if s.EndTime == nil {
		return nil
	}
	ms := s.EndTime.Sub(s.StartTime).Milliseconds()
	return &ms
}

// EntityID returns the reserved entity.id attribute, or "".
func (s *Span) EntityID() string {
	return stringAttr(s.Attributes, AttrEntityID)
}

// EntityType returns the reserved entity.type attribute, or "".
func (s *Span) EntityType() string {
	return stringAttr(s.Attributes, AttrEntityType)
}

// Clone returns a deep copy of the span. Processors hand clones to
// downstream consumers so a producer mutating its live span cannot race a
// broadcast or export in flight.
func (s *Span) Clone() *Span {
	c := *s
	if s.ParentSpanID != nil {
		pid := *s.ParentSpanID
		c.ParentSpanID = &pid
	}
	if s.EndTime != nil {
		et := *s.EndTime
		c.EndTime = &et
	}
	c.Attributes = cloneMap(s.Attributes)
	if s.Events != nil {
		c.Events = make([]SpanEvent, len(s.Events))
		for i, ev := range s.Events {
			c.Events[i] = ev
			c.Events[i].Attributes = cloneMap(ev.Attributes)
		}
	}
	if s.Links != nil {
		c.Links = make([]SpanLink, len(s.Links))
		for i, l := range s.Links {
			c.Links[i] = l
			c.Links[i].Attributes = cloneMap(l.Attributes)
		}
	}
	c.Resource.Attributes = cloneMap(s.Resource.Attributes)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringAttr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
