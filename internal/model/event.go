package model

import "time"

// EventType is the lifecycle phase carried by a broadcast event.
type EventType string

const (
	EventSpanStart EventType = "span:start"
	EventSpanEnd   EventType = "span:end"
)

// SpanLifecycleEvent is published on the realtime bus whenever a span starts
// or ends. The span is a clone taken at publish time.
type SpanLifecycleEvent struct {
	Type      EventType `json:"type"`
	Span      *Span     `json:"span"`
	Timestamp time.Time `json:"timestamp"`
}

// BroadcastFilter narrows which root spans (and, loosely, which logs) a
// realtime subscriber receives. Zero-value means no filtering.
type BroadcastFilter struct {
	EntityID   string `json:"entity_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

// MatchSpan reports whether a span lifecycle event passes the filter.
// Filtering applies only at the root: a child span is always delivered,
// since its root already gated the subscription. This means a subscriber
// filtered to entity A still receives descendants of A's root even when the
// descendant itself carries no entity attributes.
func (f BroadcastFilter) MatchSpan(s *Span) bool {
	if !s.IsRoot() {
		return true
	}
	if f.EntityID != "" && s.EntityID() != f.EntityID {
		return false
	}
	if f.EntityType != "" && s.EntityType() != f.EntityType {
		return false
	}
	return true
}

// MatchLog reports whether a log record passes the filter. Logs are excluded
// only on an explicit entity.id mismatch; records without the attribute pass,
// because a log cannot always be attributed to a root span.
func (f BroadcastFilter) MatchLog(lr *LogRecord) bool {
	if f.EntityID == "" {
		return true
	}
	id := lr.EntityID()
	return id == "" || id == f.EntityID
}
