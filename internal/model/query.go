package model

import "time"

// TraceFilter narrows ListTraces results. Nil fields match everything.
type TraceFilter struct {
	EntityID   *string `json:"entity_id,omitempty"`
	EntityType *string `json:"entity_type,omitempty"`
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

// Match reports whether a record passes the filter, ignoring Limit.
func (f LogFilter) Match(lr *LogRecord) bool {
	if f.TraceID != nil && lr.TraceID != *f.TraceID {
		return false
	}
	if f.SpanID != nil && lr.SpanID != *f.SpanID {
		return false
	}
	if f.MinSeverity != nil && lr.SeverityNumber < *f.MinSeverity {
		return false
	}
	if f.Since != nil && lr.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !lr.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

// PagedResult wraps paginated query results.
type PagedResult[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
