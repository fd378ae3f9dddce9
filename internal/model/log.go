package model

import (
	"time"

	"github.com/google/uuid"
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

// SeverityTextFor maps a severity number onto its level name.
func SeverityTextFor(n int) string {
	switch {
	case n >= SeverityFatal:
		return "FATAL"
	case n >= SeverityError:
		return "ERROR"
	case n >= SeverityWarn:
		return "WARN"
	case n >= SeverityInfo:
		return "INFO"
	case n >= SeverityDebug:
		return "DEBUG"
	case n >= SeverityTrace:
		return "TRACE"
	default:
		return ""
	}
}

// LogRecord is a timestamped, severity-leveled message optionally correlated
// to a trace and span. Records are immutable once saved: storage supports
// insert and delete, never update.
type LogRecord struct {
	ID             uuid.UUID      `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	TraceID        string         `json:"trace_id,omitempty"`
	SpanID         string         `json:"span_id,omitempty"`
	TraceFlags     int            `json:"trace_flags,omitempty"`
	SeverityNumber int            `json:"severity_number"`
	SeverityText   string         `json:"severity_text,omitempty"`
	Body           any            `json:"body,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Resource       Resource       `json:"resource"`
	Scope          Scope          `json:"scope"`
}

// EntityID returns the reserved entity.id attribute, or "".
func (lr *LogRecord) EntityID() string {
	return stringAttr(lr.Attributes, AttrEntityID)
}

// Clone returns a deep copy of the record.
func (lr *LogRecord) Clone() *LogRecord {
	c := *lr
	c.Attributes = cloneMap(lr.Attributes)
	c.Resource.Attributes = cloneMap(lr.Resource.Attributes)
	return &c
}
