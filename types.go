package kansoku

import "time"

// SpanStatus is the outcome of a finished span.
type SpanStatus string

const (
	StatusUnset SpanStatus = "unset"
	StatusOK    SpanStatus = "ok"
	StatusError SpanStatus = "error"
)

// SpanSnapshot is the public representation of a span, used in extension
// interfaces. It is a curated view of the internal span model; no internal
// package imports, safe to use from outside the module.
type SpanSnapshot struct {
	TraceID       string
	SpanID        string
	ParentSpanID  string // empty for root spans
	Name          string
	Kind          string
	StartTime     time.Time
	EndTime       *time.Time // nil while the span is open
	Status        SpanStatus
	StatusMessage string
	EntityID      string
	EntityType    string
	Attributes    map[string]any
}

// Root reports whether the span is the root of its trace.
func (s SpanSnapshot) Root() bool { return s.ParentSpanID == "" }

// LogSnapshot is the public representation of a log record.
type LogSnapshot struct {
	Timestamp      time.Time
	TraceID        string
	SpanID         string
	SeverityNumber int
	SeverityText   string
	Body           any
	Attributes     map[string]any
}
