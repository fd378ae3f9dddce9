package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Default capacity bounds for the in-memory backend.
const (
	DefaultMaxSpans = 10_000
	DefaultMaxLogs  = 50_000
)

// logRetainFraction is how much of the log capacity survives an eviction
// sweep: when the log count exceeds the bound, only the newest 80% of the
// bound is retained, leaving headroom before the next sweep.
const logRetainFraction = 0.8

// MemoryStore is the in-memory reference Store. A single mutex guards the
// span and log maps plus their secondary indexes; every operation is a
// short critical section, so producers are never blocked for long.
//
// Capacity is enforced on the write path: spans are trimmed oldest-first to
// the configured bound, so the store never retains an older span while
// evicting a newer one.
type MemoryStore struct {
	logger   *slog.Logger
	maxSpans int
	maxLogs  int

	mu    sync.Mutex
	spans map[string]*model.Span
	// traceIndex maps traceID → set of spanIDs.
	traceIndex map[string]map[string]struct{}
	// entityIndex maps entity.id → set of traceIDs.
	entityIndex map[string]map[string]struct{}

	logs map[string]*model.LogRecord
	// logTraceIndex maps traceID → set of log IDs; logSpanIndex likewise
	// for span IDs.
	logTraceIndex map[string]map[string]struct{}
	logSpanIndex  map[string]map[string]struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxSpans overrides the span capacity bound.
func WithMaxSpans(n int) MemoryOption {
	return func(m *MemoryStore) { m.maxSpans = n }
}

// WithMaxLogs overrides the log capacity bound.
func WithMaxLogs(n int) MemoryOption {
	return func(m *MemoryStore) { m.maxLogs = n }
}

// NewMemoryStore creates an in-memory store with the default capacity bounds.
func NewMemoryStore(logger *slog.Logger, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		logger:        logger,
		maxSpans:      DefaultMaxSpans,
		maxLogs:       DefaultMaxLogs,
		spans:         make(map[string]*model.Span),
		traceIndex:    make(map[string]map[string]struct{}),
		entityIndex:   make(map[string]map[string]struct{}),
		logs:          make(map[string]*model.LogRecord),
		logTraceIndex: make(map[string]map[string]struct{}),
		logSpanIndex:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSpan inserts or overwrites a span and updates both secondary indexes,
// then trims to capacity.
func (m *MemoryStore) AddSpan(_ context.Context, span *model.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertSpanLocked(span.Clone())
	m.evictSpansLocked()
	return nil
}

// UpdateSpan replaces the stored span wholesale. Unknown IDs are a no-op.
func (m *MemoryStore) UpdateSpan(_ context.Context, span *model.Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.spans[span.SpanID]; !ok {
		return nil
	}
	// Re-insert rather than patch: the entity attribute may have changed
	// between start and end, and re-indexing keeps both indexes honest.
	m.insertSpanLocked(span.Clone())
	return nil
}

func (m *MemoryStore) insertSpanLocked(span *model.Span) {
	m.spans[span.SpanID] = span

	set, ok := m.traceIndex[span.TraceID]
	if !ok {
		set = make(map[string]struct{})
		m.traceIndex[span.TraceID] = set
	}
	set[span.SpanID] = struct{}{}

	if eid := span.EntityID(); eid != "" {
		traces, ok := m.entityIndex[eid]
		if !ok {
			traces = make(map[string]struct{})
			m.entityIndex[eid] = traces
		}
		traces[span.TraceID] = struct{}{}
	}
}

// GetSpan returns a clone of the stored span.
func (m *MemoryStore) GetSpan(_ context.Context, spanID string) (*model.Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	span, ok := m.spans[spanID]
	if !ok {
		return nil, ErrNotFound
	}
	return span.Clone(), nil
}

// GetTrace returns the trace's spans ordered by start time ascending.
func (m *MemoryStore) GetTrace(_ context.Context, traceID string) ([]*model.Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.traceIndex[traceID]
	if !ok {
		return []*model.Span{}, nil
	}
	spans := make([]*model.Span, 0, len(ids))
	for id := range ids {
		if s, ok := m.spans[id]; ok {
			spans = append(spans, s.Clone())
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].StartTime.Before(spans[j].StartTime)
	})
	return spans, nil
}

// ListTraces returns matching trace IDs ordered by the earliest span start
// time descending (newest trace first).
func (m *MemoryStore) ListTraces(_ context.Context, limit, offset int, filter model.TraceFilter) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The entity index wins: entityType is consulted only when no entity id
	// is given, the same precedence the SQL backends apply.
	var candidates map[string]struct{}
	if filter.EntityID != nil {
		candidates = m.entityIndex[*filter.EntityID]
		if candidates == nil {
			return []string{}, nil
		}
	} else {
		candidates = make(map[string]struct{}, len(m.traceIndex))
		for tid := range m.traceIndex {
			candidates[tid] = struct{}{}
		}
	}

	type traceStart struct {
		id    string
		start time.Time
	}
	ordered := make([]traceStart, 0, len(candidates))
	for tid := range candidates {
		if filter.EntityID == nil && filter.EntityType != nil &&
			!m.traceHasEntityTypeLocked(tid, *filter.EntityType) {
			continue
		}
		ordered = append(ordered, traceStart{id: tid, start: m.traceStartLocked(tid)})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].start.After(ordered[j].start)
	})

	if offset >= len(ordered) {
		return []string{}, nil
	}
	end := len(ordered)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]string, 0, end-offset)
	for _, ts := range ordered[offset:end] {
		out = append(out, ts.id)
	}
	return out, nil
}

func (m *MemoryStore) traceHasEntityTypeLocked(traceID, entityType string) bool {
	for id := range m.traceIndex[traceID] {
		if s, ok := m.spans[id]; ok && s.EntityType() == entityType {
			return true
		}
	}
	return false
}

func (m *MemoryStore) traceStartLocked(traceID string) time.Time {
	var earliest time.Time
	for id := range m.traceIndex[traceID] {
		s, ok := m.spans[id]
		if !ok {
			continue
		}
		if earliest.IsZero() || s.StartTime.Before(earliest) {
			earliest = s.StartTime
		}
	}
	return earliest
}

// DeleteOldSpans removes spans started before the cutoff.
func (m *MemoryStore) DeleteOldSpans(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, s := range m.spans {
		if s.StartTime.Before(before) {
			m.deleteSpanLocked(id)
			count++
		}
	}
	return count, nil
}

// deleteSpanLocked removes a span and cleans both indexes, dropping empty
// index entries so a deleted trace is not reported by ListTraces.
func (m *MemoryStore) deleteSpanLocked(spanID string) {
	span, ok := m.spans[spanID]
	if !ok {
		return
	}
	delete(m.spans, spanID)

	if set, ok := m.traceIndex[span.TraceID]; ok {
		delete(set, spanID)
		if len(set) == 0 {
			delete(m.traceIndex, span.TraceID)
			m.dropTraceFromEntityIndexLocked(span.TraceID)
		}
	}
}

func (m *MemoryStore) dropTraceFromEntityIndexLocked(traceID string) {
	for eid, traces := range m.entityIndex {
		if _, ok := traces[traceID]; ok {
			delete(traces, traceID)
			if len(traces) == 0 {
				delete(m.entityIndex, eid)
			}
		}
	}
}

// evictSpansLocked trims oldest-first down to the capacity bound. Eviction
// never drops a span newer than one it keeps.
func (m *MemoryStore) evictSpansLocked() {
	over := len(m.spans) - m.maxSpans
	if over <= 0 {
		return
	}
	type spanStart struct {
		id    string
		start time.Time
	}
	ordered := make([]spanStart, 0, len(m.spans))
	for id, s := range m.spans {
		ordered = append(ordered, spanStart{id: id, start: s.StartTime})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].start.Before(ordered[j].start)
	})
	for _, ss := range ordered[:over] {
		m.deleteSpanLocked(ss.id)
	}
	if m.logger != nil {
		m.logger.Debug("storage: evicted spans over capacity", "evicted", over, "max_spans", m.maxSpans)
	}
}

// SaveLogRecord inserts a log record and trims the log set to capacity.
func (m *MemoryStore) SaveLogRecord(_ context.Context, rec *model.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := rec.Clone()
	id := c.ID.String()
	m.logs[id] = c
	if c.TraceID != "" {
		addToIndex(m.logTraceIndex, c.TraceID, id)
	}
	if c.SpanID != "" {
		addToIndex(m.logSpanIndex, c.SpanID, id)
	}
	m.evictLogsLocked()
	return nil
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

// evictLogsLocked retains only the newest 80% of the log capacity once the
// bound is exceeded.
func (m *MemoryStore) evictLogsLocked() {
	if len(m.logs) <= m.maxLogs {
		return
	}
	retain := int(float64(m.maxLogs) * logRetainFraction)
	ordered := m.logsOrderedLocked()
	evict := len(ordered) - retain
	for _, lr := range ordered[:evict] {
		m.deleteLogLocked(lr)
	}
	if m.logger != nil {
		m.logger.Debug("storage: evicted logs over capacity", "evicted", evict, "max_logs", m.maxLogs)
	}
}

func (m *MemoryStore) deleteLogLocked(lr *model.LogRecord) {
	id := lr.ID.String()
	delete(m.logs, id)
	if lr.TraceID != "" {
		dropFromIndex(m.logTraceIndex, lr.TraceID, id)
	}
	if lr.SpanID != "" {
		dropFromIndex(m.logSpanIndex, lr.SpanID, id)
	}
}

func dropFromIndex(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// logsOrderedLocked returns all logs ordered by timestamp ascending.
func (m *MemoryStore) logsOrderedLocked() []*model.LogRecord {
	ordered := make([]*model.LogRecord, 0, len(m.logs))
	for _, lr := range m.logs {
		ordered = append(ordered, lr)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	return ordered
}

// GetLogsByTraceID returns the trace's logs oldest first.
func (m *MemoryStore) GetLogsByTraceID(_ context.Context, traceID string) ([]*model.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logsFromIndexLocked(m.logTraceIndex, traceID), nil
}

// GetLogsBySpanID returns the span's logs oldest first.
func (m *MemoryStore) GetLogsBySpanID(_ context.Context, spanID string) ([]*model.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logsFromIndexLocked(m.logSpanIndex, spanID), nil
}

func (m *MemoryStore) logsFromIndexLocked(index map[string]map[string]struct{}, key string) []*model.LogRecord {
	ids, ok := index[key]
	if !ok {
		return []*model.LogRecord{}
	}
	out := make([]*model.LogRecord, 0, len(ids))
	for id := range ids {
		if lr, ok := m.logs[id]; ok {
			out = append(out, lr.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// QueryLogs returns logs matching the filter, oldest first.
func (m *MemoryStore) QueryLogs(_ context.Context, filter model.LogFilter) ([]*model.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*model.LogRecord{}
	for _, lr := range m.logsOrderedLocked() {
		if !filter.Match(lr) {
			continue
		}
		out = append(out, lr.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// DeleteOldLogs removes logs stamped before the cutoff.
func (m *MemoryStore) DeleteOldLogs(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, lr := range m.logs {
		if lr.Timestamp.Before(before) {
			m.deleteLogLocked(lr)
			count++
		}
	}
	return count, nil
}

// Clear removes everything.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.spans = make(map[string]*model.Span)
	m.traceIndex = make(map[string]map[string]struct{})
	m.entityIndex = make(map[string]map[string]struct{})
	m.logs = make(map[string]*model.LogRecord)
	m.logTraceIndex = make(map[string]map[string]struct{})
	m.logSpanIndex = make(map[string]map[string]struct{})
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }

// SpanCount returns the current number of stored spans.
func (m *MemoryStore) SpanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spans)
}

// LogCount returns the current number of stored log records.
func (m *MemoryStore) LogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}
