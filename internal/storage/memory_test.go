package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

func testSpan(traceID, spanID string, start time.Time) *model.Span {
	return &model.Span{
		TraceID:   traceID,
		SpanID:    spanID,
		Name:      "op-" + spanID,
		Kind:      model.SpanKindInternal,
		StartTime: start,
		Status:    model.SpanStatus{Code: model.StatusUnset},
	}
}

func testLog(traceID, spanID string, ts time.Time) *model.LogRecord {
	return &model.LogRecord{
		ID:             uuid.New(),
		Timestamp:      ts,
		TraceID:        traceID,
		SpanID:         spanID,
		SeverityNumber: model.SeverityInfo,
		SeverityText:   "INFO",
		Body:           "hello",
	}
}

func TestMemoryStoreSpanRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	start := time.Now().UTC()
	s := testSpan("t1", "s1", start)
	require.NoError(t, m.AddSpan(ctx, s))

	got, err := m.GetSpan(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TraceID)
	assert.Nil(t, got.EndTime)

	// Ending the span is a full replacement.
	end := start.Add(time.Second)
	s.EndTime = &end
	s.Status = model.SpanStatus{Code: model.StatusOK}
	require.NoError(t, m.UpdateSpan(ctx, s))

	got, err = m.GetSpan(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, model.StatusOK, got.Status.Code)

	_, err = m.GetSpan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateUnknownSpanIsNoop(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	require.NoError(t, m.UpdateSpan(ctx, testSpan("t1", "ghost", time.Now())))
	assert.Zero(t, m.SpanCount())
}

func TestMemoryStoreGetTraceOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	base := time.Now().UTC()
	// Insert out of order.
	require.NoError(t, m.AddSpan(ctx, testSpan("t1", "b", base.Add(2*time.Second))))
	require.NoError(t, m.AddSpan(ctx, testSpan("t1", "a", base)))
	require.NoError(t, m.AddSpan(ctx, testSpan("t1", "c", base.Add(4*time.Second))))
	require.NoError(t, m.AddSpan(ctx, testSpan("other", "x", base)))

	spans, err := m.GetTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, "a", spans[0].SpanID)
	assert.Equal(t, "b", spans[1].SpanID)
	assert.Equal(t, "c", spans[2].SpanID)

	empty, err := m.GetTrace(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreSpanEvictionKeepsNewest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger(), WithMaxSpans(10))

	base := time.Now().UTC()
	for i := 0; i < 15; i++ {
		s := testSpan("t", fmt.Sprintf("s%02d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, m.AddSpan(ctx, s))
	}

	// Exactly the 10 most recent survive.
	assert.Equal(t, 10, m.SpanCount())
	for i := 0; i < 5; i++ {
		_, err := m.GetSpan(ctx, fmt.Sprintf("s%02d", i))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for i := 5; i < 15; i++ {
		_, err := m.GetSpan(ctx, fmt.Sprintf("s%02d", i))
		assert.NoError(t, err)
	}
}

func TestMemoryStoreEvictionCleansIndexes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger(), WithMaxSpans(1))

	base := time.Now().UTC()
	old := testSpan("t-old", "old", base)
	old.Attributes = map[string]any{model.AttrEntityID: "agent-1"}
	require.NoError(t, m.AddSpan(ctx, old))
	require.NoError(t, m.AddSpan(ctx, testSpan("t-new", "new", base.Add(time.Second))))

	// The evicted span's trace disappears entirely.
	spans, err := m.GetTrace(ctx, "t-old")
	require.NoError(t, err)
	assert.Empty(t, spans)

	ids, err := m.ListTraces(ctx, 10, 0, model.TraceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-new"}, ids)

	eid := "agent-1"
	ids, err = m.ListTraces(ctx, 10, 0, model.TraceFilter{EntityID: &eid})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryStoreListTraces(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		s := testSpan(fmt.Sprintf("t%d", i), fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute))
		if i == 1 {
			s.Attributes = map[string]any{
				model.AttrEntityID:   "agent-1",
				model.AttrEntityType: "agent",
			}
		}
		require.NoError(t, m.AddSpan(ctx, s))
	}

	// Newest first.
	ids, err := m.ListTraces(ctx, 10, 0, model.TraceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1", "t0"}, ids)

	// Pagination.
	ids, err = m.ListTraces(ctx, 1, 1, model.TraceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	ids, err = m.ListTraces(ctx, 10, 5, model.TraceFilter{})
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Entity filters.
	eid := "agent-1"
	ids, err = m.ListTraces(ctx, 10, 0, model.TraceFilter{EntityID: &eid})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	etype := "agent"
	ids, err = m.ListTraces(ctx, 10, 0, model.TraceFilter{EntityType: &etype})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	// With both set, the entity index wins and entityType is ignored.
	other := "workflow"
	ids, err = m.ListTraces(ctx, 10, 0, model.TraceFilter{EntityID: &eid, EntityType: &other})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	missing := "nobody"
	ids, err = m.ListTraces(ctx, 10, 0, model.TraceFilter{EntityID: &missing})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryStoreDeleteOldSpans(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	base := time.Now().UTC()
	require.NoError(t, m.AddSpan(ctx, testSpan("t1", "old", base.Add(-2*time.Hour))))
	require.NoError(t, m.AddSpan(ctx, testSpan("t2", "new", base)))

	n, err := m.DeleteOldSpans(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.SpanCount())

	_, err = m.GetSpan(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	base := time.Now().UTC()
	l1 := testLog("t1", "s1", base)
	l2 := testLog("t1", "s2", base.Add(time.Second))
	l3 := testLog("t2", "", base.Add(2*time.Second))
	for _, lr := range []*model.LogRecord{l2, l1, l3} {
		require.NoError(t, m.SaveLogRecord(ctx, lr))
	}

	byTrace, err := m.GetLogsByTraceID(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, byTrace, 2)
	assert.Equal(t, l1.ID, byTrace[0].ID)
	assert.Equal(t, l2.ID, byTrace[1].ID)

	bySpan, err := m.GetLogsBySpanID(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, bySpan, 1)
	assert.Equal(t, l2.ID, bySpan[0].ID)

	none, err := m.GetLogsByTraceID(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreQueryLogs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		lr := testLog("t1", "s1", base.Add(time.Duration(i)*time.Second))
		if i >= 3 {
			lr.SeverityNumber = model.SeverityError
		}
		require.NoError(t, m.SaveLogRecord(ctx, lr))
	}

	minSev := model.SeverityError
	out, err := m.QueryLogs(ctx, model.LogFilter{MinSeverity: &minSev})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	since := base.Add(time.Second)
	out, err = m.QueryLogs(ctx, model.LogFilter{Since: &since, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	// Oldest first within the window.
	assert.True(t, out[0].Timestamp.Before(out[1].Timestamp))
}

func TestMemoryStoreLogEvictionRetainsNewest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger(), WithMaxLogs(10))

	base := time.Now().UTC()
	for i := 0; i < 11; i++ {
		require.NoError(t, m.SaveLogRecord(ctx, testLog("t", "s", base.Add(time.Duration(i)*time.Second))))
	}

	// Crossing the bound trims down to 80% of capacity, newest retained.
	assert.Equal(t, 8, m.LogCount())
	out, err := m.QueryLogs(ctx, model.LogFilter{})
	require.NoError(t, err)
	require.Len(t, out, 8)
	assert.Equal(t, base.Add(3*time.Second), out[0].Timestamp)
}

func TestMemoryStoreDeleteOldLogsAndClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	base := time.Now().UTC()
	require.NoError(t, m.SaveLogRecord(ctx, testLog("t1", "s1", base.Add(-2*time.Hour))))
	require.NoError(t, m.SaveLogRecord(ctx, testLog("t1", "s1", base)))

	n, err := m.DeleteOldLogs(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.LogCount())

	require.NoError(t, m.AddSpan(ctx, testSpan("t1", "s1", base)))
	require.NoError(t, m.Clear(ctx))
	assert.Zero(t, m.SpanCount())
	assert.Zero(t, m.LogCount())
}
