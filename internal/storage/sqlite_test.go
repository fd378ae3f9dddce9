package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

func newSQLiteTestStore(t *testing.T, maxSpans, maxLogs int) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kansoku_test.db")
	s, err := NewSQLiteStore(path, testutil.TestLogger(), maxSpans, maxLogs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreSpanRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t, 100, 100)

	start := time.Now().UTC().Truncate(time.Microsecond)
	span := testSpan("t1", "s1", start)
	span.Attributes = map[string]any{
		model.AttrEntityID:   "agent-1",
		model.AttrEntityType: "agent",
	}
	require.NoError(t, s.AddSpan(ctx, span))

	got, err := s.GetSpan(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TraceID)
	assert.Equal(t, "agent-1", got.EntityID())
	assert.True(t, got.StartTime.Equal(start))

	end := start.Add(time.Second)
	span.EndTime = &end
	span.Status = model.SpanStatus{Code: model.StatusError, Message: "boom"}
	require.NoError(t, s.UpdateSpan(ctx, span))

	got, err = s.GetSpan(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, "boom", got.Status.Message)

	_, err = s.GetSpan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreGetTraceAndList(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t, 100, 100)

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		span := testSpan(fmt.Sprintf("t%d", i), fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute))
		if i == 0 {
			span.Attributes = map[string]any{model.AttrEntityID: "agent-1"}
		}
		require.NoError(t, s.AddSpan(ctx, span))
	}
	// Second span in t0, later start.
	require.NoError(t, s.AddSpan(ctx, testSpan("t0", "s0b", base.Add(10*time.Minute))))

	spans, err := s.GetTrace(ctx, "t0")
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "s0", spans[0].SpanID)
	assert.Equal(t, "s0b", spans[1].SpanID)

	// Ordered by earliest span start, newest first: t2, t1, t0.
	ids, err := s.ListTraces(ctx, 10, 0, model.TraceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1", "t0"}, ids)

	ids, err = s.ListTraces(ctx, 1, 1, model.TraceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	eid := "agent-1"
	ids, err = s.ListTraces(ctx, 10, 0, model.TraceFilter{EntityID: &eid})
	require.NoError(t, err)
	assert.Equal(t, []string{"t0"}, ids)

	// With both set, the entity id wins and entityType is ignored.
	other := "workflow"
	ids, err = s.ListTraces(ctx, 10, 0, model.TraceFilter{EntityID: &eid, EntityType: &other})
	require.NoError(t, err)
	assert.Equal(t, []string{"t0"}, ids)
}

func TestSQLiteStoreSpanEviction(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t, 10, 100)

	base := time.Now().UTC()
	for i := 0; i < 15; i++ {
		require.NoError(t, s.AddSpan(ctx, testSpan("t", fmt.Sprintf("s%02d", i), base.Add(time.Duration(i)*time.Second))))
	}

	for i := 0; i < 5; i++ {
		_, err := s.GetSpan(ctx, fmt.Sprintf("s%02d", i))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for i := 5; i < 15; i++ {
		_, err := s.GetSpan(ctx, fmt.Sprintf("s%02d", i))
		assert.NoError(t, err)
	}
}

func TestSQLiteStoreLogs(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t, 100, 100)

	base := time.Now().UTC().Truncate(time.Microsecond)
	l1 := testLog("t1", "s1", base)
	l2 := testLog("t1", "s1", base.Add(time.Second))
	l2.SeverityNumber = model.SeverityError
	l3 := testLog("", "", base.Add(2*time.Second))
	for _, lr := range []*model.LogRecord{l1, l2, l3} {
		require.NoError(t, s.SaveLogRecord(ctx, lr))
	}

	byTrace, err := s.GetLogsByTraceID(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, byTrace, 2)
	assert.Equal(t, l1.ID, byTrace[0].ID)

	minSev := model.SeverityError
	out, err := s.QueryLogs(ctx, model.LogFilter{MinSeverity: &minSev})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, l2.ID, out[0].ID)

	tid := "t1"
	out, err = s.QueryLogs(ctx, model.LogFilter{TraceID: &tid, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	n, err := s.DeleteOldLogs(ctx, base.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStoreRetentionAndClear(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t, 100, 100)

	base := time.Now().UTC()
	require.NoError(t, s.AddSpan(ctx, testSpan("t1", "old", base.Add(-2*time.Hour))))
	require.NoError(t, s.AddSpan(ctx, testSpan("t2", "new", base)))

	n, err := s.DeleteOldSpans(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SaveLogRecord(ctx, testLog("t2", "new", base)))
	require.NoError(t, s.Clear(ctx))

	ids, err := s.ListTraces(ctx, 10, 0, model.TraceFilter{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}
