package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/testutil"
)

func TestSweeperRemovesOldData(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testutil.TestLogger())

	base := time.Now().UTC()
	require.NoError(t, m.AddSpan(ctx, testSpan("t1", "old", base.Add(-2*time.Hour))))
	require.NoError(t, m.AddSpan(ctx, testSpan("t2", "new", base)))
	require.NoError(t, m.SaveLogRecord(ctx, testLog("t1", "old", base.Add(-2*time.Hour))))
	require.NoError(t, m.SaveLogRecord(ctx, testLog("t2", "new", base)))

	sw := NewSweeper(m, testutil.TestLogger(), 10*time.Millisecond, time.Hour, time.Hour)
	sw.Start(ctx)
	defer sw.Stop()

	assert.Eventually(t, func() bool {
		return m.SpanCount() == 1 && m.LogCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := m.GetSpan(ctx, "new")
	assert.NoError(t, err)
}

func TestSweeperStopWithoutStart(t *testing.T) {
	sw := NewSweeper(NewMemoryStore(testutil.TestLogger()), testutil.TestLogger(), time.Minute, time.Hour, time.Hour)
	// Must not hang.
	sw.Stop()
	sw.Stop()
}

func TestSweeperStartIdempotent(t *testing.T) {
	ctx := context.Background()
	sw := NewSweeper(NewMemoryStore(testutil.TestLogger()), testutil.TestLogger(), time.Minute, time.Hour, time.Hour)
	sw.Start(ctx)
	sw.Start(ctx)
	sw.Stop()
}
