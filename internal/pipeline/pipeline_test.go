package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/bus"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/sampling"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(testutil.TestLogger())
	cfg.Store = store
	if cfg.Logger == nil {
		cfg.Logger = testutil.TestLogger()
	}
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, store
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewRejectsBadSampling(t *testing.T) {
	_, err := New(Config{
		Store:    storage.NewMemoryStore(testutil.TestLogger()),
		Sampling: sampling.Config{Strategy: "bogus"},
	})
	require.Error(t, err)
}

func TestStartSpanRootAndChild(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{
		Resource: model.Resource{ServiceName: "svc", ServiceVersion: "1.0"},
		Scope:    model.Scope{Name: "sdk"},
	})

	ctx, root := p.StartSpan(ctx, "parent-op")
	assert.Len(t, root.TraceID(), 32)
	assert.Len(t, root.SpanID(), 16)

	childCtx, child := p.StartSpan(ctx, "child-op")
	assert.Equal(t, root.TraceID(), child.TraceID())
	assert.NotEqual(t, root.SpanID(), child.SpanID())

	child.End(childCtx)
	root.End(ctx)

	got, err := store.GetSpan(ctx, child.SpanID())
	require.NoError(t, err)
	require.NotNil(t, got.ParentSpanID)
	assert.Equal(t, root.SpanID(), *got.ParentSpanID)
	assert.Equal(t, "svc", got.Resource.ServiceName)
	assert.Equal(t, "sdk", got.Scope.Name)

	rootStored, err := store.GetSpan(ctx, root.SpanID())
	require.NoError(t, err)
	assert.True(t, rootStored.IsRoot())
	require.NotNil(t, rootStored.EndTime)
}

func TestStartSpanOptions(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{})

	start := time.Now().UTC().Add(-time.Minute)
	ctx2, span := p.StartSpan(ctx, "op",
		WithKind(model.SpanKindClient),
		WithAttributes(map[string]any{"k": "v"}),
		WithStartTime(start),
		WithParent("remote-trace", "remote-span"),
		WithLinks(model.SpanLink{TraceID: "other", SpanID: "link"}),
	)
	span.End(ctx2)

	got, err := store.GetSpan(ctx, span.SpanID())
	require.NoError(t, err)
	assert.Equal(t, "remote-trace", got.TraceID)
	require.NotNil(t, got.ParentSpanID)
	assert.Equal(t, "remote-span", *got.ParentSpanID)
	assert.Equal(t, model.SpanKindClient, got.Kind)
	assert.Equal(t, "v", got.Attributes["k"])
	assert.True(t, got.StartTime.Equal(start))
	require.Len(t, got.Links, 1)
}

func TestStartSpanNewRootIgnoresContextParent(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, Config{})

	ctx, root := p.StartSpan(ctx, "parent-op")
	defer root.End(ctx)

	_, fresh := p.StartSpan(ctx, "detached-op", WithNewRoot())
	assert.NotEqual(t, root.TraceID(), fresh.TraceID())
	assert.True(t, fresh.Snapshot().IsRoot())
}

func TestSpanEndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{})

	ctx, span := p.StartSpan(ctx, "op")
	span.End(ctx)
	first := span.Snapshot().EndTime

	time.Sleep(5 * time.Millisecond)
	span.End(ctx)
	assert.True(t, span.Ended())
	assert.Equal(t, first, span.Snapshot().EndTime)

	// Mutations after End are no-ops.
	span.SetAttribute("late", true)
	span.SetStatus(model.StatusOK, "")
	got, err := store.GetSpan(ctx, span.SpanID())
	require.NoError(t, err)
	assert.NotContains(t, got.Attributes, "late")
	assert.Equal(t, model.StatusUnset, got.Status.Code)
}

func TestSpanRecordError(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{})

	ctx, span := p.StartSpan(ctx, "op")
	span.RecordError(nil)
	span.RecordError(errors.New("backend exploded"))
	span.End(ctx)

	got, err := store.GetSpan(ctx, span.SpanID())
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status.Code)
	assert.Equal(t, "backend exploded", got.Status.Message)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "exception", got.Events[0].Name)
	assert.Equal(t, "backend exploded", got.Events[0].Attributes["exception.message"])
}

func TestBroadcastChain(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	p, _ := newTestPipeline(t, Config{Bus: b})

	ch, cancel := b.SubscribeSpans()
	defer cancel()

	ctx, span := p.StartSpan(ctx, "op")
	span.End(ctx)

	var types []model.EventType
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, []model.EventType{model.EventSpanStart, model.EventSpanEnd}, types)
}

func TestLogChainPersistsBeforeBroadcast(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	p, store := newTestPipeline(t, Config{Bus: b})

	ch, cancel := b.SubscribeLogs()
	defer cancel()

	p.EmitLog(ctx, &model.LogRecord{TraceID: "t1", Body: "persist-first"})

	select {
	case rec := <-ch:
		// Logs run the chain persistence-first: by the time a subscriber
		// sees the record, storage already has it.
		logs, err := store.GetLogsByTraceID(ctx, rec.TraceID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "persist-first", logs[0].Body)
	case <-time.After(time.Second):
		t.Fatal("log not delivered")
	}
}

func TestEmitLogFillsDefaultsAndCorrelates(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{
		Resource: model.Resource{ServiceName: "svc"},
		Scope:    model.Scope{Name: "sdk"},
	})

	ctx, span := p.StartSpan(ctx, "op")
	defer span.End(ctx)

	rec := &model.LogRecord{SeverityNumber: model.SeverityWarn, Body: "careful"}
	p.EmitLog(ctx, rec)

	logs, err := store.GetLogsByTraceID(ctx, span.TraceID())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	got := logs[0]
	assert.Equal(t, span.SpanID(), got.SpanID)
	assert.Equal(t, "WARN", got.SeverityText)
	assert.Equal(t, "svc", got.Resource.ServiceName)
	assert.Equal(t, "sdk", got.Scope.Name)
	assert.False(t, got.Timestamp.IsZero())
}

func TestEmitLogKeepsExplicitCorrelation(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{})

	ctx, span := p.StartSpan(ctx, "op")
	defer span.End(ctx)

	p.EmitLog(ctx, &model.LogRecord{TraceID: "explicit", Body: "pinned"})

	logs, err := store.GetLogsByTraceID(ctx, "explicit")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Empty(t, logs[0].SpanID)
}

func TestStartActiveSpan(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{})

	var childTrace string
	err := p.StartActiveSpan(ctx, "outer-op", func(ctx context.Context) error {
		childTrace = SpanFromContext(ctx).TraceID()
		return nil
	})
	require.NoError(t, err)

	spans, err := store.GetTrace(ctx, childTrace)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.NotNil(t, spans[0].EndTime)
	assert.Equal(t, model.StatusUnset, spans[0].Status.Code)
}

func TestStartActiveSpanRecordsError(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{})

	boom := errors.New("boom")
	var spanID string
	err := p.StartActiveSpan(ctx, "failing-op", func(ctx context.Context) error {
		spanID = SpanFromContext(ctx).SpanID()
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetSpan(ctx, spanID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status.Code)
}

func TestShutdownStopsIntake(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{})

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))

	_, span := p.StartSpan(ctx, "late-op")
	span.End(ctx)
	p.EmitLog(ctx, &model.LogRecord{TraceID: "t1", Body: "late"})

	assert.Zero(t, store.SpanCount())
	assert.Zero(t, store.LogCount())
}

func TestShutdownForceClosesOpenSpans(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, Config{})

	_, span := p.StartSpan(ctx, "open-op")
	require.NoError(t, p.Shutdown(ctx))

	got, err := store.GetSpan(ctx, span.SpanID())
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, model.StatusError, got.Status.Code)
}

func TestSetDefault(t *testing.T) {
	p1, _ := newTestPipeline(t, Config{})
	p2, _ := newTestPipeline(t, Config{})

	prev := SetDefault(p1)
	defer SetDefault(prev)

	assert.Same(t, p1, Default())
	assert.Same(t, p1, SetDefault(p2))
	assert.Same(t, p2, Default())
}
