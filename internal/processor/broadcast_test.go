package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/bus"
	"github.com/ashita-ai/kansoku/internal/model"
)

func TestBroadcastPublishesSpanEvents(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	defer b.Close()
	p := NewBroadcast(b)

	ch, cancel := b.SubscribeSpans()
	defer cancel()

	span := newSpan("t1", "s1")
	p.OnStart(ctx, span)
	p.OnEnd(ctx, span)

	var types []model.EventType
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			require.NotNil(t, ev.Span)
			assert.Equal(t, "s1", ev.Span.SpanID)
			assert.False(t, ev.Timestamp.IsZero())
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, []model.EventType{model.EventSpanStart, model.EventSpanEnd}, types)
}

func TestBroadcastPublishesClones(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	defer b.Close()
	p := NewBroadcast(b)

	ch, cancel := b.SubscribeSpans()
	defer cancel()

	span := newSpan("t1", "s1")
	span.Attributes = map[string]any{"k": "v"}
	p.OnStart(ctx, span)
	span.Attributes["k"] = "changed"

	select {
	case ev := <-ch:
		assert.Equal(t, "v", ev.Span.Attributes["k"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroadcastPublishesLogs(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	defer b.Close()
	p := NewBroadcast(b)

	ch, cancel := b.SubscribeLogs()
	defer cancel()

	rec := newLog("t1")
	p.OnEmit(ctx, rec)

	select {
	case got := <-ch:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("log not delivered")
	}

	require.NoError(t, p.ForceFlush(ctx))
	require.NoError(t, p.Shutdown(ctx))
}
