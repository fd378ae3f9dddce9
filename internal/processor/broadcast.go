package processor

import (
	"context"
	"time"

	"github.com/ashita-ai/kansoku/internal/bus"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Broadcast publishes span lifecycle events and log records on the realtime
// bus. It never reads from storage: subscribers get the event stream, the
// query surface gets history.
type Broadcast struct {
	bus *bus.Bus
}

// NewBroadcast creates the realtime broadcast processor.
func NewBroadcast(b *bus.Bus) *Broadcast {
	return &Broadcast{bus: b}
}

// OnStart publishes a span:start event.
func (p *Broadcast) OnStart(_ context.Context, span *model.Span) {
	p.bus.PublishSpan(model.SpanLifecycleEvent{
		Type:      model.EventSpanStart,
		Span:      span.Clone(),
		Timestamp: time.Now().UTC(),
	})
}

// OnEnd publishes a span:end event.
func (p *Broadcast) OnEnd(_ context.Context, span *model.Span) {
	p.bus.PublishSpan(model.SpanLifecycleEvent{
		Type:      model.EventSpanEnd,
		Span:      span.Clone(),
		Timestamp: time.Now().UTC(),
	})
}

// OnEmit publishes a log record.
func (p *Broadcast) OnEmit(_ context.Context, rec *model.LogRecord) {
	p.bus.PublishLog(rec.Clone())
}

// ForceFlush is a no-op: publishes are immediate.
func (p *Broadcast) ForceFlush(_ context.Context) error { return nil }

// Shutdown is a no-op: the pipeline coordinator owns the bus lifecycle.
func (p *Broadcast) Shutdown(_ context.Context) error { return nil }
