// Package processor implements the per-event fan-out chain of the pipeline:
// local persistence, realtime broadcast, and lazy remote export. Processors
// run in a fixed order per event and are independent — a failure in one
// never blocks or corrupts the others, and nothing in this package returns
// an error into the producing execution path.
package processor

import (
	"context"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/sampling"
)

// SpanProcessor observes span lifecycle events. OnStart and OnEnd must not
// block the caller beyond cheap in-memory work and must never panic or
// surface errors into the producer path.
type SpanProcessor interface {
	OnStart(ctx context.Context, span *model.Span)
	OnEnd(ctx context.Context, span *model.Span)
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// LogProcessor observes emitted log records, with the same non-blocking and
// non-throwing obligations as SpanProcessor.
type LogProcessor interface {
	OnEmit(ctx context.Context, rec *model.LogRecord)
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// SampledSpanProcessor gates an inner processor with a sampling decider:
// unsampled spans never reach the inner processor at all. The decision is
// made at start and replayed at end, so a span's start and end are always
// forwarded (or withheld) together.
type SampledSpanProcessor struct {
	decider *sampling.Decider
	inner   SpanProcessor
}

// NewSampledSpanProcessor wraps inner behind the decider.
func NewSampledSpanProcessor(decider *sampling.Decider, inner SpanProcessor) *SampledSpanProcessor {
	return &SampledSpanProcessor{decider: decider, inner: inner}
}

func (p *SampledSpanProcessor) OnStart(ctx context.Context, span *model.Span) {
	if p.decider.ShouldSample(span.TraceID, span.SpanID, span.IsRoot()) {
		p.inner.OnStart(ctx, span)
	}
}

func (p *SampledSpanProcessor) OnEnd(ctx context.Context, span *model.Span) {
	if p.decider.SpanSampled(span.SpanID) {
		p.inner.OnEnd(ctx, span)
	}
}

func (p *SampledSpanProcessor) ForceFlush(ctx context.Context) error {
	return p.inner.ForceFlush(ctx)
}

func (p *SampledSpanProcessor) Shutdown(ctx context.Context) error {
	_ = p.decider.Close()
	return p.inner.Shutdown(ctx)
}

// SampledLogProcessor gates an inner log processor by the sampling decision
// of the log's trace. Uncorrelated logs (no trace ID) are always forwarded.
type SampledLogProcessor struct {
	decider *sampling.Decider
	inner   LogProcessor
}

// NewSampledLogProcessor wraps inner behind the decider.
func NewSampledLogProcessor(decider *sampling.Decider, inner LogProcessor) *SampledLogProcessor {
	return &SampledLogProcessor{decider: decider, inner: inner}
}

func (p *SampledLogProcessor) OnEmit(ctx context.Context, rec *model.LogRecord) {
	if rec.TraceID == "" || p.decider.TraceSampled(rec.TraceID) {
		p.inner.OnEmit(ctx, rec)
	}
}

func (p *SampledLogProcessor) ForceFlush(ctx context.Context) error {
	return p.inner.ForceFlush(ctx)
}

func (p *SampledLogProcessor) Shutdown(ctx context.Context) error {
	return p.inner.Shutdown(ctx)
}
