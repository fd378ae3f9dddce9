package pipeline

import "context"

type spanContextKey struct{}

// ContextWithSpan returns a context carrying the span as the active one.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// SpanFromContext returns the active span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanContextKey{}).(*Span)
	return span
}

// StartActiveSpan opens a span parented on the context's active span, runs
// fn with the child active, and ends the span when fn returns. An error
// from fn is recorded on the span and returned unchanged.
func (p *Pipeline) StartActiveSpan(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...SpanOption) error {
	ctx, span := p.StartSpan(ctx, name, opts...)
	defer span.End(ctx)

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
