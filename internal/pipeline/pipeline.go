// Package pipeline is the coordination layer of the observability service:
// it assembles the processor chains, hands producers a span/log API, and
// owns the shared lifecycle (sampling decider, realtime bus, flush and
// shutdown ordering).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/bus"
	"github.com/ashita-ai/kansoku/internal/export"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/processor"
	"github.com/ashita-ai/kansoku/internal/sampling"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Config assembles a pipeline. Store is required; Bus and Registry are
// optional and switch the broadcast and remote-export chains on when set.
type Config struct {
	Store    storage.Store
	Bus      *bus.Bus
	Registry *export.Registry

	Sampling sampling.Config
	Batch    export.BatchConfig
	// PendingCapacity bounds the remote processor's pre-init buffer.
	PendingCapacity int

	// Resource and Scope are stamped onto spans and logs that don't carry
	// their own.
	Resource model.Resource
	Scope    model.Scope

	Logger *slog.Logger

	// ExtraSpanProcessors and ExtraLogProcessors run after the built-in
	// chain, in registration order.
	ExtraSpanProcessors []processor.SpanProcessor
	ExtraLogProcessors  []processor.LogProcessor
}

// Pipeline fans every span lifecycle event and log record out to its
// processor chain. The chain order is fixed: spans broadcast first (so
// dashboards see events with minimal latency) then persist; logs persist
// first then broadcast. Sampled remote export runs after both, followed by
// any extra processors.
type Pipeline struct {
	spanProcs []processor.SpanProcessor
	logProcs  []processor.LogProcessor

	decider  *sampling.Decider
	bus      *bus.Bus
	resource model.Resource
	scope    model.Scope
	logger   *slog.Logger

	down         atomic.Bool
	shutdownOnce sync.Once
}

// New validates the config and assembles the pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if cfg.Sampling.Strategy == "" {
		cfg.Sampling.Strategy = sampling.StrategyAlways
	}
	if err := cfg.Sampling.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: validate sampling config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pipeline{
		decider:  sampling.NewDecider(cfg.Sampling),
		bus:      cfg.Bus,
		resource: cfg.Resource,
		scope:    cfg.Scope,
		logger:   cfg.Logger,
	}

	local := processor.NewLocal(cfg.Store, cfg.Logger)

	// Chain order is fixed: spans broadcast before persisting, logs persist
	// before broadcasting. The remote export leg always runs last.
	if cfg.Bus != nil {
		bc := processor.NewBroadcast(cfg.Bus)
		p.spanProcs = append(p.spanProcs, bc)
		p.spanProcs = append(p.spanProcs, local)
		p.logProcs = append(p.logProcs, local)
		p.logProcs = append(p.logProcs, bc)
	} else {
		p.spanProcs = append(p.spanProcs, local)
		p.logProcs = append(p.logProcs, local)
	}

	if cfg.Registry != nil {
		remote := processor.NewRemoteExport(processor.RemoteExportConfig{
			Registry:        cfg.Registry,
			Batch:           cfg.Batch,
			PendingCapacity: cfg.PendingCapacity,
			Logger:          cfg.Logger,
		})
		p.spanProcs = append(p.spanProcs, processor.NewSampledSpanProcessor(p.decider, remote))
		p.logProcs = append(p.logProcs, processor.NewSampledLogProcessor(p.decider, remote))
	}

	p.spanProcs = append(p.spanProcs, cfg.ExtraSpanProcessors...)
	p.logProcs = append(p.logProcs, cfg.ExtraLogProcessors...)

	return p, nil
}

// StartSpan opens a span and returns it with a context carrying it, so
// nested calls parent themselves automatically. Options override the
// context-derived parent, kind, attributes, and start time.
func (p *Pipeline) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	so := spanOptions{kind: model.SpanKindInternal, startTime: time.Now().UTC()}
	for _, opt := range opts {
		opt(&so)
	}

	data := &model.Span{
		SpanID:     newSpanID(),
		Name:       name,
		Kind:       so.kind,
		StartTime:  so.startTime,
		Status:     model.SpanStatus{Code: model.StatusUnset},
		Attributes: so.attributes,
		Links:      so.links,
		Resource:   p.resource,
		Scope:      p.scope,
	}

	switch {
	case so.newRoot:
		data.TraceID = newTraceID()
	case so.parentTraceID != "":
		data.TraceID = so.parentTraceID
		if so.parentSpanID != "" {
			pid := so.parentSpanID
			data.ParentSpanID = &pid
		}
	default:
		if parent := SpanFromContext(ctx); parent != nil && !parent.Ended() {
			data.TraceID = parent.TraceID()
			pid := parent.SpanID()
			data.ParentSpanID = &pid
		} else {
			data.TraceID = newTraceID()
		}
	}

	span := &Span{pipeline: p, data: data}

	if !p.down.Load() {
		for _, proc := range p.spanProcs {
			proc.OnStart(ctx, data)
		}
	}
	return ContextWithSpan(ctx, span), span
}

// onEnd runs the end-of-span fan-out. Called exactly once per span by
// Span.End.
func (p *Pipeline) onEnd(ctx context.Context, data *model.Span) {
	if p.down.Load() {
		return
	}
	for _, proc := range p.spanProcs {
		proc.OnEnd(ctx, data)
	}
}

// EmitLog fans a log record out to the log chain, filling in the ID,
// timestamp, severity text, resource, and trace/span correlation from the
// active context span when the record leaves them empty.
func (p *Pipeline) EmitLog(ctx context.Context, rec *model.LogRecord) {
	if p.down.Load() {
		return
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.SeverityText == "" {
		rec.SeverityText = model.SeverityTextFor(rec.SeverityNumber)
	}
	if rec.Resource.ServiceName == "" {
		rec.Resource = p.resource
	}
	if rec.Scope == (model.Scope{}) {
		rec.Scope = p.scope
	}
	if rec.TraceID == "" {
		if span := SpanFromContext(ctx); span != nil {
			rec.TraceID = span.TraceID()
			rec.SpanID = span.SpanID()
		}
	}
	for _, proc := range p.logProcs {
		proc.OnEmit(ctx, rec)
	}
}

// ForceFlush flushes every processor and returns the joined errors.
func (p *Pipeline) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, proc := range p.spanProcs {
		if err := proc.ForceFlush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, proc := range p.logProcs {
		if err := proc.ForceFlush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops accepting new events, shuts every processor down once, and
// closes the bus and the sampling decider. Safe to call multiple times.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.down.Store(true)

		var errs []error
		seen := make(map[any]struct{})
		for _, proc := range p.spanProcs {
			seen[proc] = struct{}{}
			if e := proc.Shutdown(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		for _, proc := range p.logProcs {
			// A processor wired into both chains shuts down once.
			if _, ok := seen[proc]; ok {
				continue
			}
			if e := proc.Shutdown(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		_ = p.decider.Close()
		if p.bus != nil {
			p.bus.Close()
		}
		err = errors.Join(errs...)
	})
	return err
}

// defaultPipeline is the process-wide registration used by instrumentation
// that has no injected pipeline. Reconstructing and re-registering replaces
// the previous one.
var (
	defaultMu       sync.RWMutex
	defaultPipeline *Pipeline
)

// SetDefault registers p as the process default and returns the previous
// registration, which the caller may shut down.
func SetDefault(p *Pipeline) *Pipeline {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultPipeline
	defaultPipeline = p
	return prev
}

// Default returns the process-default pipeline, or nil if none registered.
func Default() *Pipeline {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultPipeline
}
