package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// shutdownStatusMessage marks spans force-closed because the processor shut
// down while they were still open.
const shutdownStatusMessage = "processor shutdown"

// Local persists every span and log record to the storage adapter. Writes
// are best-effort: failures are logged and swallowed so a broken store never
// stalls agent execution.
//
// Open spans are tracked in an active map so shutdown can force-close
// whatever the producer never ended — no span stays permanently open in
// storage because the process went away.
type Local struct {
	store  storage.Store
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*model.Span

	shutdownOnce sync.Once
}

// NewLocal creates the local fan-out processor.
func NewLocal(store storage.Store, logger *slog.Logger) *Local {
	return &Local{
		store:  store,
		logger: logger,
		active: make(map[string]*model.Span),
	}
}

// OnStart stores the open span and tracks it as active.
func (p *Local) OnStart(ctx context.Context, span *model.Span) {
	snapshot := span.Clone()

	p.mu.Lock()
	p.active[snapshot.SpanID] = snapshot
	p.mu.Unlock()

	if err := p.store.AddSpan(ctx, snapshot); err != nil {
		p.logger.Warn("processor: persist span start failed", "error", err, "span_id", snapshot.SpanID)
	}
}

// OnEnd writes the finalized span and drops it from the active map.
func (p *Local) OnEnd(ctx context.Context, span *model.Span) {
	p.mu.Lock()
	delete(p.active, span.SpanID)
	p.mu.Unlock()

	if err := p.store.UpdateSpan(ctx, span.Clone()); err != nil {
		p.logger.Warn("processor: persist span end failed", "error", err, "span_id", span.SpanID)
	}
}

// OnEmit inserts the log record.
func (p *Local) OnEmit(ctx context.Context, rec *model.LogRecord) {
	if err := p.store.SaveLogRecord(ctx, rec.Clone()); err != nil {
		p.logger.Warn("processor: persist log record failed", "error", err, "log_id", rec.ID)
	}
}

// ForceFlush is a no-op: writes land in storage synchronously.
func (p *Local) ForceFlush(_ context.Context) error { return nil }

// Shutdown force-closes every still-open span with an error status and
// flushes it to storage before reporting done.
func (p *Local) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		orphans := make([]*model.Span, 0, len(p.active))
		for _, s := range p.active {
			orphans = append(orphans, s)
		}
		p.active = make(map[string]*model.Span)
		p.mu.Unlock()

		if len(orphans) == 0 {
			return
		}
		now := time.Now().UTC()
		for _, s := range orphans {
			s.EndTime = &now
			s.Status = model.SpanStatus{Code: model.StatusError, Message: shutdownStatusMessage}
			if err := p.store.UpdateSpan(ctx, s); err != nil {
				p.logger.Warn("processor: force-close span failed", "error", err, "span_id", s.SpanID)
			}
		}
		p.logger.Info("processor: force-closed open spans on shutdown", "count", len(orphans))
	})
	return nil
}
