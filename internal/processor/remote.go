package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/export"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Lazy initialization defaults: poll every 100ms for up to 50 attempts
// (~5s) before giving up for the lifetime of the instance.
const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultMaxPollAttempts = 50
	DefaultPendingCapacity = 1000
)

type remoteState int

const (
	stateUninitialized remoteState = iota
	stateInitialized
)

// RemoteExportConfig configures a RemoteExport processor. Zero values take
// the defaults above.
type RemoteExportConfig struct {
	Registry        *export.Registry
	Batch           export.BatchConfig
	PendingCapacity int
	PollInterval    time.Duration
	MaxPollAttempts int
	Logger          *slog.Logger
}

// RemoteExport ships completed spans and log records to the remote
// collector. The collector client is resolved asynchronously from the
// registry: until it appears, ended spans and logs accumulate in a
// capacity-bounded pending buffer (oldest evicted first). Once the client
// initializes, the buffer is drained in order into a batching exporter and
// all subsequent traffic flows straight through.
//
// The state machine is one-way: Uninitialized → Initialized. If the poll
// budget is exhausted the instance stays Uninitialized forever, keeps
// buffering up to capacity, and logs the give-up exactly once.
type RemoteExport struct {
	registry     *export.Registry
	batchCfg     export.BatchConfig
	pendingCap   int
	pollInterval time.Duration
	maxAttempts  int
	logger       *slog.Logger

	mu           sync.Mutex
	state        remoteState
	pendingSpans []*model.Span
	pendingLogs  []*model.LogRecord
	spanBatcher  *export.Batcher[*model.Span]
	logBatcher   *export.Batcher[*model.LogRecord]

	done     chan struct{}
	stopOnce sync.Once
}

// NewRemoteExport creates the processor and starts polling the registry.
func NewRemoteExport(cfg RemoteExportConfig) *RemoteExport {
	p := &RemoteExport{
		registry:     cfg.Registry,
		batchCfg:     cfg.Batch,
		pendingCap:   cfg.PendingCapacity,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxPollAttempts,
		logger:       cfg.Logger,
		done:         make(chan struct{}),
	}
	if p.pendingCap <= 0 {
		p.pendingCap = DefaultPendingCapacity
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxPollAttempts
	}
	go p.poll()
	return p
}

// poll waits for the registry to produce a client, by notification or by
// interval, and gives up after the attempt budget.
func (p *RemoteExport) poll() {
	// The client may already be there.
	if c := p.registry.Client(); c != nil {
		p.initialize(c)
		return
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-p.done:
			return
		case <-p.registry.Ready():
			if c := p.registry.Client(); c != nil {
				p.initialize(c)
				return
			}
		case <-ticker.C:
			if c := p.registry.Client(); c != nil {
				p.initialize(c)
				return
			}
			if attempt >= p.maxAttempts {
				p.logger.Warn("processor: remote collector never became available, export disabled",
					"attempts", attempt)
				return
			}
		}
	}
}

// initialize builds the batching exporters and drains the pending buffer
// into them in arrival order.
func (p *RemoteExport) initialize(client *export.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateInitialized {
		return
	}
	p.spanBatcher = export.NewBatcher(p.batchCfg, p.logger, client.ExportSpans)
	p.logBatcher = export.NewBatcher(p.batchCfg, p.logger, client.ExportLogs)

	for _, s := range p.pendingSpans {
		p.spanBatcher.Enqueue(s)
	}
	for _, lr := range p.pendingLogs {
		p.logBatcher.Enqueue(lr)
	}
	drained := len(p.pendingSpans) + len(p.pendingLogs)
	p.pendingSpans = nil
	p.pendingLogs = nil
	p.state = stateInitialized

	p.logger.Info("processor: remote export initialized", "drained_pending", drained)
}

// OnStart is a no-op: only completed spans are exported.
func (p *RemoteExport) OnStart(_ context.Context, _ *model.Span) {}

// OnEnd forwards the completed span to the exporter, or buffers it while
// the client is unresolved.
func (p *RemoteExport) OnEnd(_ context.Context, span *model.Span) {
	snapshot := span.Clone()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateInitialized {
		p.spanBatcher.Enqueue(snapshot)
		return
	}
	if len(p.pendingSpans) >= p.pendingCap {
		p.pendingSpans = p.pendingSpans[1:]
	}
	p.pendingSpans = append(p.pendingSpans, snapshot)
}

// OnEmit forwards the log record, or buffers it while unresolved.
func (p *RemoteExport) OnEmit(_ context.Context, rec *model.LogRecord) {
	snapshot := rec.Clone()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateInitialized {
		p.logBatcher.Enqueue(snapshot)
		return
	}
	if len(p.pendingLogs) >= p.pendingCap {
		p.pendingLogs = p.pendingLogs[1:]
	}
	p.pendingLogs = append(p.pendingLogs, snapshot)
}

// ForceFlush flushes the batching exporters if initialized; buffered but
// unsent data is not force-sent prematurely.
func (p *RemoteExport) ForceFlush(ctx context.Context) error {
	p.mu.Lock()
	spans, logs := p.spanBatcher, p.logBatcher
	p.mu.Unlock()

	if spans != nil {
		spans.ForceFlush(ctx)
	}
	if logs != nil {
		logs.ForceFlush(ctx)
	}
	return nil
}

// Shutdown stops polling, flushes and shuts down the exporters if present,
// and clears the pending buffer.
func (p *RemoteExport) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	spans, logs := p.spanBatcher, p.logBatcher
	p.pendingSpans = nil
	p.pendingLogs = nil
	p.mu.Unlock()

	if spans != nil {
		spans.Shutdown(ctx)
	}
	if logs != nil {
		logs.Shutdown(ctx)
	}
	return nil
}

// PendingLen returns the current pending buffer depth, for tests.
func (p *RemoteExport) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingSpans) + len(p.pendingLogs)
}

// Initialized reports whether the remote client resolved.
func (p *RemoteExport) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateInitialized
}
