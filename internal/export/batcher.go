package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BatchConfig tunes a Batcher. Zero values take the defaults.
type BatchConfig struct {
	// MaxQueueSize caps the number of items waiting to be exported.
	MaxQueueSize int
	// MaxBatchSize caps the items sent in a single export call.
	MaxBatchSize int
	// FlushInterval is how often a partially filled queue is flushed.
	FlushInterval time.Duration
	// ExportTimeout bounds a single export attempt; the batch is dropped
	// when it elapses.
	ExportTimeout time.Duration
}

const (
	DefaultMaxQueueSize  = 2048
	DefaultMaxBatchSize  = 512
	DefaultFlushInterval = 5 * time.Second
	DefaultExportTimeout = 30 * time.Second
)

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = DefaultExportTimeout
	}
	return c
}

// Batcher accumulates items and flushes them through an export function on
// size and time thresholds. Enqueue never blocks: when the queue is full the
// oldest item is dropped to admit the newest. Export failures drop the batch
// — observability is not load-bearing, so there is no retry and no
// backpressure to producers.
type Batcher[T any] struct {
	cfg      BatchConfig
	logger   *slog.Logger
	exportFn func(ctx context.Context, batch []T) error

	mu    sync.Mutex
	queue []T

	dropped atomic.Int64

	flushCh  chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewBatcher creates a batcher and starts its flush loop.
func NewBatcher[T any](cfg BatchConfig, logger *slog.Logger, exportFn func(ctx context.Context, batch []T) error) *Batcher[T] {
	b := &Batcher[T]{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		exportFn: exportFn,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Enqueue adds one item, evicting the oldest queued item when at capacity.
func (b *Batcher[T]) Enqueue(item T) {
	b.mu.Lock()
	if len(b.queue) >= b.cfg.MaxQueueSize {
		b.queue = b.queue[1:]
		b.dropped.Add(1)
	}
	b.queue = append(b.queue, item)
	kick := len(b.queue) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if kick {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Batcher[T]) flushLoop() {
	defer close(b.stopped)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.drain(context.Background())
		case <-b.flushCh:
			b.drain(context.Background())
		}
	}
}

// drain exports the whole queue in MaxBatchSize chunks.
func (b *Batcher[T]) drain(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		n := len(b.queue)
		if n > b.cfg.MaxBatchSize {
			n = b.cfg.MaxBatchSize
		}
		batch := make([]T, n)
		copy(batch, b.queue[:n])
		b.queue = b.queue[n:]
		b.mu.Unlock()

		exportCtx, cancel := context.WithTimeout(ctx, b.cfg.ExportTimeout)
		err := b.exportFn(exportCtx, batch)
		cancel()
		if err != nil {
			b.dropped.Add(int64(len(batch)))
			b.logger.Warn("export: batch dropped", "error", err, "batch_size", len(batch))
		}
	}
}

// ForceFlush synchronously exports everything queued.
func (b *Batcher[T]) ForceFlush(ctx context.Context) {
	b.drain(ctx)
}

// Shutdown stops the flush loop, performs a final drain, and returns. The
// ctx bounds the final drain.
func (b *Batcher[T]) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.done) })
	select {
	case <-b.stopped:
	case <-ctx.Done():
		b.logger.Warn("export: shutdown timed out waiting for flush loop")
	}
	b.drain(ctx)
}

// QueueLen returns the current queue depth.
func (b *Batcher[T]) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped returns the total items dropped to capacity or export failure.
// A non-zero value indicates data loss.
func (b *Batcher[T]) Dropped() int64 {
	return b.dropped.Load()
}
