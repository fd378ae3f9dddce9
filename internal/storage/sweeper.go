package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper runs age-based retention against a Store on a fixed interval,
// independently of write volume. Writes already enforce capacity bounds;
// the sweeper is what reclaims memory on an idle store.
type Sweeper struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration
	spanAge  time.Duration
	logAge   time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewSweeper creates a retention sweeper. Spans older than spanAge and logs
// older than logAge are removed every interval. Call Start to begin and
// Stop to halt.
func NewSweeper(store Store, logger *slog.Logger, interval, spanAge, logAge time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		logger:   logger,
		interval: interval,
		spanAge:  spanAge,
		logAge:   logAge,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; a second call is
// a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	spans, err := s.store.DeleteOldSpans(ctx, now.Add(-s.spanAge))
	if err != nil {
		s.logger.Warn("storage: retention sweep for spans failed", "error", err)
	}
	logs, err := s.store.DeleteOldLogs(ctx, now.Add(-s.logAge))
	if err != nil {
		s.logger.Warn("storage: retention sweep for logs failed", "error", err)
	}
	if spans > 0 || logs > 0 {
		s.logger.Debug("storage: retention sweep", "spans_removed", spans, "logs_removed", logs)
	}
}

// Stop halts the sweep loop and waits for it to exit. Safe to call multiple
// times, and a no-op if the sweeper was never started.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	if s.started.Load() {
		<-s.stopped
	}
}
