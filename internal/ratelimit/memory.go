package ratelimit

import (
	"context"
	"sync"
	"time"
)

// clientBucket tracks the remaining allowance for one key.
type clientBucket struct {
	tokens float64
	seen   time.Time // last Allow call; drives refill and idle eviction
}

// MemoryLimiter is the in-process Limiter guarding the query surface: one
// token bucket per key (the caller's IP under IPKeyFunc). Dashboards poll
// in short bursts, so the allowance is a sustained rate plus a burst
// capacity. A janitor goroutine drops buckets for clients that have gone
// quiet, so a churn of one-off IPs cannot grow the map without bound.
type MemoryLimiter struct {
	rate  float64 // tokens refilled per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*clientBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rate requests per second per
// key, with bursts up to burst. Call Close to stop the janitor.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*clientBucket),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow spends one token for key. A key seen for the first time starts with
// a full bucket; afterwards tokens refill continuously with elapsed time,
// capped at the burst capacity.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &clientBucket{tokens: m.burst}
		m.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.seen).Seconds() * m.rate
		if b.tokens > m.burst {
			b.tokens = m.burst
		}
	}
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the janitor. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const (
	sweepEvery = time.Minute
	idleTTL    = 10 * time.Minute
)

func (m *MemoryLimiter) janitor() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops buckets idle past idleTTL.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
