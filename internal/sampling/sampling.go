// Package sampling decides which traces are forwarded to the remote export
// path. Local storage and realtime broadcast always receive everything;
// sampling only gates processors wired behind a Decider.
package sampling

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Strategy selects the sampling policy.
type Strategy string

const (
	StrategyAlways Strategy = "always"
	StrategyNever  Strategy = "never"
	StrategyRatio  Strategy = "ratio"
	StrategyParent Strategy = "parent"
)

// Config holds the sampling policy configuration.
type Config struct {
	Strategy Strategy
	// Ratio is the sampled fraction of traces, in [0, 1]. Used by the
	// ratio and parent strategies.
	Ratio float64
}

// Validate fails fast on a bad policy so misconfiguration surfaces at
// construction time, not at the first event.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyAlways, StrategyNever:
		return nil
	case StrategyRatio, StrategyParent:
		if c.Ratio < 0 || c.Ratio > 1 {
			return fmt.Errorf("sampling: ratio %v out of range [0, 1]", c.Ratio)
		}
		return nil
	default:
		return fmt.Errorf("sampling: unknown strategy %q", c.Strategy)
	}
}

// traceTTL bounds how long a trace's sampling decision is remembered. Spans
// that never end (crashed producers) would otherwise pin their entries
// forever.
const traceTTL = time.Hour

// Decider applies the configured policy per trace and tracks per-span
// sampled state between start and end, clearing it on end.
//
// Ratio decisions are deterministic: the trace ID is hashed and compared
// against a threshold, so every span of a trace — and every pipeline
// instance observing it — reaches the same verdict without coordination.
type Decider struct {
	cfg Config

	mu sync.Mutex
	// traces records the per-trace decision with a last-touch timestamp
	// for TTL eviction.
	traces map[string]*traceDecision
	// spans records the start-time decision for in-flight spans so the
	// end event is gated identically.
	spans map[string]bool

	stopOnce sync.Once
	done     chan struct{}
}

type traceDecision struct {
	sampled bool
	touched time.Time
}

// NewDecider creates a Decider. The config must already be validated.
// A background goroutine evicts stale trace decisions; call Close to stop it.
func NewDecider(cfg Config) *Decider {
	d := &Decider{
		cfg:    cfg,
		traces: make(map[string]*traceDecision),
		spans:  make(map[string]bool),
		done:   make(chan struct{}),
	}
	go d.janitor()
	return d
}

// ShouldSample decides whether the span starting now is forwarded. The
// decision is recorded per span so OnEnd gates identically, and per trace so
// children inherit it.
func (d *Decider) ShouldSample(traceID, spanID string, root bool) bool {
	var sampled bool
	switch d.cfg.Strategy {
	case StrategyAlways:
		sampled = true
	case StrategyNever:
		sampled = false
	case StrategyRatio:
		sampled = d.traceVerdict(traceID)
	case StrategyParent:
		if root {
			sampled = d.traceVerdict(traceID)
		} else {
			sampled = d.inheritedVerdict(traceID)
		}
	}

	d.mu.Lock()
	d.spans[spanID] = sampled
	d.mu.Unlock()
	return sampled
}

// TraceSampled reports the policy verdict for a trace without touching the
// per-span tracking. Used to gate log records by their correlated trace.
func (d *Decider) TraceSampled(traceID string) bool {
	switch d.cfg.Strategy {
	case StrategyAlways:
		return true
	case StrategyNever:
		return false
	default:
		return d.traceVerdict(traceID)
	}
}

// SpanSampled reports the decision made at span start and clears the
// tracking entry. Unknown spans (started before this decider existed)
// default to false.
func (d *Decider) SpanSampled(spanID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sampled, ok := d.spans[spanID]
	if ok {
		delete(d.spans, spanID)
	}
	return sampled
}

// traceVerdict returns the remembered decision for the trace, computing and
// recording it on first sight.
func (d *Decider) traceVerdict(traceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if td, ok := d.traces[traceID]; ok {
		td.touched = time.Now()
		return td.sampled
	}
	sampled := d.hashSampled(traceID)
	d.traces[traceID] = &traceDecision{sampled: sampled, touched: time.Now()}
	return sampled
}

// inheritedVerdict returns the trace's recorded decision without creating
// one: a child whose root was never seen falls back to the ratio decision,
// which is deterministic anyway.
func (d *Decider) inheritedVerdict(traceID string) bool {
	d.mu.Lock()
	td, ok := d.traces[traceID]
	if ok {
		td.touched = time.Now()
		sampled := td.sampled
		d.mu.Unlock()
		return sampled
	}
	d.mu.Unlock()
	return d.traceVerdict(traceID)
}

func (d *Decider) hashSampled(traceID string) bool {
	if d.cfg.Ratio >= 1 {
		return true
	}
	if d.cfg.Ratio <= 0 {
		return false
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(traceID))
	// Map the top 53 hash bits onto [0, 1) and compare against the ratio.
	return float64(h.Sum64()>>11)/float64(1<<53) < d.cfg.Ratio
}

// janitor evicts trace decisions not touched within the TTL.
func (d *Decider) janitor() {
	ticker := time.NewTicker(traceTTL / 4)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-traceTTL)
			d.mu.Lock()
			for id, td := range d.traces {
				if td.touched.Before(cutoff) {
					delete(d.traces, id)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (d *Decider) Close() error {
	d.stopOnce.Do(func() { close(d.done) })
	return nil
}

// PendingSpans returns the number of in-flight span decisions, for tests.
func (d *Decider) PendingSpans() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.spans)
}
