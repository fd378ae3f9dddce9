// Package bus is the realtime fan-out point between the pipeline and live
// dashboard connections. It is an explicitly constructed object owned by the
// pipeline coordinator and injected where needed — one bus per pipeline, no
// package-level singleton — so tests get clean isolation.
package bus

import (
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than blocking the
// publisher.
const subscriberBuffer = 64

type spanSubscriber struct {
	ch chan model.SpanLifecycleEvent
}

type logSubscriber struct {
	ch chan *model.LogRecord
}

// Bus fans span lifecycle events and log records out to subscribers.
// Publishing never blocks: sends to full subscriber buffers are dropped.
// Subscriber add/remove is safe while a broadcast is in flight.
type Bus struct {
	mu       sync.RWMutex
	spanSubs map[*spanSubscriber]struct{}
	logSubs  map[*logSubscriber]struct{}
	closed   bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		spanSubs: make(map[*spanSubscriber]struct{}),
		logSubs:  make(map[*logSubscriber]struct{}),
	}
}

// PublishSpan delivers a span lifecycle event to every span subscriber.
func (b *Bus) PublishSpan(ev model.SpanLifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.spanSubs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full — drop this event for them.
		}
	}
}

// PublishLog delivers a log record to every log subscriber.
func (b *Bus) PublishLog(rec *model.LogRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.logSubs {
		select {
		case sub.ch <- rec:
		default:
		}
	}
}

// SubscribeSpans registers a span subscriber. The returned cancel function
// removes the subscription and closes the channel; it is idempotent.
func (b *Bus) SubscribeSpans() (<-chan model.SpanLifecycleEvent, func()) {
	sub := &spanSubscriber{ch: make(chan model.SpanLifecycleEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.spanSubs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.spanSubs[sub]; ok {
				delete(b.spanSubs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// SubscribeLogs registers a log subscriber, with the same semantics as
// SubscribeSpans.
func (b *Bus) SubscribeLogs() (<-chan *model.LogRecord, func()) {
	sub := &logSubscriber{ch: make(chan *model.LogRecord, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.logSubs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.logSubs[sub]; ok {
				delete(b.logSubs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Close removes every subscriber and closes their channels. Further
// publishes are dropped and further subscriptions come back closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.spanSubs {
		delete(b.spanSubs, sub)
		close(sub.ch)
	}
	for sub := range b.logSubs {
		delete(b.logSubs, sub)
		close(sub.ch)
	}
}

// SubscriberCount returns the current number of subscribers, for tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.spanSubs) + len(b.logSubs)
}
