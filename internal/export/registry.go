// Package export sends completed spans and log records to a remote
// collector: an OTLP-flavored JSON client, a batching exporter in front of
// it, and a registry that resolves the client asynchronously at startup.
package export

import (
	"sync"
)

// Registry holds the remote collector client, which is typically supplied
// after pipeline construction (credentials arrive late, startup ordering is
// not guaranteed). Consumers either poll Client or wait on Ready, a one-shot
// channel closed when the client first becomes available.
type Registry struct {
	mu     sync.RWMutex
	client *Client
	ready  chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ready: make(chan struct{})}
}

// SetClient installs the collector client and signals Ready. The first
// non-nil client wins; later calls replace the client but the ready signal
// fires only once.
func (r *Registry) SetClient(c *Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	first := r.client == nil
	r.client = c
	r.mu.Unlock()

	if first {
		close(r.ready)
	}
}

// Client returns the installed client, or nil while unresolved.
func (r *Registry) Client() *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// Ready returns a channel closed once a client is available.
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}
