// Package gossip provides endpoint liveness for source selection
package gossip

import (
	"sync"

	"github.com/devrev/pairdb/streamer/internal/locator"
)

// FailureDetector reports whether peers are reachable
type FailureDetector interface {
	IsAlive(ep locator.Endpoint) bool
	// IsEnabled is false when no liveness information is available, in which
	// case callers must not act on IsAlive
	IsEnabled() bool
}

// StaticDetector is a failure detector driven by explicit state. It is used
// when gossip is disabled and in tests.
type StaticDetector struct {
	mu      sync.RWMutex
	enabled bool
	down    map[locator.Endpoint]bool
}

// NewStaticDetector creates a detector where every endpoint is alive
func NewStaticDetector(enabled bool) *StaticDetector {
	return &StaticDetector{enabled: enabled, down: make(map[locator.Endpoint]bool)}
}

// MarkDown marks endpoints as unreachable
func (d *StaticDetector) MarkDown(eps ...locator.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ep := range eps {
		d.down[ep] = true
	}
}

// MarkUp marks endpoints as reachable again
func (d *StaticDetector) MarkUp(eps ...locator.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ep := range eps {
		delete(d.down, ep)
	}
}

func (d *StaticDetector) IsAlive(ep locator.Endpoint) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.down[ep]
}

func (d *StaticDetector) IsEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}
