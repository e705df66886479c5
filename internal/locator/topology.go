package locator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Default placement of endpoints with no explicit location
const (
	DefaultDatacenter = "datacenter1"
	DefaultRack       = "rack1"
)

// Location is where an endpoint lives
type Location struct {
	Datacenter string `yaml:"dc" json:"dc"`
	Rack       string `yaml:"rack" json:"rack"`
}

// Topology records the datacenter and rack of every known endpoint
type Topology struct {
	mu        sync.RWMutex
	locations map[Endpoint]Location
}

// NewTopology creates an empty topology
func NewTopology() *Topology {
	return &Topology{locations: make(map[Endpoint]Location)}
}

// Add places ep at loc, filling in defaults for empty fields
func (t *Topology) Add(ep Endpoint, loc Location) {
	if loc.Datacenter == "" {
		loc.Datacenter = DefaultDatacenter
	}
	if loc.Rack == "" {
		loc.Rack = DefaultRack
	}
	t.mu.Lock()
	t.locations[ep] = loc
	t.mu.Unlock()
}

// Remove forgets ep
func (t *Topology) Remove(ep Endpoint) {
	t.mu.Lock()
	delete(t.locations, ep)
	t.mu.Unlock()
}

// Location returns the placement of ep. Unknown endpoints are placed in the
// default datacenter and rack.
func (t *Topology) Location(ep Endpoint) Location {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if loc, ok := t.locations[ep]; ok {
		return loc
	}
	return Location{Datacenter: DefaultDatacenter, Rack: DefaultRack}
}

// Has reports whether ep has an explicit location
func (t *Topology) Has(ep Endpoint) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.locations[ep]
	return ok
}

// Datacenters returns the endpoints of every datacenter, each list sorted
func (t *Topology) Datacenters() map[string][]Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]Endpoint)
	for ep, loc := range t.locations {
		out[loc.Datacenter] = append(out[loc.Datacenter], ep)
	}
	for _, eps := range out {
		SortEndpoints(eps)
	}
	return out
}

// Racks returns the distinct racks of a datacenter
func (t *Topology) Racks(dc string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, loc := range t.locations {
		if loc.Datacenter == dc && !seen[loc.Rack] {
			seen[loc.Rack] = true
			out = append(out, loc.Rack)
		}
	}
	sort.Strings(out)
	return out
}

// Clone copies the topology, checking ctx periodically
func (t *Topology) Clone(ctx context.Context) (*Topology, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := &Topology{locations: make(map[Endpoint]Location, len(t.locations))}
	i := 0
	for ep, loc := range t.locations {
		if i%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("failed to clone topology: %w", err)
			}
		}
		out.locations[ep] = loc
		i++
	}
	return out, nil
}
