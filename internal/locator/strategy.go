package locator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devrev/pairdb/streamer/internal/dht"
)

// StrategyKind names a replication strategy
type StrategyKind string

const (
	SimpleStrategyKind          StrategyKind = "SimpleStrategy"
	NetworkTopologyStrategyKind StrategyKind = "NetworkTopologyStrategy"
	EverywhereStrategyKind      StrategyKind = "EverywhereStrategy"
	LocalStrategyKind           StrategyKind = "LocalStrategy"
)

// Strategy decides which endpoints replicate a token
type Strategy interface {
	Kind() StrategyKind
	// ReplicationFactor is the number of replicas the strategy wants on tm
	ReplicationFactor(tm *TokenMetadata) int
	// NaturalEndpoints returns the replicas of the range ending at the first
	// ring token >= t, primary replica first
	NaturalEndpoints(t dht.Token, tm *TokenMetadata) []Endpoint
}

// StrategyOptions configures NewStrategy
type StrategyOptions struct {
	Class             string
	ReplicationFactor int
	DatacenterRF      map[string]int
	Self              Endpoint
}

// NewStrategy builds a strategy from its class name
func NewStrategy(opts StrategyOptions) (Strategy, error) {
	switch strings.ToLower(opts.Class) {
	case "simplestrategy", "simple":
		if opts.ReplicationFactor <= 0 {
			return nil, fmt.Errorf("SimpleStrategy requires a positive replication factor")
		}
		return &SimpleStrategy{RF: opts.ReplicationFactor}, nil
	case "networktopologystrategy", "network_topology":
		if len(opts.DatacenterRF) == 0 {
			return nil, fmt.Errorf("NetworkTopologyStrategy requires per-datacenter replication factors")
		}
		return &NetworkTopologyStrategy{DatacenterRF: opts.DatacenterRF}, nil
	case "everywherestrategy", "everywhere":
		return EverywhereStrategy{}, nil
	case "localstrategy", "local":
		return &LocalStrategy{Self: opts.Self}, nil
	default:
		return nil, fmt.Errorf("unknown replication strategy %q", opts.Class)
	}
}

// SimpleStrategy places RF replicas on consecutive distinct ring owners
type SimpleStrategy struct {
	RF int
}

func (s *SimpleStrategy) Kind() StrategyKind { return SimpleStrategyKind }

func (s *SimpleStrategy) ReplicationFactor(*TokenMetadata) int { return s.RF }

func (s *SimpleStrategy) NaturalEndpoints(t dht.Token, tm *TokenMetadata) []Endpoint {
	out := make([]Endpoint, 0, s.RF)
	seen := make(map[Endpoint]bool)
	tm.RingWalk(t, func(_ dht.Token, ep Endpoint) bool {
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
		return len(out) < s.RF
	})
	return out
}

// NetworkTopologyStrategy places a configured number of replicas in each
// datacenter, spreading them over distinct racks first
type NetworkTopologyStrategy struct {
	DatacenterRF map[string]int
}

func (s *NetworkTopologyStrategy) Kind() StrategyKind { return NetworkTopologyStrategyKind }

func (s *NetworkTopologyStrategy) ReplicationFactor(*TokenMetadata) int {
	total := 0
	for _, rf := range s.DatacenterRF {
		total += rf
	}
	return total
}

type dcReplicas struct {
	want      int
	racks     int
	chosen    []Endpoint
	seenRacks map[string]bool
	skipped   []Endpoint
}

func (d *dcReplicas) done() bool { return len(d.chosen) >= d.want }

func (s *NetworkTopologyStrategy) NaturalEndpoints(t dht.Token, tm *TokenMetadata) []Endpoint {
	topo := tm.Topology()
	dcEndpoints := make(map[string]int)
	for _, ep := range tm.Endpoints() {
		dcEndpoints[topo.Location(ep).Datacenter]++
	}

	dcs := make(map[string]*dcReplicas)
	for dc, rf := range s.DatacenterRF {
		want := rf
		if n := dcEndpoints[dc]; n < want {
			want = n
		}
		dcs[dc] = &dcReplicas{want: want, racks: len(topo.Racks(dc)), seenRacks: make(map[string]bool)}
	}

	seen := make(map[Endpoint]bool)
	var order []Endpoint
	tm.RingWalk(t, func(_ dht.Token, ep Endpoint) bool {
		if seen[ep] {
			return true
		}
		seen[ep] = true
		loc := topo.Location(ep)
		d, ok := dcs[loc.Datacenter]
		if !ok || d.done() {
			return !allDone(dcs)
		}
		switch {
		case !d.seenRacks[loc.Rack]:
			d.seenRacks[loc.Rack] = true
			d.chosen = append(d.chosen, ep)
			order = append(order, ep)
		case len(d.seenRacks) >= d.racks:
			d.chosen = append(d.chosen, ep)
			order = append(order, ep)
		default:
			d.skipped = append(d.skipped, ep)
		}
		// every rack seen: fill from the endpoints skipped so far
		if len(d.seenRacks) >= d.racks {
			for len(d.skipped) > 0 && !d.done() {
				d.chosen = append(d.chosen, d.skipped[0])
				order = append(order, d.skipped[0])
				d.skipped = d.skipped[1:]
			}
		}
		return !allDone(dcs)
	})
	// racks exhausted before the datacenter was full
	names := make([]string, 0, len(dcs))
	for dc := range dcs {
		names = append(names, dc)
	}
	sort.Strings(names)
	for _, dc := range names {
		d := dcs[dc]
		for len(d.skipped) > 0 && !d.done() {
			d.chosen = append(d.chosen, d.skipped[0])
			order = append(order, d.skipped[0])
			d.skipped = d.skipped[1:]
		}
	}
	return order
}

func allDone(dcs map[string]*dcReplicas) bool {
	for _, d := range dcs {
		if !d.done() {
			return false
		}
	}
	return true
}

// EverywhereStrategy replicates every range on every node
type EverywhereStrategy struct{}

func (EverywhereStrategy) Kind() StrategyKind { return EverywhereStrategyKind }

func (EverywhereStrategy) ReplicationFactor(tm *TokenMetadata) int { return tm.NodeCount() }

func (EverywhereStrategy) NaturalEndpoints(t dht.Token, tm *TokenMetadata) []Endpoint {
	var out []Endpoint
	seen := make(map[Endpoint]bool)
	tm.RingWalk(t, func(_ dht.Token, ep Endpoint) bool {
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
		return true
	})
	return out
}

// LocalStrategy keeps data only on the local node
type LocalStrategy struct {
	Self Endpoint
}

func (s *LocalStrategy) Kind() StrategyKind { return LocalStrategyKind }

func (s *LocalStrategy) ReplicationFactor(*TokenMetadata) int { return 1 }

func (s *LocalStrategy) NaturalEndpoints(dht.Token, *TokenMetadata) []Endpoint {
	return []Endpoint{s.Self}
}
