package locator

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// Snitch knows where endpoints are and how close they are to each other
type Snitch interface {
	Name() string
	Datacenter(ep Endpoint) string
	Rack(ep Endpoint) string
	// SortByProximity returns eps ordered from closest to farthest from self
	SortByProximity(self Endpoint, eps []Endpoint) []Endpoint
}

// NewSnitch creates a snitch by name. "topology" reads placements from topo.
func NewSnitch(name string, topo *Topology) (Snitch, error) {
	switch strings.ToLower(name) {
	case "", "simple":
		return SimpleSnitch{}, nil
	case "topology", "property_file":
		return &TopologySnitch{topology: topo}, nil
	case "rack_inferring":
		return RackInferringSnitch{}, nil
	default:
		return nil, fmt.Errorf("unknown snitch %q", name)
	}
}

// SimpleSnitch puts every endpoint in one rack and keeps the given order
type SimpleSnitch struct{}

func (SimpleSnitch) Name() string               { return "simple" }
func (SimpleSnitch) Datacenter(Endpoint) string { return DefaultDatacenter }
func (SimpleSnitch) Rack(Endpoint) string       { return DefaultRack }

// SortByProximity only moves self to the front
func (SimpleSnitch) SortByProximity(self Endpoint, eps []Endpoint) []Endpoint {
	return sortByDistance(self, eps, func(Endpoint) int { return 1 })
}

// TopologySnitch reads placements from a Topology. Endpoints in the same rack
// are closest, then the same datacenter, then everything else.
type TopologySnitch struct {
	topology *Topology
}

// NewTopologySnitch creates a snitch over topo
func NewTopologySnitch(topo *Topology) *TopologySnitch {
	return &TopologySnitch{topology: topo}
}

func (s *TopologySnitch) Name() string { return "topology" }

func (s *TopologySnitch) Datacenter(ep Endpoint) string {
	return s.topology.Location(ep).Datacenter
}

func (s *TopologySnitch) Rack(ep Endpoint) string {
	return s.topology.Location(ep).Rack
}

func (s *TopologySnitch) SortByProximity(self Endpoint, eps []Endpoint) []Endpoint {
	return sortByDistance(self, eps, distanceFunc(self, s.Datacenter, s.Rack))
}

// RackInferringSnitch derives placement from IPv4 addresses: the second
// octet is the datacenter and the third the rack.
type RackInferringSnitch struct{}

func (RackInferringSnitch) Name() string { return "rack_inferring" }

func (RackInferringSnitch) Datacenter(ep Endpoint) string {
	return octet(ep, 1, DefaultDatacenter)
}

func (RackInferringSnitch) Rack(ep Endpoint) string {
	return octet(ep, 2, DefaultRack)
}

func (s RackInferringSnitch) SortByProximity(self Endpoint, eps []Endpoint) []Endpoint {
	return sortByDistance(self, eps, distanceFunc(self, s.Datacenter, s.Rack))
}

func octet(ep Endpoint, i int, fallback string) string {
	host := string(ep)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return fallback
	}
	return fmt.Sprintf("%d", ip[i])
}

func distanceFunc(self Endpoint, dc, rack func(Endpoint) string) func(Endpoint) int {
	selfDC, selfRack := dc(self), rack(self)
	return func(ep Endpoint) int {
		switch {
		case dc(ep) != selfDC:
			return 3
		case rack(ep) != selfRack:
			return 2
		default:
			return 1
		}
	}
}

// sortByDistance orders eps by distance, self first, keeping the input order
// among equals
func sortByDistance(self Endpoint, eps []Endpoint, distance func(Endpoint) int) []Endpoint {
	out := append([]Endpoint(nil), eps...)
	d := func(ep Endpoint) int {
		if ep == self {
			return 0
		}
		return distance(ep)
	}
	sort.SliceStable(out, func(i, j int) bool { return d(out[i]) < d(out[j]) })
	return out
}
