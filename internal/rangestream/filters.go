package rangestream

import (
	"fmt"

	"github.com/devrev/pairdb/streamer/internal/gossip"
	"github.com/devrev/pairdb/streamer/internal/locator"
)

// SourceFilter excludes candidate sources. Filters only reject; they never
// rank endpoints.
type SourceFilter interface {
	ShouldInclude(topo *locator.Topology, ep locator.Endpoint) bool
	String() string
}

// FailureDetectorFilter rejects endpoints the failure detector reports dead
type FailureDetectorFilter struct {
	Detector gossip.FailureDetector
}

func (f FailureDetectorFilter) ShouldInclude(_ *locator.Topology, ep locator.Endpoint) bool {
	return f.Detector.IsAlive(ep)
}

func (f FailureDetectorFilter) String() string { return "failure_detector" }

// SingleDatacenterFilter keeps endpoints of one datacenter. Used by rebuild
// to pull from a named source DC.
type SingleDatacenterFilter struct {
	Datacenter string
}

func (f SingleDatacenterFilter) ShouldInclude(topo *locator.Topology, ep locator.Endpoint) bool {
	return topo.Location(ep).Datacenter == f.Datacenter
}

func (f SingleDatacenterFilter) String() string {
	return fmt.Sprintf("single_datacenter(%s)", f.Datacenter)
}

// ExcludeRackFilter rejects endpoints placed in one rack
type ExcludeRackFilter struct {
	Datacenter string
	Rack       string
}

func (f ExcludeRackFilter) ShouldInclude(topo *locator.Topology, ep locator.Endpoint) bool {
	loc := topo.Location(ep)
	return loc.Datacenter != f.Datacenter || loc.Rack != f.Rack
}

func (f ExcludeRackFilter) String() string {
	return fmt.Sprintf("exclude_rack(%s/%s)", f.Datacenter, f.Rack)
}

// AllowedSourcesFilter keeps only an explicit set of endpoints
type AllowedSourcesFilter struct {
	allowed map[locator.Endpoint]struct{}
}

// NewAllowedSourcesFilter creates a filter accepting only eps
func NewAllowedSourcesFilter(eps ...locator.Endpoint) AllowedSourcesFilter {
	allowed := make(map[locator.Endpoint]struct{}, len(eps))
	for _, ep := range eps {
		allowed[ep] = struct{}{}
	}
	return AllowedSourcesFilter{allowed: allowed}
}

func (f AllowedSourcesFilter) ShouldInclude(_ *locator.Topology, ep locator.Endpoint) bool {
	_, ok := f.allowed[ep]
	return ok
}

func (f AllowedSourcesFilter) String() string {
	return fmt.Sprintf("allowed_sources(%d)", len(f.allowed))
}

// ExcludedSourcesFilter rejects an explicit set of endpoints, such as the
// node being replaced or removed
type ExcludedSourcesFilter struct {
	excluded map[locator.Endpoint]struct{}
}

// NewExcludedSourcesFilter creates a filter rejecting eps
func NewExcludedSourcesFilter(eps ...locator.Endpoint) ExcludedSourcesFilter {
	excluded := make(map[locator.Endpoint]struct{}, len(eps))
	for _, ep := range eps {
		excluded[ep] = struct{}{}
	}
	return ExcludedSourcesFilter{excluded: excluded}
}

func (f ExcludedSourcesFilter) ShouldInclude(_ *locator.Topology, ep locator.Endpoint) bool {
	_, ok := f.excluded[ep]
	return !ok
}

func (f ExcludedSourcesFilter) String() string {
	return fmt.Sprintf("excluded_sources(%d)", len(f.excluded))
}

// includes runs the chain in order, stopping at the first rejection. It
// returns the rejecting filter, if any.
func includes(filters []SourceFilter, topo *locator.Topology, ep locator.Endpoint) (SourceFilter, bool) {
	for _, f := range filters {
		if !f.ShouldInclude(topo, ep) {
			return f, false
		}
	}
	return nil, true
}
