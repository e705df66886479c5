package node

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/rangestream"
	"go.uber.org/zap"
)

// KeyspacePlan is the per-peer range assignment of one keyspace
type KeyspacePlan struct {
	Keyspace  string
	Direction rangestream.Direction
	Fetch     rangestream.FetchMap
}

func (o *Operator) snitch() locator.Snitch {
	if o.deps.Snitch == nil {
		return locator.SimpleSnitch{}
	}
	return o.deps.Snitch
}

// plan computes the fetch or transfer map of every keyspace req touches.
// Keyspaces with nothing to move are left out.
func (o *Operator) plan(ctx context.Context, s *rangestream.RangeStreamer, req Request) ([]KeyspacePlan, error) {
	if req.Operation != OpDecommission && o.deps.Detector != nil && o.deps.Detector.IsEnabled() {
		s.AddSourceFilter(rangestream.FailureDetectorFilter{Detector: o.deps.Detector})
	}
	switch req.Operation {
	case OpReplace, OpRemoveNode:
		s.AddSourceFilter(rangestream.NewExcludedSourcesFilter(req.Target))
	case OpRebuild:
		if req.SourceDC != "" {
			s.AddSourceFilter(rangestream.SingleDatacenterFilter{Datacenter: req.SourceDC})
		}
	}

	keyspaces := o.deps.Catalog.NonLocalKeyspaces()
	if req.Operation == OpResync {
		keyspaces = []string{req.Keyspace}
	}

	var out []KeyspacePlan
	for _, name := range keyspaces {
		ks, err := o.deps.Catalog.FindKeyspace(name)
		if err != nil {
			return nil, err
		}
		p := KeyspacePlan{Keyspace: name, Direction: rangestream.DirectionReceiving}
		switch req.Operation {
		case OpBootstrap:
			p.Fetch, err = o.planBootstrap(ctx, s, ks, req.Tokens)
		case OpReplace:
			p.Fetch, err = o.planOwned(ctx, s, ks, req.Target, true)
		case OpRebuild:
			p.Fetch, err = o.planOwned(ctx, s, ks, o.cfg.Self, false)
		case OpResync:
			p.Fetch, err = s.FetchMapFor(ctx, name, req.Ranges, false)
		case OpRemoveNode:
			p.Fetch, err = o.planRemoveNode(ctx, s, ks, req.Target)
		case OpDecommission:
			p.Direction = rangestream.DirectionSending
			p.Fetch, err = o.planDecommission(ctx, ks)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to plan %s of keyspace %s: %w", req.Operation, name, err)
		}
		if p.Fetch.RangeCount() == 0 {
			o.logger.Debug("Nothing to stream for keyspace",
				zap.String("keyspace", name),
				zap.String("operation", string(req.Operation)))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// planBootstrap fetches the ranges the node replicates once tokens join
// the ring
func (o *Operator) planBootstrap(ctx context.Context, s *rangestream.RangeStreamer, ks *catalog.Keyspace, tokens []dht.Token) (rangestream.FetchMap, error) {
	erm := ks.EffectiveReplicationMap()
	pendingTM, err := erm.TokenMetadata().CloneOnlyTokenMap(ctx)
	if err != nil {
		return nil, err
	}
	if err := pendingTM.UpdateNormalTokens(tokens, o.cfg.Self); err != nil {
		return nil, err
	}
	pending, err := erm.RangeAddressesFor(ctx, pendingTM)
	if err != nil {
		return nil, err
	}
	if err := pendingTM.ClearGently(ctx); err != nil {
		return nil, err
	}
	var desired []dht.TokenRange
	for _, rr := range pending {
		if contains(rr.Endpoints, o.cfg.Self) {
			desired = append(desired, rr.Range)
		}
	}
	return s.FetchMapFor(ctx, ks.Name(), desired, false)
}

// planOwned fetches every range owner currently replicates
func (o *Operator) planOwned(ctx context.Context, s *rangestream.RangeStreamer, ks *catalog.Keyspace, owner locator.Endpoint, replacing bool) (rangestream.FetchMap, error) {
	desired, err := ks.EffectiveReplicationMap().RangesFor(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s.FetchMapFor(ctx, ks.Name(), desired, replacing)
}

// planRemoveNode fetches the ranges of removed that this node replicates
// once removed leaves the ring. The remaining old replicas are the
// candidates.
func (o *Operator) planRemoveNode(ctx context.Context, s *rangestream.RangeStreamer, ks *catalog.Keyspace, removed locator.Endpoint) (rangestream.FetchMap, error) {
	erm := ks.EffectiveReplicationMap()
	current, after, err := o.withoutEndpoint(ctx, erm, removed)
	if err != nil {
		return nil, err
	}
	sources := make(rangestream.RangeSources)
	for _, rr := range current {
		if !contains(rr.Endpoints, removed) || contains(rr.Endpoints, o.cfg.Self) {
			continue
		}
		if !contains(after(rr.Range), o.cfg.Self) {
			continue
		}
		candidates := make([]locator.Endpoint, 0, len(rr.Endpoints))
		for _, ep := range rr.Endpoints {
			if ep != removed {
				candidates = append(candidates, ep)
			}
		}
		sources[rr.Range] = o.snitch().SortByProximity(o.cfg.Self, candidates)
	}
	return s.BuildFetchMap(ks.Name(), sources)
}

// planDecommission assigns every range this node replicates to the
// replicas that gain it when the node leaves
func (o *Operator) planDecommission(ctx context.Context, ks *catalog.Keyspace) (rangestream.FetchMap, error) {
	current, after, err := o.withoutEndpoint(ctx, ks.EffectiveReplicationMap(), o.cfg.Self)
	if err != nil {
		return nil, err
	}
	fetch := make(rangestream.FetchMap)
	for _, rr := range current {
		if !contains(rr.Endpoints, o.cfg.Self) {
			continue
		}
		targets := 0
		for _, ep := range after(rr.Range) {
			if !contains(rr.Endpoints, ep) {
				fetch[ep] = append(fetch[ep], rr.Range)
				targets++
			}
		}
		if targets == 0 {
			o.logger.Warn("No new replica for range",
				zap.String("keyspace", ks.Name()),
				zap.Stringer("range", rr.Range))
		}
	}
	return fetch, nil
}

// withoutEndpoint returns the current range replicas and a lookup of the
// replicas of a current range after ep leaves the ring
func (o *Operator) withoutEndpoint(ctx context.Context, erm *locator.EffectiveReplicationMap, ep locator.Endpoint) ([]locator.RangeReplicas, func(dht.TokenRange) []locator.Endpoint, error) {
	current, err := erm.RangeAddresses(ctx)
	if err != nil {
		return nil, nil, err
	}
	afterTM, err := erm.TokenMetadata().CloneOnlyTokenMap(ctx)
	if err != nil {
		return nil, nil, err
	}
	afterTM.RemoveEndpoint(ep)
	strategy := erm.Strategy()
	// a current range lies inside one range of the smaller ring, the one
	// containing its end token
	after := func(r dht.TokenRange) []locator.Endpoint {
		if afterTM.NodeCount() == 0 {
			return nil
		}
		return strategy.NaturalEndpoints(r.End, afterTM)
	}
	return current, after, nil
}

func contains(eps []locator.Endpoint, ep locator.Endpoint) bool {
	for _, e := range eps {
		if e == ep {
			return true
		}
	}
	return false
}
