package rangestream

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"go.uber.org/zap"
)

// Mode selects how candidate sources are resolved
type Mode int

const (
	// ModeNormal takes every replica of a containing ring range
	ModeNormal Mode = iota
	// ModeStrict takes only the replica that stops owning the range once
	// the local tokens join the ring
	ModeStrict
)

func (m Mode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "normal"
}

// checkpointEvery bounds how many ring ranges are scanned between
// cancellation checks
const checkpointEvery = 256

// RangeSources maps each desired range to its candidate sources, best first
type RangeSources map[dht.TokenRange][]locator.Endpoint

// Ranges returns the keys in ring order
func (rs RangeSources) Ranges() []dht.TokenRange {
	out := make([]dht.TokenRange, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	dht.SortRanges(out)
	return out
}

// UseStrictSourcesForRanges reports whether keyspace qualifies for strict
// resolution: consistent range movement is on, the local node brings
// tokens, the strategy is not everywhere and the ring already holds at
// least RF nodes.
func (s *RangeStreamer) UseStrictSourcesForRanges(keyspace string) (bool, error) {
	ks, err := s.catalog.FindKeyspace(keyspace)
	if err != nil {
		return false, err
	}
	erm := ks.EffectiveReplicationMap()
	rf := erm.ReplicationFactor()
	nodes := s.catalog.TokenMetadata().NodeCount()
	everywhere := ks.Strategy().Kind() == locator.EverywhereStrategyKind

	strict := s.cfg.ConsistentRangeMovement &&
		len(s.cfg.Tokens) > 0 &&
		!everywhere &&
		nodes >= rf

	s.logger.Debug("Resolved strict source eligibility",
		zap.String("keyspace", keyspace),
		zap.Int("nr_nodes_in_ring", nodes),
		zap.Int("rf", rf),
		zap.Bool("strict", strict))
	return strict, nil
}

// Resolve finds candidate sources for each desired range of keyspace
func (s *RangeStreamer) Resolve(ctx context.Context, keyspace string, desired []dht.TokenRange, mode Mode) (RangeSources, error) {
	ks, err := s.catalog.FindKeyspace(keyspace)
	if err != nil {
		return nil, err
	}
	if mode == ModeStrict {
		return s.strictSources(ctx, ks, desired)
	}
	return s.sources(ctx, ks, desired)
}

func (s *RangeStreamer) sources(ctx context.Context, ks *catalog.Keyspace, desired []dht.TokenRange) (RangeSources, error) {
	rangeAddresses, err := ks.EffectiveReplicationMap().RangeAddresses(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Resolving sources",
		zap.String("keyspace", ks.Name()),
		zap.Int("desired_ranges", len(desired)),
		zap.Int("range_addresses", len(rangeAddresses)))

	out := make(RangeSources, len(desired))
	scanned := 0
	for _, want := range desired {
		found := false
		for _, rr := range rangeAddresses {
			if err := checkpoint(ctx, &scanned); err != nil {
				return nil, err
			}
			if !rr.Range.Contains(want) {
				continue
			}
			out[want] = append(out[want], s.snitch.SortByProximity(s.cfg.Self, rr.Endpoints)...)
			found = true
		}
		if !found {
			return nil, errors.NoSourcesFor(ks.Name(), want.String())
		}
	}
	return out, nil
}

func (s *RangeStreamer) strictSources(ctx context.Context, ks *catalog.Keyspace, desired []dht.TokenRange) (RangeSources, error) {
	if len(s.cfg.Tokens) == 0 {
		return nil, errors.InvalidArgument("strict source resolution needs local tokens", nil)
	}
	erm := ks.EffectiveReplicationMap()
	rf := erm.ReplicationFactor()

	clone, err := s.catalog.TokenMetadata().CloneOnlyTokenMap(ctx)
	if err != nil {
		return nil, err
	}
	active, err := erm.RangeAddressesFor(ctx, clone)
	if err != nil {
		return nil, err
	}
	if err := clone.UpdateNormalTokens(s.cfg.Tokens, s.cfg.Self); err != nil {
		return nil, errors.InvalidArgument("failed to apply local tokens to pending view", err)
	}
	pendingList, err := erm.RangeAddressesFor(ctx, clone)
	if err != nil {
		return nil, err
	}
	if err := clone.ClearGently(ctx); err != nil {
		return nil, err
	}
	pending := locator.ByRange(pendingList)

	s.logger.Debug("Resolving strict sources",
		zap.String("keyspace", ks.Name()),
		zap.Int("desired_ranges", len(desired)),
		zap.Int("range_addresses", len(active)))

	out := make(RangeSources, len(desired))
	scanned := 0
	for _, want := range desired {
		for _, rr := range active {
			if err := checkpoint(ctx, &scanned); err != nil {
				return nil, err
			}
			if !rr.Range.Contains(want) {
				continue
			}
			newEndpoints, ok := pending[want]
			if !ok {
				return nil, errors.MissingPendingRange(ks.Name(), want.String())
			}
			old := rr.Endpoints
			// RF may exceed the number of endpoints, only be strict when
			// they match
			if len(old) == rf {
				old = subtract(old, newEndpoints)
				if len(old) != 1 {
					return nil, errors.ReplicationMismatch(ks.Name(), want.String(), len(old))
				}
			}
			if len(old) == 0 {
				return nil, errors.ReplicationMismatch(ks.Name(), want.String(), 0)
			}
			out[want] = append(out[want], old[0])
		}

		found := out[want]
		switch {
		case len(found) == 0:
			return nil, errors.NoSourcesFor(ks.Name(), want.String())
		case len(found) != 1:
			return nil, errors.AmbiguousSources(ks.Name(), want.String(), len(found))
		}
		if s.detector != nil && s.detector.IsEnabled() && !s.detector.IsAlive(found[0]) {
			return nil, errors.SourceDown(ks.Name(), want.String(), found[0].String())
		}
	}
	return out, nil
}

func subtract(eps, remove []locator.Endpoint) []locator.Endpoint {
	drop := make(map[locator.Endpoint]struct{}, len(remove))
	for _, ep := range remove {
		drop[ep] = struct{}{}
	}
	var out []locator.Endpoint
	for _, ep := range eps {
		if _, ok := drop[ep]; !ok {
			out = append(out, ep)
		}
	}
	return out
}

func checkpoint(ctx context.Context, n *int) error {
	*n++
	if *n%checkpointEvery != 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("source resolution interrupted: %w", err)
	}
	return nil
}
