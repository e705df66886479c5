package locator

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/streamer/internal/dht"
)

// RangeReplicas pairs a ring range with the endpoints replicating it
type RangeReplicas struct {
	Range     dht.TokenRange
	Endpoints []Endpoint
}

// EffectiveReplicationMap is a strategy applied to one token map snapshot
type EffectiveReplicationMap struct {
	strategy Strategy
	tm       *TokenMetadata
}

// NewEffectiveReplicationMap applies strategy to tm
func NewEffectiveReplicationMap(strategy Strategy, tm *TokenMetadata) *EffectiveReplicationMap {
	return &EffectiveReplicationMap{strategy: strategy, tm: tm}
}

// Strategy returns the replication strategy
func (e *EffectiveReplicationMap) Strategy() Strategy { return e.strategy }

// TokenMetadata returns the token map the replication is computed over
func (e *EffectiveReplicationMap) TokenMetadata() *TokenMetadata { return e.tm }

// ReplicationFactor returns the configured replica count
func (e *EffectiveReplicationMap) ReplicationFactor() int {
	return e.strategy.ReplicationFactor(e.tm)
}

// NaturalEndpoints returns the replicas of the range containing t
func (e *EffectiveReplicationMap) NaturalEndpoints(t dht.Token) []Endpoint {
	return e.strategy.NaturalEndpoints(t, e.tm)
}

// RangeAddresses returns every ring range with its replicas, in ring order
func (e *EffectiveReplicationMap) RangeAddresses(ctx context.Context) ([]RangeReplicas, error) {
	return rangeAddresses(ctx, e.strategy, e.tm)
}

// RangeAddressesFor computes range replicas over an arbitrary token map,
// typically a clone with pending changes applied
func (e *EffectiveReplicationMap) RangeAddressesFor(ctx context.Context, tm *TokenMetadata) ([]RangeReplicas, error) {
	return rangeAddresses(ctx, e.strategy, tm)
}

func rangeAddresses(ctx context.Context, strategy Strategy, tm *TokenMetadata) ([]RangeReplicas, error) {
	ranges := dht.RangesForTokens(tm.SortedTokens())
	out := make([]RangeReplicas, 0, len(ranges))
	for i, r := range ranges {
		if i%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("failed to compute range addresses: %w", err)
			}
		}
		out = append(out, RangeReplicas{Range: r, Endpoints: strategy.NaturalEndpoints(r.End, tm)})
	}
	return out, nil
}

// RangesFor returns the ring ranges replicated on ep
func (e *EffectiveReplicationMap) RangesFor(ctx context.Context, ep Endpoint) ([]dht.TokenRange, error) {
	all, err := e.RangeAddresses(ctx)
	if err != nil {
		return nil, err
	}
	var out []dht.TokenRange
	for _, rr := range all {
		for _, r := range rr.Endpoints {
			if r == ep {
				out = append(out, rr.Range)
				break
			}
		}
	}
	return out, nil
}

// ByRange indexes range replicas by range
func ByRange(rrs []RangeReplicas) map[dht.TokenRange][]Endpoint {
	out := make(map[dht.TokenRange][]Endpoint, len(rrs))
	for _, rr := range rrs {
		out[rr.Range] = rr.Endpoints
	}
	return out
}
