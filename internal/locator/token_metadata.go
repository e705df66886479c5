// Package locator maps token ranges to the endpoints that replicate them:
// token ownership, datacenter/rack topology, proximity sorting and
// replication strategies.
package locator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/google/btree"
)

// Endpoint identifies a node by its address
type Endpoint string

// String returns the address
func (e Endpoint) String() string { return string(e) }

// SortEndpoints sorts endpoints lexically
func SortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
}

// yieldEvery is how many entries long loops process between cancellation
// checkpoints
const yieldEvery = 256

type tokenEntry struct {
	token    dht.Token
	endpoint Endpoint
}

func lessToken(a, b tokenEntry) bool {
	return a.token < b.token
}

// TokenMetadata tracks which endpoint owns each normal token
type TokenMetadata struct {
	mu             sync.RWMutex
	tokens         *btree.BTreeG[tokenEntry]
	endpointTokens map[Endpoint][]dht.Token
	topology       *Topology
}

// NewTokenMetadata creates an empty token map
func NewTokenMetadata() *TokenMetadata {
	return &TokenMetadata{
		tokens:         btree.NewG(16, lessToken),
		endpointTokens: make(map[Endpoint][]dht.Token),
		topology:       NewTopology(),
	}
}

// Topology returns the datacenter/rack placement of endpoints
func (tm *TokenMetadata) Topology() *Topology {
	return tm.topology
}

// UpdateNormalTokens makes ep the owner of tokens, replacing any tokens it
// owned before. A token owned by another endpoint changes hands.
func (tm *TokenMetadata) UpdateNormalTokens(tokens []dht.Token, ep Endpoint) error {
	if len(tokens) == 0 {
		return fmt.Errorf("endpoint %s has no tokens", ep)
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, t := range tm.endpointTokens[ep] {
		tm.tokens.Delete(tokenEntry{token: t})
	}
	owned := make([]dht.Token, 0, len(tokens))
	for _, t := range tokens {
		if t == dht.MinToken {
			return fmt.Errorf("endpoint %s: token %s is reserved", ep, t)
		}
		if prev, ok := tm.tokens.ReplaceOrInsert(tokenEntry{token: t, endpoint: ep}); ok && prev.endpoint != ep {
			tm.removeTokenLocked(prev.endpoint, t)
		}
		owned = append(owned, t)
	}
	dht.SortTokens(owned)
	tm.endpointTokens[ep] = owned
	return nil
}

func (tm *TokenMetadata) removeTokenLocked(ep Endpoint, t dht.Token) {
	kept := tm.endpointTokens[ep][:0]
	for _, x := range tm.endpointTokens[ep] {
		if x != t {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		delete(tm.endpointTokens, ep)
		return
	}
	tm.endpointTokens[ep] = kept
}

// RemoveEndpoint drops ep and all its tokens
func (tm *TokenMetadata) RemoveEndpoint(ep Endpoint) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, t := range tm.endpointTokens[ep] {
		tm.tokens.Delete(tokenEntry{token: t})
	}
	delete(tm.endpointTokens, ep)
}

// IsMember reports whether ep owns tokens
func (tm *TokenMetadata) IsMember(ep Endpoint) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, ok := tm.endpointTokens[ep]
	return ok
}

// Tokens returns the sorted tokens of ep
func (tm *TokenMetadata) Tokens(ep Endpoint) []dht.Token {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return append([]dht.Token(nil), tm.endpointTokens[ep]...)
}

// TokenOwner returns the endpoint owning t
func (tm *TokenMetadata) TokenOwner(t dht.Token) (Endpoint, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	e, ok := tm.tokens.Get(tokenEntry{token: t})
	return e.endpoint, ok
}

// SortedTokens returns all tokens in ring order
func (tm *TokenMetadata) SortedTokens() []dht.Token {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]dht.Token, 0, tm.tokens.Len())
	tm.tokens.Ascend(func(e tokenEntry) bool {
		out = append(out, e.token)
		return true
	})
	return out
}

// Endpoints returns the members in lexical order
func (tm *TokenMetadata) Endpoints() []Endpoint {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]Endpoint, 0, len(tm.endpointTokens))
	for ep := range tm.endpointTokens {
		out = append(out, ep)
	}
	SortEndpoints(out)
	return out
}

// NodeCount returns the number of endpoints owning tokens
func (tm *TokenMetadata) NodeCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.endpointTokens)
}

// RingWalk calls fn for every token owner starting at the first token >= t
// and wrapping once around the ring, until fn returns false.
func (tm *TokenMetadata) RingWalk(t dht.Token, fn func(token dht.Token, ep Endpoint) bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	stopped := false
	tm.tokens.AscendGreaterOrEqual(tokenEntry{token: t}, func(e tokenEntry) bool {
		if !fn(e.token, e.endpoint) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return
	}
	tm.tokens.AscendLessThan(tokenEntry{token: t}, func(e tokenEntry) bool {
		return fn(e.token, e.endpoint)
	})
}

// FirstToken returns the first token >= t, wrapping to the smallest token
func (tm *TokenMetadata) FirstToken(t dht.Token) (dht.Token, bool) {
	var first dht.Token
	found := false
	tm.RingWalk(t, func(token dht.Token, _ Endpoint) bool {
		first, found = token, true
		return false
	})
	return first, found
}

// PrimaryRangeFor returns (previous token, t] for an owned token t
func (tm *TokenMetadata) PrimaryRangeFor(t dht.Token) dht.TokenRange {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	prev := t
	found := false
	tm.tokens.DescendLessOrEqual(tokenEntry{token: t - 1}, func(e tokenEntry) bool {
		prev, found = e.token, true
		return false
	})
	if !found {
		if last, ok := tm.tokens.Max(); ok {
			prev = last.token
		}
	}
	return dht.NewTokenRange(prev, t)
}

// PrimaryRangesFor returns the primary ranges of the given tokens
func (tm *TokenMetadata) PrimaryRangesFor(tokens []dht.Token) []dht.TokenRange {
	out := make([]dht.TokenRange, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tm.PrimaryRangeFor(t))
	}
	return out
}

// CloneOnlyTokenMap copies the token ownership and topology. The copy is
// independent of tm. Cloning checks ctx periodically so that cloning a large
// ring can be cancelled.
func (tm *TokenMetadata) CloneOnlyTokenMap(ctx context.Context) (*TokenMetadata, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	clone := &TokenMetadata{
		tokens:         tm.tokens.Clone(),
		endpointTokens: make(map[Endpoint][]dht.Token, len(tm.endpointTokens)),
	}
	i := 0
	for ep, tokens := range tm.endpointTokens {
		if i%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("failed to clone token map: %w", err)
			}
		}
		clone.endpointTokens[ep] = append([]dht.Token(nil), tokens...)
		i++
	}
	topo, err := tm.topology.Clone(ctx)
	if err != nil {
		return nil, err
	}
	clone.topology = topo
	return clone, nil
}

// ClearGently empties the map in batches, checking ctx between them
func (tm *TokenMetadata) ClearGently(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	i := 0
	for ep := range tm.endpointTokens {
		if i%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		delete(tm.endpointTokens, ep)
		i++
	}
	tm.tokens.Clear(false)
	return nil
}
