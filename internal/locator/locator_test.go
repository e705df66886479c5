package locator

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeNodeRing(t *testing.T) *TokenMetadata {
	t.Helper()
	tm := NewTokenMetadata()
	require.NoError(t, tm.UpdateNormalTokens([]dht.Token{100}, "A"))
	require.NoError(t, tm.UpdateNormalTokens([]dht.Token{200}, "B"))
	require.NoError(t, tm.UpdateNormalTokens([]dht.Token{300}, "C"))
	return tm
}

func TestTokenMetadata_UpdateNormalTokens(t *testing.T) {
	tm := threeNodeRing(t)

	assert.Equal(t, []dht.Token{100, 200, 300}, tm.SortedTokens())
	assert.Equal(t, []Endpoint{"A", "B", "C"}, tm.Endpoints())

	// moving A replaces its old token
	require.NoError(t, tm.UpdateNormalTokens([]dht.Token{250}, "A"))
	assert.Equal(t, []dht.Token{200, 250, 300}, tm.SortedTokens())

	// taking over a token owned by someone else
	require.NoError(t, tm.UpdateNormalTokens([]dht.Token{300}, "D"))
	owner, ok := tm.TokenOwner(300)
	require.True(t, ok)
	assert.Equal(t, Endpoint("D"), owner)
	assert.False(t, tm.IsMember("C"))

	assert.Error(t, tm.UpdateNormalTokens(nil, "E"))
	assert.Error(t, tm.UpdateNormalTokens([]dht.Token{dht.MinToken}, "E"))
}

func TestTokenMetadata_PrimaryRangeAndWalk(t *testing.T) {
	tm := threeNodeRing(t)

	assert.Equal(t, dht.NewTokenRange(300, 100), tm.PrimaryRangeFor(100))
	assert.Equal(t, dht.NewTokenRange(100, 200), tm.PrimaryRangeFor(200))

	first, ok := tm.FirstToken(301)
	require.True(t, ok)
	assert.Equal(t, dht.Token(100), first)

	var visited []Endpoint
	tm.RingWalk(150, func(_ dht.Token, ep Endpoint) bool {
		visited = append(visited, ep)
		return true
	})
	assert.Equal(t, []Endpoint{"B", "C", "A"}, visited)
}

func TestTokenMetadata_CloneIsIndependent(t *testing.T) {
	tm := threeNodeRing(t)
	tm.Topology().Add("A", Location{Datacenter: "dc1", Rack: "r1"})

	clone, err := tm.CloneOnlyTokenMap(context.Background())
	require.NoError(t, err)
	require.NoError(t, clone.UpdateNormalTokens([]dht.Token{150}, "D"))
	clone.Topology().Add("D", Location{Datacenter: "dc1", Rack: "r2"})

	assert.Len(t, tm.SortedTokens(), 3)
	assert.Len(t, clone.SortedTokens(), 4)
	assert.False(t, tm.Topology().Has("D"))
	assert.Equal(t, "r1", clone.Topology().Location("A").Rack)

	require.NoError(t, clone.ClearGently(context.Background()))
	assert.Zero(t, clone.NodeCount())
	assert.Empty(t, clone.SortedTokens())
	assert.Equal(t, 3, tm.NodeCount())
}

func TestTokenMetadata_CloneHonoursCancellation(t *testing.T) {
	tm := threeNodeRing(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tm.CloneOnlyTokenMap(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimpleStrategy_RangeAddresses(t *testing.T) {
	tm := threeNodeRing(t)
	erm := NewEffectiveReplicationMap(&SimpleStrategy{RF: 2}, tm)
	assert.Equal(t, 2, erm.ReplicationFactor())

	rrs, err := erm.RangeAddresses(context.Background())
	require.NoError(t, err)
	byRange := ByRange(rrs)
	assert.Equal(t, []Endpoint{"A", "B"}, byRange[dht.NewTokenRange(300, 100)])
	assert.Equal(t, []Endpoint{"B", "C"}, byRange[dht.NewTokenRange(100, 200)])
	assert.Equal(t, []Endpoint{"C", "A"}, byRange[dht.NewTokenRange(200, 300)])

	ranges, err := erm.RangesFor(context.Background(), "A")
	require.NoError(t, err)
	assert.ElementsMatch(t, []dht.TokenRange{dht.NewTokenRange(300, 100), dht.NewTokenRange(200, 300)}, ranges)
}

func TestNetworkTopologyStrategy_SpreadsRacks(t *testing.T) {
	tm := NewTokenMetadata()
	nodes := []struct {
		ep    Endpoint
		token dht.Token
		loc   Location
	}{
		{"a1", 100, Location{"dc1", "r1"}},
		{"a2", 200, Location{"dc1", "r1"}},
		{"a3", 300, Location{"dc1", "r2"}},
		{"b1", 400, Location{"dc2", "r1"}},
		{"b2", 500, Location{"dc2", "r1"}},
	}
	for _, n := range nodes {
		require.NoError(t, tm.UpdateNormalTokens([]dht.Token{n.token}, n.ep))
		tm.Topology().Add(n.ep, n.loc)
	}

	s := &NetworkTopologyStrategy{DatacenterRF: map[string]int{"dc1": 2, "dc2": 1}}
	assert.Equal(t, 3, s.ReplicationFactor(tm))

	// walking from 100: a1 (r1), a2 skipped for rack r1, a3 (r2), b1
	replicas := s.NaturalEndpoints(100, tm)
	assert.Equal(t, []Endpoint{"a1", "a3", "b1"}, replicas)
}

func TestEverywhereAndLocalStrategy(t *testing.T) {
	tm := threeNodeRing(t)

	everywhere, err := NewStrategy(StrategyOptions{Class: "EverywhereStrategy"})
	require.NoError(t, err)
	assert.Equal(t, 3, everywhere.ReplicationFactor(tm))
	assert.Len(t, everywhere.NaturalEndpoints(150, tm), 3)

	local, err := NewStrategy(StrategyOptions{Class: "LocalStrategy", Self: "B"})
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{"B"}, local.NaturalEndpoints(150, tm))

	_, err = NewStrategy(StrategyOptions{Class: "SimpleStrategy"})
	assert.Error(t, err)
	_, err = NewStrategy(StrategyOptions{Class: "Bogus"})
	assert.Error(t, err)
}

func TestSnitch_SortByProximity(t *testing.T) {
	topo := NewTopology()
	topo.Add("self", Location{"dc1", "r1"})
	topo.Add("same-rack", Location{"dc1", "r1"})
	topo.Add("same-dc", Location{"dc1", "r2"})
	topo.Add("remote", Location{"dc2", "r1"})

	snitch := NewTopologySnitch(topo)
	sorted := snitch.SortByProximity("self", []Endpoint{"remote", "same-dc", "self", "same-rack"})
	assert.Equal(t, []Endpoint{"self", "same-rack", "same-dc", "remote"}, sorted)

	simple := SimpleSnitch{}
	assert.Equal(t, []Endpoint{"self", "b", "a"}, simple.SortByProximity("self", []Endpoint{"b", "self", "a"}))

	ri := RackInferringSnitch{}
	assert.Equal(t, "2", ri.Datacenter("10.2.3.4:7000"))
	assert.Equal(t, "3", ri.Rack("10.2.3.4"))
	assert.Equal(t, DefaultDatacenter, ri.Datacenter("node-a"))
	near := ri.SortByProximity("10.1.1.1", []Endpoint{"10.2.1.1", "10.1.2.1", "10.1.1.2"})
	assert.Equal(t, []Endpoint{"10.1.1.2", "10.1.2.1", "10.2.1.1"}, near)
}
