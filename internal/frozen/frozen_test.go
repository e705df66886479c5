package frozen

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/mutation"
	"github.com/devrev/pairdb/streamer/internal/mutation/mutationtest"
	"github.com/devrev/pairdb/streamer/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeze_RoundTrip(t *testing.T) {
	s := mutationtest.Schema("ks", "t")

	tests := []struct {
		name string
		opts mutationtest.Options
	}{
		{"empty partition", mutationtest.Options{}},
		{"partition tombstone only", mutationtest.Options{PartitionTombstone: true}},
		{"static only", mutationtest.Options{Static: true}},
		{"rows", mutationtest.Options{Rows: 20}},
		{"everything", mutationtest.Options{Rows: 50, RangeTombstones: 5, PartitionTombstone: true, Static: true}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mutationtest.Mutation(s, "pk-"+tt.name, int64(i), tt.opts)

			fm := Freeze(m)
			assert.True(t, m.Key().Equal(fm.Key()))
			assert.Equal(t, s.Version(), fm.SchemaVersion())
			assert.Equal(t, s.ID(), fm.TableID())

			out, err := fm.Unfreeze(s)
			require.NoError(t, err)
			assert.True(t, m.Equal(out), "unfrozen mutation differs from original")

			wire, err := FromBytes(append([]byte(nil), fm.Bytes()...))
			require.NoError(t, err)
			assert.True(t, m.Key().Equal(wire.Key()))
			out, err = wire.Unfreeze(s)
			require.NoError(t, err)
			assert.True(t, m.Equal(out))
		})
	}
}

func TestUnfreeze_SchemaMismatch(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	evolved := schema.NewBuilder("ks", "t").
		WithColumn("pk", schema.BytesType, schema.PartitionKeyColumn).
		WithColumn("ck", schema.BytesType, schema.ClusteringKeyColumn).
		WithColumn("s1", schema.TextType, schema.StaticColumn).
		WithRegularColumn("v1", schema.TextType).
		WithRegularColumn("v2", schema.Int64Type).
		WithRegularColumn("v3", schema.TextType).
		MustBuild()
	require.NotEqual(t, s.Version(), evolved.Version())

	fm := Freeze(mutationtest.Mutation(s, "pk", 1, mutationtest.Options{Rows: 3}))

	_, err := fm.Unfreeze(evolved)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSchemaMismatch))
	assert.Contains(t, err.Error(), "ks.t")

	_, err = fm.Consume(evolved, ConsumerFunc(func(Event) StopIteration { return Continue }))
	assert.True(t, stderrors.Is(err, errors.ErrSchemaMismatch))
}

func TestUnfreezeUpgrading(t *testing.T) {
	old := mutationtest.Schema("ks", "t")
	// v1 dropped, so v2 moves to id 0 and a new column takes id 1
	upgraded := schema.NewBuilder("ks", "t").
		WithColumn("pk", schema.BytesType, schema.PartitionKeyColumn).
		WithColumn("ck", schema.BytesType, schema.ClusteringKeyColumn).
		WithColumn("s1", schema.TextType, schema.StaticColumn).
		WithRegularColumn("v2", schema.Int64Type).
		WithRegularColumn("added", schema.TextType).
		WithoutColumn("v1", 10).
		MustBuild()

	m := mutation.New(old, dht.Decorate(dht.DefaultPartitioner, []byte("pk")))
	m.SetStaticCell(0, mutation.LiveCell([]byte("s"), 1))
	m.SetCell(mutationtest.Key(0), 0, mutation.LiveCell([]byte("v1"), 1))
	m.SetCell(mutationtest.Key(0), 1, mutation.LiveCell([]byte("v2"), 1))

	fm := Freeze(m)
	_, err := fm.Unfreeze(upgraded)
	require.Error(t, err)

	out, err := fm.UnfreezeUpgrading(upgraded, old.ColumnMapping())
	require.NoError(t, err)
	require.Len(t, out.Rows(), 1)

	v2, ok := upgraded.ColumnByName("v2")
	require.True(t, ok)
	assert.Equal(t, schema.ColumnID(0), v2.ID)
	row := out.Rows()[0].Cells
	assert.Len(t, row, 1)
	assert.Equal(t, []byte("v2"), row[v2.ID].Value)
	assert.Equal(t, []byte("s"), out.StaticRow()[0].Value)
}

func TestFromBytes_Corrupted(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	fm := Freeze(mutationtest.Mutation(s, "pk", 1, mutationtest.Options{Rows: 3}))

	buf := append([]byte(nil), fm.Bytes()...)
	buf[len(buf)/2] ^= 0xFF

	_, err := FromBytes(buf)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCorruptedData))

	_, err = FromBytes([]byte{1, 2})
	assert.True(t, stderrors.Is(err, errors.ErrCorruptedData))
}

type recordingConsumer struct {
	kinds  []EventKind
	stopAt EventKind
	stopN  int
	seen   int
}

func (c *recordingConsumer) Consume(ev Event) StopIteration {
	c.kinds = append(c.kinds, ev.Kind)
	if ev.Kind == c.stopAt {
		c.seen++
		if c.seen == c.stopN {
			return Stop
		}
	}
	return Continue
}

func count(kinds []EventKind, k EventKind) int {
	n := 0
	for _, x := range kinds {
		if x == k {
			n++
		}
	}
	return n
}

func TestConsume_EventOrder(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	m := mutationtest.Mutation(s, "pk", 3, mutationtest.Options{Rows: 4, PartitionTombstone: true, Static: true})
	m.AddRangeTombstone(mutation.RangeTombstone{
		Start:     mutation.ClusteringBound{Prefix: mutationtest.Key(1), Inclusive: true},
		End:       mutation.ClusteringBound{Prefix: mutationtest.Key(2), Inclusive: true},
		Tombstone: mutation.Tombstone{Timestamp: 5, DeletionTime: 5},
	})

	c := &recordingConsumer{stopAt: -1}
	stopped, err := Freeze(m).Consume(s, c)
	require.NoError(t, err)
	assert.False(t, bool(stopped))
	assert.Equal(t, []EventKind{
		PartitionStartEvent,
		PartitionTombstoneEvent,
		StaticRowEvent,
		ClusteringRowEvent,
		RangeTombstoneChangeEvent,
		ClusteringRowEvent,
		ClusteringRowEvent,
		RangeTombstoneChangeEvent,
		ClusteringRowEvent,
		PartitionEndEvent,
		EndOfStreamEvent,
	}, c.kinds)
}

func TestConsume_EarlyStopStillEnds(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	m := mutationtest.Mutation(s, "pk", 4, mutationtest.Options{Rows: 10, Static: true})
	fm := Freeze(m)

	tests := []struct {
		name   string
		stopAt EventKind
		stopN  int
		rows   int
	}{
		{"stop at partition start", PartitionStartEvent, 1, 0},
		{"stop at static row", StaticRowEvent, 1, 0},
		{"stop after third row", ClusteringRowEvent, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &recordingConsumer{stopAt: tt.stopAt, stopN: tt.stopN}
			stopped, err := fm.Consume(s, c)
			require.NoError(t, err)
			assert.True(t, bool(stopped))
			assert.Equal(t, tt.rows, count(c.kinds, ClusteringRowEvent))
			assert.Equal(t, 1, count(c.kinds, PartitionEndEvent))
			assert.Equal(t, 1, count(c.kinds, EndOfStreamEvent))
			assert.Equal(t, EndOfStreamEvent, c.kinds[len(c.kinds)-1])
		})
	}
}

func TestConsume_RebuildsMutation(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	m := mutationtest.Mutation(s, "pk", 9, mutationtest.Options{Rows: 30, RangeTombstones: 4, PartitionTombstone: true, Static: true})

	var out *mutation.Mutation
	var changes []mutation.RangeTombstoneChange
	_, err := Freeze(m).Consume(s, ConsumerFunc(func(ev Event) StopIteration {
		switch ev.Kind {
		case PartitionStartEvent:
			out = mutation.New(s, ev.Key)
		case PartitionTombstoneEvent:
			out.DeletePartition(ev.Tombstone)
		case StaticRowEvent:
			for id, c := range ev.Static {
				out.SetStaticCell(id, c)
			}
		case ClusteringRowEvent:
			out.ApplyRow(ev.Row)
		case RangeTombstoneChangeEvent:
			changes = append(changes, ev.Change)
		case PartitionEndEvent:
			for _, rt := range mutation.FromChanges(changes) {
				out.AddRangeTombstone(rt)
			}
		}
		return Continue
	}))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, m.Equal(out))
}

func collectFragments(t *testing.T, s *schema.Schema, muts []*mutation.Mutation, limit int) ([]FrozenMutation, []bool) {
	t.Helper()
	var frozen []FrozenMutation
	var flags []bool
	err := FragmentAndFreeze(context.Background(), mutation.FromMutations(s, muts), limit,
		func(fm FrozenMutation, fragmented bool) (bool, error) {
			frozen = append(frozen, fm)
			flags = append(flags, fragmented)
			return false, nil
		})
	require.NoError(t, err)
	return frozen, flags
}

func TestFragmentAndFreeze_Lossless(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	opts := mutationtest.Options{Rows: 40, ValueSize: 64, RangeTombstones: 6, PartitionTombstone: true, Static: true}

	for _, limit := range []int{1, 256, 1024, DefaultFragmentSize} {
		m := mutationtest.Mutation(s, "pk", int64(limit), opts)
		frozen, flags := collectFragments(t, s, []*mutation.Mutation{m}, limit)
		require.NotEmpty(t, frozen)

		rebuilt := mutation.New(s, m.Key())
		for _, fm := range frozen {
			assert.True(t, m.Key().Equal(fm.Key()))
			part, err := fm.Unfreeze(s)
			require.NoError(t, err)
			require.NoError(t, rebuilt.Apply(part))
		}
		assert.True(t, m.Equal(rebuilt), "limit %d", limit)

		if limit == DefaultFragmentSize {
			assert.Len(t, frozen, 1)
			assert.False(t, flags[0])
		} else {
			assert.Greater(t, len(frozen), 1)
			for _, f := range flags {
				assert.True(t, f)
			}
		}
	}
}

func TestFragmentAndFreeze_OneRowPerFragment(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	m := mutationtest.Mutation(s, "pk", 2, mutationtest.Options{Rows: 5})

	frozen, _ := collectFragments(t, s, []*mutation.Mutation{m}, 1)
	require.Len(t, frozen, 5)
	for _, fm := range frozen {
		part, err := fm.Unfreeze(s)
		require.NoError(t, err)
		assert.Len(t, part.Rows(), 1)
	}
}

func TestFragmentAndFreeze_MultiplePartitionsAndStop(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	var muts []*mutation.Mutation
	for i, k := range []string{"a", "b", "c"} {
		muts = append(muts, mutationtest.Mutation(s, k, int64(i), mutationtest.Options{Rows: 2}))
	}

	frozen, flags := collectFragments(t, s, muts, DefaultFragmentSize)
	require.Len(t, frozen, 3)
	assert.Equal(t, []bool{false, false, false}, flags)
	for i := 1; i < len(frozen); i++ {
		assert.Negative(t, frozen[i-1].Key().Compare(frozen[i].Key()))
	}

	calls := 0
	err := FragmentAndFreeze(context.Background(), mutation.FromMutations(s, muts), DefaultFragmentSize,
		func(FrozenMutation, bool) (bool, error) {
			calls++
			return true, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestFrozenFragment_RoundTrip(t *testing.T) {
	s := mutationtest.Schema("ks", "t")
	m := mutationtest.Mutation(s, "pk", 5, mutationtest.Options{Rows: 6, RangeTombstones: 2, PartitionTombstone: true, Static: true})

	rb := mutation.NewRebuilder(s)
	var out *mutation.Mutation
	for _, fr := range mutation.AppendFragments(nil, m) {
		ff, err := FragmentFromBytes(FreezeFragment(fr).Bytes())
		require.NoError(t, err)
		decoded, err := ff.Unfreeze()
		require.NoError(t, err)
		assert.Equal(t, fr.Kind, decoded.Kind)
		built, err := rb.Push(decoded)
		require.NoError(t, err)
		if built != nil {
			out = built
		}
	}
	require.NotNil(t, out)
	assert.True(t, m.Equal(out))
}
