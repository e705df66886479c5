package frozen

import (
	"context"
	"fmt"
	"io"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/mutation"
	"github.com/devrev/pairdb/streamer/internal/schema"
	"github.com/devrev/pairdb/streamer/internal/util"
	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultFragmentSize is the target size of fragments produced by
// FragmentAndFreeze
const DefaultFragmentSize = 128 * 1024

// FragmentFunc receives each frozen fragment. fragmented is true when the
// fragment is one of several pieces of the same partition. Returning stop
// ends FragmentAndFreeze early.
type FragmentFunc func(fm FrozenMutation, fragmented bool) (stop bool, err error)

// FragmentAndFreeze reads partitions from r and freezes them into mutations
// of roughly limit bytes each. A range tombstone open at a fragment boundary
// is closed at the boundary and reopened in the next fragment, so applying
// all fragments reproduces the original partitions.
func FragmentAndFreeze(ctx context.Context, r mutation.Reader, limit int, fn FragmentFunc) error {
	if limit <= 0 {
		limit = DefaultFragmentSize
	}
	f := &fragmenter{schema: r.Schema(), limit: limit, fn: fn}
	for {
		frag, err := r.Next(ctx)
		if err == io.EOF {
			if f.current != nil {
				return fmt.Errorf("stream ended inside partition %s", f.key)
			}
			return nil
		}
		if err != nil {
			return err
		}
		stop, err := f.push(frag)
		if err != nil || stop {
			return err
		}
	}
}

type fragmenter struct {
	schema *schema.Schema
	limit  int
	fn     FragmentFunc

	key        dht.DecoratedKey
	current    *mutation.Mutation
	changes    []mutation.RangeTombstoneChange
	active     mutation.Tombstone
	lastPos    mutation.Position
	size       int
	dirty      bool
	fragmented bool
}

func (f *fragmenter) push(frag mutation.Fragment) (bool, error) {
	if frag.Kind != mutation.PartitionStartFragment && f.current == nil {
		return false, fmt.Errorf("%s fragment outside of a partition", frag.Kind)
	}
	switch frag.Kind {
	case mutation.PartitionStartFragment:
		if f.current != nil {
			return false, fmt.Errorf("partition %s started before %s ended", frag.Key, f.key)
		}
		f.key = frag.Key
		f.current = mutation.New(f.schema, frag.Key)
		f.current.DeletePartition(frag.PartitionTombstone)
		f.changes, f.active = nil, mutation.Tombstone{}
		f.lastPos = mutation.BeforeAllClusteredRows()
		f.size, f.dirty, f.fragmented = len(frag.Key.Key), frag.PartitionTombstone.IsSet(), false
		return false, nil
	case mutation.StaticRowFragment:
		for id, c := range frag.Static {
			f.current.SetStaticCell(id, c)
		}
		f.size += frag.Static.ByteSize()
	case mutation.ClusteringRowFragment:
		f.current.ApplyRow(frag.Row.Clone())
		f.lastPos = mutation.AfterKey(frag.Row.Key)
		f.size += frag.Row.ByteSize()
	case mutation.RangeTombstoneChangeFragment:
		f.changes = append(f.changes, frag.Change)
		f.active = frag.Change.Tombstone
		f.lastPos = frag.Change.Position
		f.size += frag.Change.Position.Key.ByteSize() + 24
	case mutation.PartitionEndFragment:
		var stop bool
		var err error
		if f.dirty || !f.fragmented {
			stop, err = f.flush()
		}
		f.current = nil
		return stop, err
	}
	f.dirty = true
	if f.size >= f.limit {
		f.fragmented = true
		return f.flush()
	}
	return false, nil
}

// flush freezes what was accumulated and starts the next fragment of the same
// partition, carrying over an open range tombstone.
func (f *fragmenter) flush() (bool, error) {
	changes := f.changes
	if f.active.IsSet() {
		changes = append(changes, mutation.RangeTombstoneChange{Position: f.lastPos})
	}
	for _, rt := range mutation.FromChanges(changes) {
		f.current.AddRangeTombstone(rt)
	}
	fm := Freeze(f.current)

	f.current = mutation.New(f.schema, f.key)
	f.changes = nil
	if f.active.IsSet() {
		f.changes = []mutation.RangeTombstoneChange{{Position: f.lastPos, Tombstone: f.active}}
	}
	f.size, f.dirty = len(f.key.Key), false
	return f.fn(fm, f.fragmented)
}

// FrozenFragment is a single stream fragment in wire form, used when a
// partition is moved one row at a time.
type FrozenFragment struct {
	buf []byte
}

const (
	fragKind      protowire.Number = 1
	fragKey       protowire.Number = 2
	fragToken     protowire.Number = 3
	fragTombstone protowire.Number = 4
	fragStatic    protowire.Number = 5
	fragRow       protowire.Number = 6
	fragPosition  protowire.Number = 7
	fragWeight    protowire.Number = 8
)

// FreezeFragment serializes one fragment
func FreezeFragment(fr mutation.Fragment) FrozenFragment {
	var b []byte
	b = protowire.AppendTag(b, fragKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(fr.Kind))
	switch fr.Kind {
	case mutation.PartitionStartFragment:
		b = appendBytes(b, fragKey, fr.Key.Key)
		b = protowire.AppendTag(b, fragToken, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, uint64(fr.Key.Token))
		if fr.PartitionTombstone.IsSet() {
			b = appendMessage(b, fragTombstone, func(x []byte) []byte { return appendTombstone(x, fr.PartitionTombstone) })
		}
	case mutation.StaticRowFragment:
		b = appendMessage(b, fragStatic, func(x []byte) []byte { return appendRow(x, fr.Static) })
	case mutation.ClusteringRowFragment:
		b = appendMessage(b, fragRow, func(x []byte) []byte { return appendClusteringRow(x, fr.Row) })
	case mutation.RangeTombstoneChangeFragment:
		b = appendClusteringKey(b, fragPosition, fr.Change.Position.Key)
		b = appendSint(b, fragWeight, int64(fr.Change.Position.Weight))
		if fr.Change.Tombstone.IsSet() {
			b = appendMessage(b, fragTombstone, func(x []byte) []byte { return appendTombstone(x, fr.Change.Tombstone) })
		}
	}
	return FrozenFragment{buf: util.AppendChecksum(b)}
}

// FragmentFromBytes wraps a fragment received from the wire
func FragmentFromBytes(buf []byte) (FrozenFragment, error) {
	if _, err := util.SplitChecksum(buf); err != nil {
		return FrozenFragment{}, errors.CorruptedData("invalid frozen fragment", err)
	}
	return FrozenFragment{buf: buf}, nil
}

// Bytes returns the wire form
func (ff FrozenFragment) Bytes() []byte { return ff.buf }

// Unfreeze decodes the fragment
func (ff FrozenFragment) Unfreeze() (mutation.Fragment, error) {
	var fr mutation.Fragment
	payload := ff.buf[:len(ff.buf)-util.ChecksumSize]
	err := walkFields(payload, func(f field) error {
		var err error
		switch f.num {
		case fragKind:
			fr.Kind = mutation.FragmentKind(f.num64)
		case fragKey:
			fr.Key.Key = append([]byte(nil), f.bytes...)
		case fragToken:
			fr.Key.Token = dht.Token(int64(f.num64))
		case fragTombstone:
			var t mutation.Tombstone
			t, err = decodeTombstone(f.bytes)
			fr.PartitionTombstone = t
			fr.Change.Tombstone = t
		case fragStatic:
			fr.Static, err = decodeRow(f.bytes)
		case fragRow:
			fr.Row, err = decodeClusteringRow(f.bytes)
		case fragPosition:
			fr.Change.Position.Key = append(fr.Change.Position.Key, append([]byte{}, f.bytes...))
		case fragWeight:
			fr.Change.Position.Weight = mutation.BoundWeight(f.sint())
		}
		return err
	})
	if err != nil {
		return mutation.Fragment{}, errors.CorruptedData("failed to decode frozen fragment", err)
	}
	switch fr.Kind {
	case mutation.PartitionStartFragment:
		fr.Change.Tombstone = mutation.Tombstone{}
	case mutation.RangeTombstoneChangeFragment:
		fr.PartitionTombstone = mutation.Tombstone{}
	}
	return fr, nil
}
