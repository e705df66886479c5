package mutation

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/schema"
)

// FragmentKind identifies the element of a partition stream
type FragmentKind int

const (
	PartitionStartFragment FragmentKind = iota
	StaticRowFragment
	ClusteringRowFragment
	RangeTombstoneChangeFragment
	PartitionEndFragment
)

// String returns the kind name
func (k FragmentKind) String() string {
	switch k {
	case PartitionStartFragment:
		return "partition_start"
	case StaticRowFragment:
		return "static_row"
	case ClusteringRowFragment:
		return "clustering_row"
	case RangeTombstoneChangeFragment:
		return "range_tombstone_change"
	case PartitionEndFragment:
		return "partition_end"
	default:
		return fmt.Sprintf("fragment(%d)", int(k))
	}
}

// Fragment is one element of a partition stream. Which fields are
// meaningful depends on Kind.
type Fragment struct {
	Kind FragmentKind

	// PartitionStart
	Key                dht.DecoratedKey
	PartitionTombstone Tombstone

	// StaticRow
	Static Row

	// ClusteringRow
	Row ClusteringRow

	// RangeTombstoneChange
	Change RangeTombstoneChange
}

// Reader yields fragments of consecutive partitions in token order. Next
// returns io.EOF once the stream is exhausted.
type Reader interface {
	Schema() *schema.Schema
	Next(ctx context.Context) (Fragment, error)
	Close() error
}

// AppendFragments appends the fragments of m in stream order
func AppendFragments(out []Fragment, m *Mutation) []Fragment {
	out = append(out, Fragment{
		Kind:               PartitionStartFragment,
		Key:                m.Key(),
		PartitionTombstone: m.PartitionTombstone(),
	})
	if len(m.StaticRow()) > 0 {
		out = append(out, Fragment{Kind: StaticRowFragment, Static: m.StaticRow()})
	}
	changes := GenerateChanges(m.RangeTombstones())
	rows := m.Rows()
	i, j := 0, 0
	for i < len(rows) || j < len(changes) {
		if j < len(changes) && (i >= len(rows) || changes[j].Position.Compare(ForRow(rows[i].Key)) < 0) {
			out = append(out, Fragment{Kind: RangeTombstoneChangeFragment, Change: changes[j]})
			j++
			continue
		}
		out = append(out, Fragment{Kind: ClusteringRowFragment, Row: rows[i]})
		i++
	}
	return append(out, Fragment{Kind: PartitionEndFragment})
}

type sliceReader struct {
	schema    *schema.Schema
	fragments []Fragment
	pos       int
}

// FromMutations returns a reader over the given mutations, sorted by
// partition key. All mutations must share the schema s.
func FromMutations(s *schema.Schema, muts []*Mutation) Reader {
	sorted := append([]*Mutation(nil), muts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key().Compare(sorted[j].Key()) < 0
	})
	var fragments []Fragment
	for _, m := range sorted {
		fragments = AppendFragments(fragments, m)
	}
	return &sliceReader{schema: s, fragments: fragments}
}

func (r *sliceReader) Schema() *schema.Schema { return r.schema }

func (r *sliceReader) Next(ctx context.Context) (Fragment, error) {
	if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}
	if r.pos >= len(r.fragments) {
		return Fragment{}, io.EOF
	}
	f := r.fragments[r.pos]
	r.pos++
	return f, nil
}

func (r *sliceReader) Close() error {
	r.fragments = nil
	return nil
}

// Rebuilder assembles fragments back into mutations
type Rebuilder struct {
	schema  *schema.Schema
	current *Mutation
	changes []RangeTombstoneChange
}

// NewRebuilder creates a rebuilder for schema s
func NewRebuilder(s *schema.Schema) *Rebuilder {
	return &Rebuilder{schema: s}
}

// Push consumes one fragment. It returns the finished mutation when f ends
// a partition.
func (b *Rebuilder) Push(f Fragment) (*Mutation, error) {
	if f.Kind != PartitionStartFragment && b.current == nil {
		return nil, fmt.Errorf("%s fragment outside of a partition", f.Kind)
	}
	switch f.Kind {
	case PartitionStartFragment:
		if b.current != nil {
			return nil, fmt.Errorf("partition %s started before %s ended", f.Key, b.current.Key())
		}
		b.current = New(b.schema, f.Key)
		b.current.DeletePartition(f.PartitionTombstone)
	case StaticRowFragment:
		for id, c := range f.Static {
			b.current.SetStaticCell(id, c)
		}
	case ClusteringRowFragment:
		b.current.ApplyRow(f.Row.Clone())
	case RangeTombstoneChangeFragment:
		b.changes = append(b.changes, f.Change)
	case PartitionEndFragment:
		for _, rt := range FromChanges(b.changes) {
			b.current.AddRangeTombstone(rt)
		}
		m := b.current
		b.current, b.changes = nil, nil
		return m, nil
	}
	return nil, nil
}

// Collect drains r into mutations
func Collect(ctx context.Context, r Reader) ([]*Mutation, error) {
	b := NewRebuilder(r.Schema())
	var out []*Mutation
	for {
		f, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		m, err := b.Push(f)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
}
