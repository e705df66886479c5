// Package mutation holds the in-memory form of partition updates: cells,
// rows, tombstones and the fragment stream they are read through.
package mutation

import (
	"fmt"
	"sort"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/schema"
)

// ClusteringRow is one row of a partition
type ClusteringRow struct {
	Key       ClusteringKey
	Marker    RowMarker
	Tombstone Tombstone
	Cells     Row
}

// IsEmpty reports whether the row carries no data
func (r ClusteringRow) IsEmpty() bool {
	return !r.Marker.IsSet() && !r.Tombstone.IsSet() && len(r.Cells) == 0
}

// Equal compares two rows field by field
func (r ClusteringRow) Equal(o ClusteringRow) bool {
	return r.Key.Compare(o.Key) == 0 &&
		r.Marker == o.Marker &&
		r.Tombstone == o.Tombstone &&
		r.Cells.Equal(o.Cells)
}

// Clone deep-copies the row
func (r ClusteringRow) Clone() ClusteringRow {
	return ClusteringRow{
		Key:       r.Key.Clone(),
		Marker:    r.Marker,
		Tombstone: r.Tombstone,
		Cells:     r.Cells.Clone(),
	}
}

// ByteSize estimates the encoded size of the row
func (r ClusteringRow) ByteSize() int {
	return r.Key.ByteSize() + r.Cells.ByteSize() + 32
}

// Mutation is an update to a single partition of one table
type Mutation struct {
	schema             *schema.Schema
	key                dht.DecoratedKey
	partitionTombstone Tombstone
	staticRow          Row
	rows               []ClusteringRow
	rangeTombstones    []RangeTombstone
}

// New creates an empty mutation for a partition
func New(s *schema.Schema, key dht.DecoratedKey) *Mutation {
	return &Mutation{schema: s, key: key}
}

// Schema returns the schema the mutation is written against
func (m *Mutation) Schema() *schema.Schema { return m.schema }

// Key returns the partition key
func (m *Mutation) Key() dht.DecoratedKey { return m.key }

// Token returns the partition token
func (m *Mutation) Token() dht.Token { return m.key.Token }

// PartitionTombstone returns the partition-level deletion, if any
func (m *Mutation) PartitionTombstone() Tombstone { return m.partitionTombstone }

// StaticRow returns the static row. It may be nil.
func (m *Mutation) StaticRow() Row { return m.staticRow }

// Rows returns the clustering rows in clustering order
func (m *Mutation) Rows() []ClusteringRow { return m.rows }

// RangeTombstones returns the range deletions as they were applied
func (m *Mutation) RangeTombstones() []RangeTombstone { return m.rangeTombstones }

// DeletePartition applies a partition tombstone
func (m *Mutation) DeletePartition(t Tombstone) {
	m.partitionTombstone = MaxTombstone(m.partitionTombstone, t)
}

// SetStaticCell writes a static cell
func (m *Mutation) SetStaticCell(id schema.ColumnID, c Cell) {
	if m.staticRow == nil {
		m.staticRow = make(Row)
	}
	m.staticRow.Apply(Row{id: c})
}

// SetCell writes a regular cell into the row with key ck
func (m *Mutation) SetCell(ck ClusteringKey, id schema.ColumnID, c Cell) {
	m.ApplyRow(ClusteringRow{Key: ck, Cells: Row{id: c}})
}

// SetRowMarker records a row insertion
func (m *Mutation) SetRowMarker(ck ClusteringKey, marker RowMarker) {
	m.ApplyRow(ClusteringRow{Key: ck, Marker: marker})
}

// DeleteRow applies a row tombstone
func (m *Mutation) DeleteRow(ck ClusteringKey, t Tombstone) {
	m.ApplyRow(ClusteringRow{Key: ck, Tombstone: t})
}

// AddRangeTombstone applies a range deletion. Empty ranges are ignored.
func (m *Mutation) AddRangeTombstone(rt RangeTombstone) {
	if rt.IsEmpty() || !rt.Tombstone.IsSet() {
		return
	}
	m.rangeTombstones = append(m.rangeTombstones, rt)
}

// ApplyRow merges a clustering row, keeping rows sorted by key
func (m *Mutation) ApplyRow(row ClusteringRow) {
	i := sort.Search(len(m.rows), func(i int) bool {
		return m.rows[i].Key.Compare(row.Key) >= 0
	})
	if i < len(m.rows) && m.rows[i].Key.Compare(row.Key) == 0 {
		existing := &m.rows[i]
		existing.Marker = maxMarker(existing.Marker, row.Marker)
		existing.Tombstone = MaxTombstone(existing.Tombstone, row.Tombstone)
		if len(row.Cells) > 0 {
			if existing.Cells == nil {
				existing.Cells = make(Row, len(row.Cells))
			}
			existing.Cells.Apply(row.Cells)
		}
		return
	}
	if row.Cells == nil {
		row.Cells = Row{}
	}
	m.rows = append(m.rows, ClusteringRow{})
	copy(m.rows[i+1:], m.rows[i:])
	m.rows[i] = row
}

// Apply merges other into m. Both must address the same partition of the
// same table.
func (m *Mutation) Apply(other *Mutation) error {
	if m.schema.ID() != other.schema.ID() {
		return fmt.Errorf("cannot apply mutation of %s to %s", other.schema, m.schema)
	}
	if !m.key.Equal(other.key) {
		return fmt.Errorf("cannot apply mutation of partition %s to %s", other.key, m.key)
	}
	m.DeletePartition(other.partitionTombstone)
	for id, c := range other.staticRow {
		m.SetStaticCell(id, c)
	}
	for _, r := range other.rows {
		m.ApplyRow(r.Clone())
	}
	for _, rt := range other.rangeTombstones {
		m.AddRangeTombstone(rt)
	}
	return nil
}

// Equal reports whether two mutations describe the same partition state.
// Range tombstones are compared by the coverage they produce, so a range
// split across fragments equals the unsplit original.
func (m *Mutation) Equal(o *Mutation) bool {
	if m.schema.Version() != o.schema.Version() || !m.key.Equal(o.key) {
		return false
	}
	if m.partitionTombstone != o.partitionTombstone || !m.staticRow.Equal(o.staticRow) {
		return false
	}
	if len(m.rows) != len(o.rows) {
		return false
	}
	for i := range m.rows {
		if !m.rows[i].Equal(o.rows[i]) {
			return false
		}
	}
	a := GenerateChanges(m.rangeTombstones)
	b := GenerateChanges(o.rangeTombstones)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Position.Compare(b[i].Position) != 0 || a[i].Tombstone != b[i].Tombstone {
			return false
		}
	}
	return true
}

// Clone deep-copies the mutation
func (m *Mutation) Clone() *Mutation {
	out := &Mutation{
		schema:             m.schema,
		key:                dht.DecoratedKey{Token: m.key.Token, Key: append([]byte(nil), m.key.Key...)},
		partitionTombstone: m.partitionTombstone,
		staticRow:          m.staticRow.Clone(),
		rows:               make([]ClusteringRow, len(m.rows)),
		rangeTombstones:    append([]RangeTombstone(nil), m.rangeTombstones...),
	}
	for i, r := range m.rows {
		out.rows[i] = r.Clone()
	}
	return out
}

// IsEmpty reports whether the mutation carries no data
func (m *Mutation) IsEmpty() bool {
	return !m.partitionTombstone.IsSet() && len(m.staticRow) == 0 &&
		len(m.rows) == 0 && len(m.rangeTombstones) == 0
}

// ByteSize estimates the encoded size of the mutation
func (m *Mutation) ByteSize() int {
	n := len(m.key.Key) + 48 + m.staticRow.ByteSize()
	for _, r := range m.rows {
		n += r.ByteSize()
	}
	for _, rt := range m.rangeTombstones {
		n += rt.Start.Prefix.ByteSize() + rt.End.Prefix.ByteSize() + 24
	}
	return n
}

// String renders a short description for logs
func (m *Mutation) String() string {
	return fmt.Sprintf("mutation{%s.%s %s rows=%d rts=%d}",
		m.schema.Keyspace(), m.schema.Table(), m.key, len(m.rows), len(m.rangeTombstones))
}
