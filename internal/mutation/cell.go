package mutation

import (
	"bytes"
	"sort"

	"github.com/devrev/pairdb/streamer/internal/schema"
)

// Tombstone marks data written at or before Timestamp as deleted. The zero
// value means "no tombstone".
type Tombstone struct {
	Timestamp    int64
	DeletionTime int64
}

// IsSet reports whether t deletes anything
func (t Tombstone) IsSet() bool {
	return t != Tombstone{}
}

// Compare orders tombstones by timestamp, then deletion time
func (t Tombstone) Compare(o Tombstone) int {
	switch {
	case t.Timestamp < o.Timestamp:
		return -1
	case t.Timestamp > o.Timestamp:
		return 1
	case t.DeletionTime < o.DeletionTime:
		return -1
	case t.DeletionTime > o.DeletionTime:
		return 1
	default:
		return 0
	}
}

// MaxTombstone returns the stronger of two tombstones
func MaxTombstone(a, b Tombstone) Tombstone {
	if !a.IsSet() {
		return b
	}
	if !b.IsSet() {
		return a
	}
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

// Cell is an atomic column value or a cell tombstone
type Cell struct {
	Timestamp    int64
	Value        []byte
	Deleted      bool
	DeletionTime int64
	TTL          int32
	Expiry       int64
}

// LiveCell creates a live cell
func LiveCell(value []byte, timestamp int64) Cell {
	return Cell{Timestamp: timestamp, Value: value}
}

// DeadCell creates a cell tombstone
func DeadCell(timestamp, deletionTime int64) Cell {
	return Cell{Timestamp: timestamp, Deleted: true, DeletionTime: deletionTime}
}

// Equal compares all fields of two cells
func (c Cell) Equal(o Cell) bool {
	return c.Timestamp == o.Timestamp &&
		c.Deleted == o.Deleted &&
		c.DeletionTime == o.DeletionTime &&
		c.TTL == o.TTL &&
		c.Expiry == o.Expiry &&
		bytes.Equal(c.Value, o.Value)
}

// reconcile picks the winning version of a cell: higher timestamp, then
// deletions, then the larger value.
func reconcile(a, b Cell) Cell {
	switch {
	case a.Timestamp != b.Timestamp:
		if a.Timestamp > b.Timestamp {
			return a
		}
		return b
	case a.Deleted != b.Deleted:
		if a.Deleted {
			return a
		}
		return b
	case a.Deleted:
		if a.DeletionTime >= b.DeletionTime {
			return a
		}
		return b
	default:
		if bytes.Compare(a.Value, b.Value) >= 0 {
			return a
		}
		return b
	}
}

// Row holds cells keyed by column id
type Row map[schema.ColumnID]Cell

// Apply merges other into r
func (r Row) Apply(other Row) {
	for id, c := range other {
		if existing, ok := r[id]; ok {
			r[id] = reconcile(existing, c)
		} else {
			r[id] = c
		}
	}
}

// ColumnIDs returns the ids present in ascending order
func (r Row) ColumnIDs() []schema.ColumnID {
	ids := make([]schema.ColumnID, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Equal compares two rows cell by cell. nil and empty rows are equal.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for id, c := range r {
		oc, ok := o[id]
		if !ok || !c.Equal(oc) {
			return false
		}
	}
	return true
}

// Clone deep-copies the row
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for id, c := range r {
		c.Value = append([]byte(nil), c.Value...)
		out[id] = c
	}
	return out
}

// ByteSize estimates the in-memory and on-wire size of the row
func (r Row) ByteSize() int {
	n := 0
	for _, c := range r {
		n += len(c.Value) + 24
	}
	return n
}

// RowMarker records a row insertion. The zero value means "no marker".
type RowMarker struct {
	Timestamp int64
	TTL       int32
	Expiry    int64
}

// IsSet reports whether the marker is present
func (m RowMarker) IsSet() bool {
	return m != RowMarker{}
}

func maxMarker(a, b RowMarker) RowMarker {
	if !a.IsSet() {
		return b
	}
	if !b.IsSet() || a.Timestamp >= b.Timestamp {
		return a
	}
	return b
}
