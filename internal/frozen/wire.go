package frozen

import (
	stderrors "errors"
	"fmt"

	"github.com/devrev/pairdb/streamer/internal/mutation"
	"github.com/devrev/pairdb/streamer/internal/schema"
	"google.golang.org/protobuf/encoding/protowire"
)

// Partition layout. Header fields come first so the key can be extracted
// without walking the body; range tombstones precede rows so that rows can
// be consumed lazily.
const (
	fieldSchemaVersion      protowire.Number = 1
	fieldTableID            protowire.Number = 2
	fieldKey                protowire.Number = 3
	fieldToken              protowire.Number = 4
	fieldPartitionTombstone protowire.Number = 5
	fieldStaticRow          protowire.Number = 6
	fieldRangeTombstone     protowire.Number = 7
	fieldRow                protowire.Number = 8
)

// Nested messages
const (
	tombstoneTimestamp    protowire.Number = 1
	tombstoneDeletionTime protowire.Number = 2

	cellColumn       protowire.Number = 1
	cellTimestamp    protowire.Number = 2
	cellValue        protowire.Number = 3
	cellDeleted      protowire.Number = 4
	cellDeletionTime protowire.Number = 5
	cellTTL          protowire.Number = 6
	cellExpiry       protowire.Number = 7

	rowCell protowire.Number = 1

	keyComponent protowire.Number = 1

	boundPrefix    protowire.Number = 1
	boundInclusive protowire.Number = 2

	rtStart     protowire.Number = 1
	rtEnd       protowire.Number = 2
	rtTombstone protowire.Number = 3

	crKey       protowire.Number = 1
	crMarker    protowire.Number = 2
	crTombstone protowire.Number = 3
	crCells     protowire.Number = 4

	markerTimestamp protowire.Number = 1
	markerTTL       protowire.Number = 2
	markerExpiry    protowire.Number = 3
)

var errStopWalk = stderrors.New("stop walk")

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage writes a length-delimited nested message produced by fn
func appendMessage(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	return appendBytes(b, num, fn(nil))
}

func appendTombstone(b []byte, t mutation.Tombstone) []byte {
	b = appendSint(b, tombstoneTimestamp, t.Timestamp)
	return appendSint(b, tombstoneDeletionTime, t.DeletionTime)
}

func appendCell(b []byte, id schema.ColumnID, c mutation.Cell) []byte {
	b = protowire.AppendTag(b, cellColumn, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	b = appendSint(b, cellTimestamp, c.Timestamp)
	if c.Value != nil {
		b = appendBytes(b, cellValue, c.Value)
	}
	b = appendBool(b, cellDeleted, c.Deleted)
	b = appendSint(b, cellDeletionTime, c.DeletionTime)
	b = appendSint(b, cellTTL, int64(c.TTL))
	return appendSint(b, cellExpiry, c.Expiry)
}

func appendRow(b []byte, row mutation.Row) []byte {
	for _, id := range row.ColumnIDs() {
		c := row[id]
		b = appendMessage(b, rowCell, func(m []byte) []byte { return appendCell(m, id, c) })
	}
	return b
}

func appendClusteringKey(b []byte, num protowire.Number, k mutation.ClusteringKey) []byte {
	for _, c := range k {
		b = appendBytes(b, num, c)
	}
	return b
}

func appendBound(b []byte, bound mutation.ClusteringBound) []byte {
	b = appendClusteringKey(b, boundPrefix, bound.Prefix)
	return appendBool(b, boundInclusive, bound.Inclusive)
}

func appendRangeTombstone(b []byte, rt mutation.RangeTombstone) []byte {
	b = appendMessage(b, rtStart, func(m []byte) []byte { return appendBound(m, rt.Start) })
	b = appendMessage(b, rtEnd, func(m []byte) []byte { return appendBound(m, rt.End) })
	return appendMessage(b, rtTombstone, func(m []byte) []byte { return appendTombstone(m, rt.Tombstone) })
}

func appendMarker(b []byte, m mutation.RowMarker) []byte {
	b = appendSint(b, markerTimestamp, m.Timestamp)
	b = appendSint(b, markerTTL, int64(m.TTL))
	return appendSint(b, markerExpiry, m.Expiry)
}

func appendClusteringRow(b []byte, r mutation.ClusteringRow) []byte {
	b = appendClusteringKey(b, crKey, r.Key)
	if r.Marker.IsSet() {
		b = appendMessage(b, crMarker, func(m []byte) []byte { return appendMarker(m, r.Marker) })
	}
	if r.Tombstone.IsSet() {
		b = appendMessage(b, crTombstone, func(m []byte) []byte { return appendTombstone(m, r.Tombstone) })
	}
	if len(r.Cells) > 0 {
		b = appendMessage(b, crCells, func(m []byte) []byte { return appendRow(m, r.Cells) })
	}
	return b
}

// field is one decoded tag/value pair
type field struct {
	num   protowire.Number
	typ   protowire.Type
	bytes []byte
	num64 uint64
}

func (f field) sint() int64 { return protowire.DecodeZigZag(f.num64) }

// walkFields calls fn for every field of a message. Returning errStopWalk
// ends the walk without error.
func walkFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.num64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.num64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("invalid value for field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			if err == errStopWalk {
				return nil
			}
			return err
		}
	}
	return nil
}

func decodeTombstone(b []byte) (mutation.Tombstone, error) {
	var t mutation.Tombstone
	err := walkFields(b, func(f field) error {
		switch f.num {
		case tombstoneTimestamp:
			t.Timestamp = f.sint()
		case tombstoneDeletionTime:
			t.DeletionTime = f.sint()
		}
		return nil
	})
	return t, err
}

func decodeCell(b []byte) (schema.ColumnID, mutation.Cell, error) {
	var id schema.ColumnID
	var c mutation.Cell
	err := walkFields(b, func(f field) error {
		switch f.num {
		case cellColumn:
			id = schema.ColumnID(f.num64)
		case cellTimestamp:
			c.Timestamp = f.sint()
		case cellValue:
			c.Value = append([]byte{}, f.bytes...)
		case cellDeleted:
			c.Deleted = f.num64 != 0
		case cellDeletionTime:
			c.DeletionTime = f.sint()
		case cellTTL:
			c.TTL = int32(f.sint())
		case cellExpiry:
			c.Expiry = f.sint()
		}
		return nil
	})
	return id, c, err
}

func decodeRow(b []byte) (mutation.Row, error) {
	row := make(mutation.Row)
	err := walkFields(b, func(f field) error {
		if f.num != rowCell {
			return nil
		}
		id, c, err := decodeCell(f.bytes)
		if err != nil {
			return fmt.Errorf("cell: %w", err)
		}
		row[id] = c
		return nil
	})
	return row, err
}

func decodeBound(b []byte) (mutation.ClusteringBound, error) {
	var bound mutation.ClusteringBound
	err := walkFields(b, func(f field) error {
		switch f.num {
		case boundPrefix:
			bound.Prefix = append(bound.Prefix, append([]byte{}, f.bytes...))
		case boundInclusive:
			bound.Inclusive = f.num64 != 0
		}
		return nil
	})
	return bound, err
}

func decodeRangeTombstone(b []byte) (mutation.RangeTombstone, error) {
	var rt mutation.RangeTombstone
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case rtStart:
			rt.Start, err = decodeBound(f.bytes)
		case rtEnd:
			rt.End, err = decodeBound(f.bytes)
		case rtTombstone:
			rt.Tombstone, err = decodeTombstone(f.bytes)
		}
		return err
	})
	return rt, err
}

func decodeMarker(b []byte) (mutation.RowMarker, error) {
	var m mutation.RowMarker
	err := walkFields(b, func(f field) error {
		switch f.num {
		case markerTimestamp:
			m.Timestamp = f.sint()
		case markerTTL:
			m.TTL = int32(f.sint())
		case markerExpiry:
			m.Expiry = f.sint()
		}
		return nil
	})
	return m, err
}

func decodeClusteringRow(b []byte) (mutation.ClusteringRow, error) {
	r := mutation.ClusteringRow{Cells: mutation.Row{}}
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case crKey:
			r.Key = append(r.Key, append([]byte{}, f.bytes...))
		case crMarker:
			r.Marker, err = decodeMarker(f.bytes)
		case crTombstone:
			r.Tombstone, err = decodeTombstone(f.bytes)
		case crCells:
			r.Cells, err = decodeRow(f.bytes)
		}
		return err
	})
	return r, err
}

// partitionVisitor receives the body of a frozen partition in wire order
type partitionVisitor struct {
	tombstone      func(mutation.Tombstone) error
	staticRow      func(mutation.Row) error
	rangeTombstone func(mutation.RangeTombstone) error
	row            func(mutation.ClusteringRow) error
}

// walkPartition decodes the body of a frozen partition. Callbacks may return
// errStopWalk to end the walk early.
func walkPartition(payload []byte, v partitionVisitor) error {
	return walkFields(payload, func(f field) error {
		switch f.num {
		case fieldPartitionTombstone:
			t, err := decodeTombstone(f.bytes)
			if err != nil {
				return fmt.Errorf("partition tombstone: %w", err)
			}
			return v.tombstone(t)
		case fieldStaticRow:
			row, err := decodeRow(f.bytes)
			if err != nil {
				return fmt.Errorf("static row: %w", err)
			}
			return v.staticRow(row)
		case fieldRangeTombstone:
			rt, err := decodeRangeTombstone(f.bytes)
			if err != nil {
				return fmt.Errorf("range tombstone: %w", err)
			}
			return v.rangeTombstone(rt)
		case fieldRow:
			r, err := decodeClusteringRow(f.bytes)
			if err != nil {
				return fmt.Errorf("clustering row: %w", err)
			}
			return v.row(r)
		}
		return nil
	})
}
