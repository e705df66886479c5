// Package frozen implements the immutable wire form of partition mutations.
//
// A frozen mutation is a protobuf-wire encoded partition followed by a CRC32-C
// trailer. The schema version, table id and decorated key are extracted when
// the buffer is created so that routing never needs a schema.
package frozen

import (
	"encoding/binary"
	"fmt"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/mutation"
	"github.com/devrev/pairdb/streamer/internal/schema"
	"github.com/devrev/pairdb/streamer/internal/util"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// FrozenMutation is an immutable, schema-version-tagged partition update.
// Copies share the underlying buffer, which is never written after Freeze.
type FrozenMutation struct {
	buf     []byte
	key     dht.DecoratedKey
	version uuid.UUID
	tableID uuid.UUID
}

// Freeze serializes a live mutation
func Freeze(m *mutation.Mutation) FrozenMutation {
	s := m.Schema()
	key := m.Key()

	b := make([]byte, 0, m.ByteSize()+64)
	b = appendHeader(b, s.Version(), s.ID(), key)
	if t := m.PartitionTombstone(); t.IsSet() {
		b = appendMessage(b, fieldPartitionTombstone, func(x []byte) []byte { return appendTombstone(x, t) })
	}
	if static := m.StaticRow(); len(static) > 0 {
		b = appendMessage(b, fieldStaticRow, func(x []byte) []byte { return appendRow(x, static) })
	}
	for _, rt := range m.RangeTombstones() {
		b = appendMessage(b, fieldRangeTombstone, func(x []byte) []byte { return appendRangeTombstone(x, rt) })
	}
	for _, r := range m.Rows() {
		b = appendMessage(b, fieldRow, func(x []byte) []byte { return appendClusteringRow(x, r) })
	}

	return FrozenMutation{
		buf:     util.AppendChecksum(b),
		key:     dht.DecoratedKey{Token: key.Token, Key: append([]byte(nil), key.Key...)},
		version: s.Version(),
		tableID: s.ID(),
	}
}

func appendHeader(b []byte, version, tableID uuid.UUID, key dht.DecoratedKey) []byte {
	b = appendBytes(b, fieldSchemaVersion, version[:])
	b = appendBytes(b, fieldTableID, tableID[:])
	b = appendBytes(b, fieldKey, key.Key)
	b = protowire.AppendTag(b, fieldToken, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, uint64(key.Token))
}

// FromBytes wraps a buffer received from the wire. The checksum is verified
// and the header extracted; the body is decoded lazily.
func FromBytes(buf []byte) (FrozenMutation, error) {
	payload, err := util.SplitChecksum(buf)
	if err != nil {
		return FrozenMutation{}, errors.CorruptedData("invalid frozen mutation", err)
	}
	fm := FrozenMutation{buf: buf}
	var seen int
	err = walkFields(payload, func(f field) error {
		switch f.num {
		case fieldSchemaVersion:
			if err := parseUUID(&fm.version, f.bytes); err != nil {
				return err
			}
		case fieldTableID:
			if err := parseUUID(&fm.tableID, f.bytes); err != nil {
				return err
			}
		case fieldKey:
			fm.key.Key = append([]byte(nil), f.bytes...)
		case fieldToken:
			fm.key.Token = dht.Token(int64(f.num64))
		default:
			return errStopWalk
		}
		seen++
		return nil
	})
	if err == nil && seen < 4 {
		err = fmt.Errorf("incomplete header: %d of 4 fields", seen)
	}
	if err != nil {
		return FrozenMutation{}, errors.CorruptedData("invalid frozen mutation header", err)
	}
	return fm, nil
}

func parseUUID(dst *uuid.UUID, b []byte) error {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return err
	}
	*dst = id
	return nil
}

// Bytes returns the wire form, checksum included. Callers must not modify it.
func (fm FrozenMutation) Bytes() []byte { return fm.buf }

// Key returns the decorated partition key
func (fm FrozenMutation) Key() dht.DecoratedKey { return fm.key }

// SchemaVersion returns the version of the schema the mutation was frozen with
func (fm FrozenMutation) SchemaVersion() uuid.UUID { return fm.version }

// TableID returns the id of the table the mutation belongs to
func (fm FrozenMutation) TableID() uuid.UUID { return fm.tableID }

// Size returns the encoded size in bytes
func (fm FrozenMutation) Size() int { return len(fm.buf) }

// Checksum returns the CRC32-C trailer
func (fm FrozenMutation) Checksum() uint32 {
	return binary.LittleEndian.Uint32(fm.buf[len(fm.buf)-util.ChecksumSize:])
}

func (fm FrozenMutation) payload() []byte {
	return fm.buf[:len(fm.buf)-util.ChecksumSize]
}

func (fm FrozenMutation) checkSchema(s *schema.Schema) error {
	if s.Version() != fm.version {
		return errors.SchemaMismatch(fm.version.String(), s.Version().String())
	}
	return nil
}

func (fm FrozenMutation) wrap(op string, s *schema.Schema, err error) error {
	return errors.WithContext(err, op, fm.key.String(), s.Keyspace(), s.Table())
}

// Unfreeze rebuilds the live mutation. s must be the exact schema version
// the mutation was frozen with.
func (fm FrozenMutation) Unfreeze(s *schema.Schema) (*mutation.Mutation, error) {
	if err := fm.checkSchema(s); err != nil {
		return nil, fm.wrap("unfreeze", s, err)
	}
	m, err := fm.decode(s, nil)
	if err != nil {
		return nil, fm.wrap("unfreeze", s, err)
	}
	return m, nil
}

// UnfreezeUpgrading rebuilds the mutation under a newer schema. written is
// the column mapping the data was frozen with; columns are matched by name
// and cells of columns that no longer exist, or changed type, are dropped.
func (fm FrozenMutation) UnfreezeUpgrading(s *schema.Schema, written schema.ColumnMapping) (*mutation.Mutation, error) {
	if s.ID() != fm.tableID {
		return nil, fm.wrap("unfreeze_upgrading", s,
			errors.SchemaMismatch("table "+fm.tableID.String(), "table "+s.ID().String()))
	}
	up := &upgrader{target: s, written: written}
	m, err := fm.decode(s, up)
	if err != nil {
		return nil, fm.wrap("unfreeze_upgrading", s, err)
	}
	return m, nil
}

func (fm FrozenMutation) decode(s *schema.Schema, up *upgrader) (*mutation.Mutation, error) {
	m := mutation.New(s, fm.key)
	err := walkPartition(fm.payload(), partitionVisitor{
		tombstone: func(t mutation.Tombstone) error {
			m.DeletePartition(t)
			return nil
		},
		staticRow: func(row mutation.Row) error {
			for id, c := range up.remap(schema.StaticColumn, row) {
				m.SetStaticCell(id, c)
			}
			return nil
		},
		rangeTombstone: func(rt mutation.RangeTombstone) error {
			m.AddRangeTombstone(rt)
			return nil
		},
		row: func(r mutation.ClusteringRow) error {
			r.Cells = up.remap(schema.RegularColumn, r.Cells)
			m.ApplyRow(r)
			return nil
		},
	})
	if err != nil {
		return nil, errors.CorruptedData("failed to decode frozen mutation", err)
	}
	return m, nil
}

// upgrader translates column ids written under an older schema
type upgrader struct {
	target  *schema.Schema
	written schema.ColumnMapping
}

func (u *upgrader) remap(kind schema.ColumnKind, row mutation.Row) mutation.Row {
	if u == nil {
		return row
	}
	out := make(mutation.Row, len(row))
	for id, c := range row {
		old, ok := u.written.Column(kind, id)
		if !ok {
			continue
		}
		cur, ok := u.target.ColumnByName(old.Name)
		if !ok || cur.Kind != old.Kind || cur.Type != old.Type {
			continue
		}
		out[cur.ID] = c
	}
	return out
}

// String renders a short description for logs
func (fm FrozenMutation) String() string {
	return fmt.Sprintf("frozen_mutation{table: %s, key: %s, size: %d}", fm.tableID, fm.key, len(fm.buf))
}
