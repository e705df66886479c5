// Package memtable keeps the local replica data in memory, one partition
// index per table. It is the data source for outgoing streams and the sink
// for incoming ones.
package memtable

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/mutation"
	"github.com/devrev/pairdb/streamer/internal/schema"
	"github.com/google/uuid"
)

// Memtable holds the partitions of one table
type Memtable struct {
	schema *schema.Schema

	mu         sync.RWMutex
	partitions *SkipList
	bytes      int
}

// New creates an empty memtable for s
func New(s *schema.Schema) *Memtable {
	return &Memtable{schema: s, partitions: NewSkipList()}
}

// Schema returns the table schema
func (mt *Memtable) Schema() *schema.Schema { return mt.schema }

// Apply merges m into the stored partition. Reapplying a mutation does not
// change the partition state.
func (mt *Memtable) Apply(m *mutation.Mutation) error {
	if m.Schema().ID() != mt.schema.ID() {
		return errors.InvalidArgument("mutation belongs to "+m.Schema().String()+", not "+mt.schema.String(), nil)
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	existing, ok := mt.partitions.Search(m.Key())
	if !ok {
		c := m.Clone()
		mt.partitions.Insert(c.Key(), c)
		mt.bytes += c.ByteSize()
		return nil
	}
	before := existing.ByteSize()
	if err := existing.Apply(m); err != nil {
		return err
	}
	mt.bytes += existing.ByteSize() - before
	return nil
}

// Get returns a copy of the partition stored under key
func (mt *Memtable) Get(key dht.DecoratedKey) (*mutation.Mutation, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	m, ok := mt.partitions.Search(key)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Len returns the number of partitions
func (mt *Memtable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.partitions.Len()
}

// ByteSize estimates the memory held by the table
func (mt *Memtable) ByteSize() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.bytes
}

// Partitions returns copies of the partitions whose token lies in any of
// ranges, in key order
func (mt *Memtable) Partitions(ranges []dht.TokenRange) []*mutation.Mutation {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var out []*mutation.Mutation
	for _, r := range unwrapAll(ranges) {
		it := mt.partitions.Seek(dht.DecoratedKey{Token: r.Start})
		for it.Next() {
			tok := it.Key().Token
			if tok == r.Start {
				continue
			}
			if !r.ContainsToken(tok) {
				break
			}
			out = append(out, it.Value().Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key().Compare(out[j].Key()) < 0 })
	return out
}

// DropRanges removes partitions whose token lies in any of ranges and
// returns how many were removed
func (mt *Memtable) DropRanges(ranges []dht.TokenRange) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	var doomed []*mutation.Mutation
	for _, r := range unwrapAll(ranges) {
		it := mt.partitions.Seek(dht.DecoratedKey{Token: r.Start})
		for it.Next() {
			tok := it.Key().Token
			if tok == r.Start {
				continue
			}
			if !r.ContainsToken(tok) {
				break
			}
			doomed = append(doomed, it.Value())
		}
	}
	for _, m := range doomed {
		if mt.partitions.Delete(m.Key()) {
			mt.bytes -= m.ByteSize()
		}
	}
	return len(doomed)
}

// MakeReader returns a fragment reader over the partitions in ranges. The
// partitions are copied when the reader is created.
func (mt *Memtable) MakeReader(ranges []dht.TokenRange) mutation.Reader {
	return &reader{schema: mt.schema, partitions: mt.Partitions(ranges)}
}

// unwrapAll splits wrapping ranges. Overlapping input ranges yield the
// same partition twice.
func unwrapAll(ranges []dht.TokenRange) []dht.TokenRange {
	var out []dht.TokenRange
	for _, r := range ranges {
		out = append(out, r.Unwrap()...)
	}
	return out
}

// reader produces fragments one partition at a time
type reader struct {
	schema     *schema.Schema
	partitions []*mutation.Mutation
	pending    []mutation.Fragment
}

func (r *reader) Schema() *schema.Schema { return r.schema }

func (r *reader) Next(ctx context.Context) (mutation.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return mutation.Fragment{}, err
	}
	if len(r.pending) == 0 {
		if len(r.partitions) == 0 {
			return mutation.Fragment{}, io.EOF
		}
		r.pending = mutation.AppendFragments(r.pending[:0], r.partitions[0])
		r.partitions[0] = nil
		r.partitions = r.partitions[1:]
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, nil
}

func (r *reader) Close() error {
	r.partitions = nil
	r.pending = nil
	return nil
}

// Store holds one memtable per table
type Store struct {
	mu     sync.RWMutex
	tables map[uuid.UUID]*Memtable
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{tables: make(map[uuid.UUID]*Memtable)}
}

// Table returns the memtable of s, creating it on first use
func (st *Store) Table(s *schema.Schema) *Memtable {
	st.mu.RLock()
	mt, ok := st.tables[s.ID()]
	st.mu.RUnlock()
	if ok {
		return mt
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if mt, ok := st.tables[s.ID()]; ok {
		return mt
	}
	mt = New(s)
	st.tables[s.ID()] = mt
	return mt
}

// Lookup returns the memtable of a table id, if any data was ever applied
func (st *Store) Lookup(id uuid.UUID) (*Memtable, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	mt, ok := st.tables[id]
	return mt, ok
}

// Apply routes m to the memtable of its table
func (st *Store) Apply(m *mutation.Mutation) error {
	return st.Table(m.Schema()).Apply(m)
}
