// Package catalog holds keyspace definitions and table schemas
package catalog

import (
	"sort"
	"sync"

	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/schema"
	"github.com/google/uuid"
)

// Keyspace is a named replication domain holding tables
type Keyspace struct {
	name     string
	strategy locator.Strategy
	tm       *locator.TokenMetadata
	tables   map[string]*schema.Schema
}

// Name returns the keyspace name
func (k *Keyspace) Name() string { return k.name }

// Strategy returns the replication strategy
func (k *Keyspace) Strategy() locator.Strategy { return k.strategy }

// EffectiveReplicationMap applies the keyspace strategy to the current ring
func (k *Keyspace) EffectiveReplicationMap() *locator.EffectiveReplicationMap {
	return locator.NewEffectiveReplicationMap(k.strategy, k.tm)
}

// Catalog is the registry of keyspaces and their tables
type Catalog struct {
	mu        sync.RWMutex
	tm        *locator.TokenMetadata
	keyspaces map[string]*Keyspace
	byID      map[uuid.UUID]*schema.Schema
}

// New creates a catalog whose keyspaces replicate over tm
func New(tm *locator.TokenMetadata) *Catalog {
	return &Catalog{
		tm:        tm,
		keyspaces: make(map[string]*Keyspace),
		byID:      make(map[uuid.UUID]*schema.Schema),
	}
}

// TokenMetadata returns the ring the catalog's keyspaces replicate over
func (c *Catalog) TokenMetadata() *locator.TokenMetadata { return c.tm }

// AddKeyspace registers or replaces a keyspace definition
func (c *Catalog) AddKeyspace(name string, strategy locator.Strategy) *Keyspace {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks, ok := c.keyspaces[name]; ok {
		ks.strategy = strategy
		return ks
	}
	ks := &Keyspace{name: name, strategy: strategy, tm: c.tm, tables: make(map[string]*schema.Schema)}
	c.keyspaces[name] = ks
	return ks
}

// AddTable registers s under its keyspace, replacing older versions
func (c *Catalog) AddTable(s *schema.Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.keyspaces[s.Keyspace()]
	if !ok {
		return errors.UnknownKeyspace(s.Keyspace())
	}
	ks.tables[s.Table()] = s
	c.byID[s.ID()] = s
	return nil
}

// FindKeyspace looks up a keyspace by name
func (c *Catalog) FindKeyspace(name string) (*Keyspace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ks, ok := c.keyspaces[name]
	if !ok {
		return nil, errors.UnknownKeyspace(name)
	}
	return ks, nil
}

// FindSchema looks up the current schema of keyspace.table
func (c *Catalog) FindSchema(keyspace, table string) (*schema.Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ks, ok := c.keyspaces[keyspace]
	if !ok {
		return nil, errors.UnknownKeyspace(keyspace)
	}
	s, ok := ks.tables[table]
	if !ok {
		return nil, errors.UnknownTable(keyspace, table)
	}
	return s, nil
}

// FindSchemaByID looks up the current schema of a table by id
func (c *Catalog) FindSchemaByID(id uuid.UUID) (*schema.Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	if !ok {
		return nil, errors.UnknownTable("?", id.String())
	}
	return s, nil
}

// Keyspaces returns the keyspace names in lexical order
func (c *Catalog) Keyspaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.keyspaces))
	for name := range c.keyspaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NonLocalKeyspaces returns keyspaces whose data is replicated across nodes
func (c *Catalog) NonLocalKeyspaces() []string {
	var out []string
	for _, name := range c.Keyspaces() {
		ks, err := c.FindKeyspace(name)
		if err == nil && ks.Strategy().Kind() != locator.LocalStrategyKind {
			out = append(out, name)
		}
	}
	return out
}

// Tables returns the schemas of a keyspace ordered by table name
func (c *Catalog) Tables(keyspace string) ([]*schema.Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ks, ok := c.keyspaces[keyspace]
	if !ok {
		return nil, errors.UnknownKeyspace(keyspace)
	}
	out := make([]*schema.Schema, 0, len(ks.tables))
	for _, s := range ks.tables {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table() < out[j].Table() })
	return out, nil
}
