package config

import (
	"fmt"
	"os"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/schema"
	"gopkg.in/yaml.v3"
)

// Topology is the static cluster description: ring members, keyspaces and
// table schemas
type Topology struct {
	Nodes     []NodeSpec     `yaml:"nodes"`
	Keyspaces []KeyspaceSpec `yaml:"keyspaces"`
}

// NodeSpec is one ring member
type NodeSpec struct {
	Endpoint   string      `yaml:"endpoint"`
	Datacenter string      `yaml:"dc"`
	Rack       string      `yaml:"rack"`
	Tokens     []dht.Token `yaml:"tokens"`
}

// KeyspaceSpec is a keyspace and its replication
type KeyspaceSpec struct {
	Name              string         `yaml:"name"`
	Strategy          string         `yaml:"strategy"`
	ReplicationFactor int            `yaml:"replication_factor"`
	Datacenters       map[string]int `yaml:"datacenters"`
	Tables            []TableSpec    `yaml:"tables"`
}

// TableSpec is a table schema
type TableSpec struct {
	Name    string       `yaml:"name"`
	Columns []ColumnSpec `yaml:"columns"`
}

// ColumnSpec is one column of a table
type ColumnSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Kind string `yaml:"kind"`
}

// LoadTopology reads a topology file
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes a YAML topology document
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology file: %w", err)
	}
	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("topology has no nodes")
	}
	seen := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.Endpoint == "" {
			return nil, fmt.Errorf("topology node without endpoint")
		}
		if seen[n.Endpoint] {
			return nil, fmt.Errorf("duplicate topology node %s", n.Endpoint)
		}
		seen[n.Endpoint] = true
		if len(n.Tokens) == 0 {
			return nil, fmt.Errorf("topology node %s has no tokens", n.Endpoint)
		}
	}
	return &t, nil
}

// Build creates the ring and catalog the topology describes. self is the
// local endpoint, used by local strategies.
func (t *Topology) Build(self locator.Endpoint) (*catalog.Catalog, error) {
	tm := locator.NewTokenMetadata()
	for _, n := range t.Nodes {
		ep := locator.Endpoint(n.Endpoint)
		if err := tm.UpdateNormalTokens(n.Tokens, ep); err != nil {
			return nil, fmt.Errorf("failed to add node %s: %w", n.Endpoint, err)
		}
		loc := locator.Location{Datacenter: n.Datacenter, Rack: n.Rack}
		if loc.Datacenter == "" {
			loc.Datacenter = locator.DefaultDatacenter
		}
		if loc.Rack == "" {
			loc.Rack = locator.DefaultRack
		}
		tm.Topology().Add(ep, loc)
	}

	cat := catalog.New(tm)
	for _, ks := range t.Keyspaces {
		strategy, err := locator.NewStrategy(locator.StrategyOptions{
			Class:             ks.Strategy,
			ReplicationFactor: ks.ReplicationFactor,
			DatacenterRF:      ks.Datacenters,
			Self:              self,
		})
		if err != nil {
			return nil, fmt.Errorf("keyspace %s: %w", ks.Name, err)
		}
		cat.AddKeyspace(ks.Name, strategy)
		for _, tbl := range ks.Tables {
			s, err := tbl.schema(ks.Name)
			if err != nil {
				return nil, err
			}
			if err := cat.AddTable(s); err != nil {
				return nil, err
			}
		}
	}
	return cat, nil
}

func (t TableSpec) schema(keyspace string) (*schema.Schema, error) {
	b := schema.NewBuilder(keyspace, t.Name)
	for _, c := range t.Columns {
		kind, err := schema.ParseColumnKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("table %s.%s: %w", keyspace, t.Name, err)
		}
		typ := schema.DataType(c.Type)
		if typ == "" {
			typ = schema.BytesType
		}
		b.WithColumn(c.Name, typ, kind)
	}
	return b.Build()
}
