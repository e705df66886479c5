package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Builder assembles a Schema
type Builder struct {
	keyspace string
	table    string
	columns  []ColumnDefinition
	dropped  map[string]int64
}

// NewBuilder starts a schema for keyspace.table
func NewBuilder(keyspace, table string) *Builder {
	return &Builder{
		keyspace: keyspace,
		table:    table,
		dropped:  make(map[string]int64),
	}
}

// WithColumn adds a column
func (b *Builder) WithColumn(name string, typ DataType, kind ColumnKind) *Builder {
	b.columns = append(b.columns, ColumnDefinition{Name: name, Type: typ, Kind: kind})
	return b
}

// WithRegularColumn adds a regular column
func (b *Builder) WithRegularColumn(name string, typ DataType) *Builder {
	return b.WithColumn(name, typ, RegularColumn)
}

// WithoutColumn records a dropped column. Dropping changes the version.
func (b *Builder) WithoutColumn(name string, droppedAt int64) *Builder {
	kept := b.columns[:0]
	for _, c := range b.columns {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	b.columns = kept
	b.dropped[name] = droppedAt
	return b
}

// Build validates the definition and computes the version
func (b *Builder) Build() (*Schema, error) {
	s := &Schema{
		id:             TableID(b.keyspace, b.table),
		keyspace:       b.keyspace,
		table:          b.table,
		droppedColumns: make(map[string]int64, len(b.dropped)),
	}
	seen := make(map[string]bool)
	for _, c := range b.columns {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate column %q in %s.%s", c.Name, b.keyspace, b.table)
		}
		seen[c.Name] = true
		switch c.Kind {
		case PartitionKeyColumn:
			s.partitionKey = append(s.partitionKey, c)
		case ClusteringKeyColumn:
			s.clusteringKey = append(s.clusteringKey, c)
		case StaticColumn:
			c.ID = ColumnID(len(s.staticColumns))
			s.staticColumns = append(s.staticColumns, c)
		default:
			c.ID = ColumnID(len(s.regularColumns))
			s.regularColumns = append(s.regularColumns, c)
		}
	}
	if len(s.partitionKey) == 0 {
		return nil, fmt.Errorf("table %s.%s has no partition key", b.keyspace, b.table)
	}
	for name, at := range b.dropped {
		s.droppedColumns[name] = at
	}
	s.version = uuid.NewSHA1(s.id, []byte(b.describe()))
	return s, nil
}

// MustBuild is Build for statically known schemas
func (b *Builder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// describe produces the canonical text the version is hashed from
func (b *Builder) describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s.%s", b.keyspace, b.table)
	for _, c := range b.columns {
		fmt.Fprintf(&sb, "|%s:%s:%s", c.Name, c.Type, c.Kind)
	}
	names := make([]string, 0, len(b.dropped))
	for name := range b.dropped {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "|-%s@%d", name, b.dropped[name])
	}
	return sb.String()
}
