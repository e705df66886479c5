// Package schema describes table layouts. A schema's version is derived from
// its definition, so two schemas with different columns never share a version.
package schema

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ColumnKind says where a column lives in a partition
type ColumnKind int

const (
	PartitionKeyColumn ColumnKind = iota
	ClusteringKeyColumn
	StaticColumn
	RegularColumn
)

// String returns the kind name
func (k ColumnKind) String() string {
	switch k {
	case PartitionKeyColumn:
		return "partition_key"
	case ClusteringKeyColumn:
		return "clustering_key"
	case StaticColumn:
		return "static"
	default:
		return "regular"
	}
}

// ParseColumnKind parses the names produced by ColumnKind.String
func ParseColumnKind(s string) (ColumnKind, error) {
	switch strings.ToLower(s) {
	case "partition_key":
		return PartitionKeyColumn, nil
	case "clustering_key":
		return ClusteringKeyColumn, nil
	case "static":
		return StaticColumn, nil
	case "regular", "":
		return RegularColumn, nil
	default:
		return RegularColumn, fmt.Errorf("unknown column kind %q", s)
	}
}

// DataType is the CQL-ish type name of a column value
type DataType string

const (
	BytesType DataType = "blob"
	TextType  DataType = "text"
	Int32Type DataType = "int"
	Int64Type DataType = "bigint"
)

// ColumnID identifies a static or regular column within its kind
type ColumnID uint32

// ColumnDefinition describes one column
type ColumnDefinition struct {
	Name string
	Type DataType
	Kind ColumnKind
	ID   ColumnID
}

// Schema is an immutable table definition
type Schema struct {
	id             uuid.UUID
	version        uuid.UUID
	keyspace       string
	table          string
	partitionKey   []ColumnDefinition
	clusteringKey  []ColumnDefinition
	staticColumns  []ColumnDefinition
	regularColumns []ColumnDefinition
	droppedColumns map[string]int64
}

// ID returns the table id, stable across schema changes
func (s *Schema) ID() uuid.UUID { return s.id }

// Version returns the schema version
func (s *Schema) Version() uuid.UUID { return s.version }

// Keyspace returns the keyspace name
func (s *Schema) Keyspace() string { return s.keyspace }

// Table returns the table name
func (s *Schema) Table() string { return s.table }

// PartitionKeyColumns returns the partition key columns
func (s *Schema) PartitionKeyColumns() []ColumnDefinition { return s.partitionKey }

// ClusteringKeySize returns the number of clustering columns
func (s *Schema) ClusteringKeySize() int { return len(s.clusteringKey) }

// StaticColumns returns the static columns ordered by id
func (s *Schema) StaticColumns() []ColumnDefinition { return s.staticColumns }

// RegularColumns returns the regular columns ordered by id
func (s *Schema) RegularColumns() []ColumnDefinition { return s.regularColumns }

// ColumnAt returns the static or regular column with the given id
func (s *Schema) ColumnAt(kind ColumnKind, id ColumnID) (ColumnDefinition, bool) {
	cols := s.regularColumns
	if kind == StaticColumn {
		cols = s.staticColumns
	}
	if int(id) >= len(cols) {
		return ColumnDefinition{}, false
	}
	return cols[id], true
}

// ColumnByName looks up a static or regular column by name
func (s *Schema) ColumnByName(name string) (ColumnDefinition, bool) {
	for _, c := range s.staticColumns {
		if c.Name == name {
			return c, true
		}
	}
	for _, c := range s.regularColumns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDefinition{}, false
}

// ColumnMapping returns the id-to-name mapping used to upgrade data written
// under this schema to a later one.
func (s *Schema) ColumnMapping() ColumnMapping {
	m := ColumnMapping{}
	m.Static = append(m.Static, s.staticColumns...)
	m.Regular = append(m.Regular, s.regularColumns...)
	return m
}

// String renders keyspace.table@version
func (s *Schema) String() string {
	return fmt.Sprintf("%s.%s@%s", s.keyspace, s.table, s.version)
}

// ColumnMapping records the columns data was written with
type ColumnMapping struct {
	Static  []ColumnDefinition
	Regular []ColumnDefinition
}

// Column returns the mapped column for an id of the given kind
func (m ColumnMapping) Column(kind ColumnKind, id ColumnID) (ColumnDefinition, bool) {
	cols := m.Regular
	if kind == StaticColumn {
		cols = m.Static
	}
	if int(id) >= len(cols) {
		return ColumnDefinition{}, false
	}
	return cols[id], true
}

// tableNamespace seeds table ids so that ks.table always maps to the same id
var tableNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// TableID returns the stable id of keyspace.table
func TableID(keyspace, table string) uuid.UUID {
	return uuid.NewSHA1(tableNamespace, []byte(keyspace+"."+table))
}
