// Package mutationtest builds schemas and mutations for tests
package mutationtest

import (
	"fmt"
	"math/rand"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/mutation"
	"github.com/devrev/pairdb/streamer/internal/schema"
)

// Schema returns a table with one static and two regular columns
func Schema(keyspace, table string) *schema.Schema {
	return schema.NewBuilder(keyspace, table).
		WithColumn("pk", schema.BytesType, schema.PartitionKeyColumn).
		WithColumn("ck", schema.BytesType, schema.ClusteringKeyColumn).
		WithColumn("s1", schema.TextType, schema.StaticColumn).
		WithRegularColumn("v1", schema.TextType).
		WithRegularColumn("v2", schema.Int64Type).
		MustBuild()
}

// Key returns the clustering key for row i
func Key(i int) mutation.ClusteringKey {
	return mutation.ClusteringKey{[]byte(fmt.Sprintf("row-%06d", i))}
}

// Options controls the shape of generated mutations
type Options struct {
	Rows               int
	ValueSize          int
	RangeTombstones    int
	PartitionTombstone bool
	Static             bool
}

// Mutation builds a partition with deterministic content derived from seed
func Mutation(s *schema.Schema, partitionKey string, seed int64, opts Options) *mutation.Mutation {
	rng := rand.New(rand.NewSource(seed))
	m := mutation.New(s, dht.Decorate(dht.DefaultPartitioner, []byte(partitionKey)))

	if opts.PartitionTombstone {
		m.DeletePartition(mutation.Tombstone{Timestamp: 1 + rng.Int63n(100), DeletionTime: 1000})
	}
	if opts.Static {
		m.SetStaticCell(0, mutation.LiveCell(randomValue(rng, opts.ValueSize), 500))
	}
	for i := 0; i < opts.Rows; i++ {
		ts := 100 + rng.Int63n(1000)
		ck := Key(i)
		m.SetRowMarker(ck, mutation.RowMarker{Timestamp: ts})
		m.SetCell(ck, 0, mutation.LiveCell(randomValue(rng, opts.ValueSize), ts))
		switch rng.Intn(4) {
		case 0:
			m.SetCell(ck, 1, mutation.DeadCell(ts+1, 2000))
		case 1:
			m.SetCell(ck, 1, mutation.Cell{Timestamp: ts, Value: []byte{byte(i)}, TTL: 3600, Expiry: 9000})
		case 2:
			m.DeleteRow(ck, mutation.Tombstone{Timestamp: ts - 1, DeletionTime: 1500})
		}
	}
	for i := 0; i < opts.RangeTombstones && opts.Rows > 0; i++ {
		a := rng.Intn(opts.Rows)
		b := a + rng.Intn(opts.Rows-a)
		m.AddRangeTombstone(mutation.RangeTombstone{
			Start:     mutation.ClusteringBound{Prefix: Key(a), Inclusive: true},
			End:       mutation.ClusteringBound{Prefix: Key(b), Inclusive: rng.Intn(2) == 0 || a == b},
			Tombstone: mutation.Tombstone{Timestamp: 50 + rng.Int63n(50), DeletionTime: 1200},
		})
	}
	return m
}

func randomValue(rng *rand.Rand, size int) []byte {
	if size <= 0 {
		size = 8
	}
	b := make([]byte, size)
	rng.Read(b)
	return b
}
