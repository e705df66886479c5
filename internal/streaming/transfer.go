package streaming

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/frozen"
	"github.com/devrev/pairdb/streamer/internal/metrics"
	"github.com/devrev/pairdb/streamer/internal/storage/memtable"
	"go.uber.org/zap"
)

// Counters accumulate what a session moved
type Counters struct {
	Fragments atomic.Int64
	Bytes     atomic.Int64
}

func (c *Counters) add(bytes int) {
	c.Fragments.Add(1)
	c.Bytes.Add(int64(bytes))
}

// Sender reads local partitions and turns them into frames
type Sender struct {
	catalog      *catalog.Catalog
	store        *memtable.Store
	throttle     *Throttle
	fragmentSize int
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewSender creates a sender over store. fragmentSize <= 0 selects
// frozen.DefaultFragmentSize.
func NewSender(cat *catalog.Catalog, store *memtable.Store, throttle *Throttle, fragmentSize int, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if fragmentSize <= 0 {
		fragmentSize = frozen.DefaultFragmentSize
	}
	return &Sender{
		catalog:      cat,
		store:        store,
		throttle:     throttle,
		fragmentSize: fragmentSize,
		metrics:      m,
		logger:       logger,
	}
}

// SendKeyspace sends every table of keyspace restricted to ranges
func (s *Sender) SendKeyspace(ctx context.Context, keyspace string, ranges []dht.TokenRange, compression string, send func(*Frame) error, counters *Counters) error {
	tables, err := s.catalog.Tables(keyspace)
	if err != nil {
		return err
	}
	for _, t := range tables {
		mt, ok := s.store.Lookup(t.ID())
		if !ok {
			continue
		}
		err := frozen.FragmentAndFreeze(ctx, mt.MakeReader(ranges), s.fragmentSize, func(fm frozen.FrozenMutation, fragmented bool) (bool, error) {
			payload, compressed := compress(compression, fm.Bytes())
			if err := s.throttle.Wait(ctx, len(payload)); err != nil {
				return true, err
			}
			frame := &Frame{
				TableID:    fm.TableID(),
				Payload:    payload,
				Compressed: compressed,
				Fragmented: fragmented,
			}
			if err := send(frame); err != nil {
				return true, err
			}
			counters.add(len(payload))
			s.metrics.RecordFragment("out", len(payload))
			return false, nil
		})
		if err != nil {
			return fmt.Errorf("failed to stream %s.%s: %w", keyspace, t.Table(), err)
		}
		s.logger.Debug("Sent table",
			zap.String("keyspace", keyspace),
			zap.String("table", t.Table()),
			zap.Int64("fragments", counters.Fragments.Load()))
	}
	return nil
}

// Receiver applies incoming frames to the local store
type Receiver struct {
	catalog *catalog.Catalog
	store   *memtable.Store
	metrics *metrics.Metrics
}

// NewReceiver creates a receiver writing into store
func NewReceiver(cat *catalog.Catalog, store *memtable.Store, m *metrics.Metrics) *Receiver {
	return &Receiver{catalog: cat, store: store, metrics: m}
}

// Apply unfreezes f against the local schema of its table and merges it
// into the store. A frame written with a different schema version fails
// with a schema mismatch.
func (r *Receiver) Apply(f *Frame, counters *Counters) error {
	payload, err := decompress(f)
	if err != nil {
		return errors.CorruptedData("invalid frame", err)
	}
	fm, err := frozen.FromBytes(payload)
	if err != nil {
		return err
	}
	if fm.TableID() != f.TableID {
		return errors.CorruptedData(fmt.Sprintf("frame for table %s carries a mutation of %s", f.TableID, fm.TableID()), nil)
	}
	s, err := r.catalog.FindSchemaByID(fm.TableID())
	if err != nil {
		return err
	}
	m, err := fm.Unfreeze(s)
	if err != nil {
		return err
	}
	if err := r.store.Apply(m); err != nil {
		return err
	}
	counters.add(len(f.Payload))
	r.metrics.RecordFragment("in", len(f.Payload))
	return nil
}
