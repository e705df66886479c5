package frozen

import (
	"fmt"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/mutation"
	"github.com/devrev/pairdb/streamer/internal/schema"
)

// EventKind identifies an event delivered by Consume
type EventKind int

const (
	PartitionStartEvent EventKind = iota
	PartitionTombstoneEvent
	StaticRowEvent
	ClusteringRowEvent
	RangeTombstoneChangeEvent
	PartitionEndEvent
	EndOfStreamEvent
)

// String returns the event name
func (k EventKind) String() string {
	switch k {
	case PartitionStartEvent:
		return "partition_start"
	case PartitionTombstoneEvent:
		return "partition_tombstone"
	case StaticRowEvent:
		return "static_row"
	case ClusteringRowEvent:
		return "clustering_row"
	case RangeTombstoneChangeEvent:
		return "range_tombstone_change"
	case PartitionEndEvent:
		return "partition_end"
	case EndOfStreamEvent:
		return "end_of_stream"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one step of a replayed partition. Only the field matching Kind
// is populated.
type Event struct {
	Kind      EventKind
	Key       dht.DecoratedKey
	Tombstone mutation.Tombstone
	Static    mutation.Row
	Row       mutation.ClusteringRow
	Change    mutation.RangeTombstoneChange
}

// StopIteration is returned by consumers to end content delivery early
type StopIteration bool

const (
	Continue StopIteration = false
	Stop     StopIteration = true
)

// Consumer receives the events of a frozen partition
type Consumer interface {
	Consume(ev Event) StopIteration
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc func(ev Event) StopIteration

// Consume calls f(ev)
func (f ConsumerFunc) Consume(ev Event) StopIteration { return f(ev) }

// Consume replays the mutation as events: partition start, the partition
// tombstone and static row when present, clustering rows interleaved with
// range tombstone changes in position order, partition end and end of
// stream. After the consumer stops, no further content is delivered but the
// two end events still are, exactly once. It reports whether the consumer
// stopped early.
func (fm FrozenMutation) Consume(s *schema.Schema, c Consumer) (StopIteration, error) {
	if err := fm.checkSchema(s); err != nil {
		return Continue, fm.wrap("consume", s, err)
	}
	stopped := c.Consume(Event{Kind: PartitionStartEvent, Key: fm.key})
	if !stopped {
		var err error
		stopped, err = fm.consumeBody(c)
		if err != nil {
			return stopped, fm.wrap("consume", s, errors.CorruptedData("failed to decode frozen mutation", err))
		}
	}
	if c.Consume(Event{Kind: PartitionEndEvent}) {
		stopped = Stop
	}
	c.Consume(Event{Kind: EndOfStreamEvent})
	return stopped, nil
}

// consumeBody walks the encoded body. Range tombstones are encoded ahead of
// rows, so the change list is complete by the time the first row arrives and
// rows are decoded one at a time.
func (fm FrozenMutation) consumeBody(c Consumer) (StopIteration, error) {
	var (
		tombstone  mutation.Tombstone
		static     mutation.Row
		rts        []mutation.RangeTombstone
		changes    []mutation.RangeTombstoneChange
		rowsBegan  bool
		stopped    StopIteration
		emitHeader = func() StopIteration {
			rowsBegan = true
			changes = mutation.GenerateChanges(rts)
			if tombstone.IsSet() && bool(c.Consume(Event{Kind: PartitionTombstoneEvent, Tombstone: tombstone})) {
				return Stop
			}
			if len(static) > 0 && bool(c.Consume(Event{Kind: StaticRowEvent, Static: static})) {
				return Stop
			}
			return Continue
		}
		emitChangesBefore = func(pos *mutation.Position) StopIteration {
			for len(changes) > 0 && (pos == nil || changes[0].Position.Compare(*pos) < 0) {
				ch := changes[0]
				changes = changes[1:]
				if c.Consume(Event{Kind: RangeTombstoneChangeEvent, Change: ch}) {
					return Stop
				}
			}
			return Continue
		}
	)

	err := walkPartition(fm.payload(), partitionVisitor{
		tombstone: func(t mutation.Tombstone) error {
			tombstone = mutation.MaxTombstone(tombstone, t)
			return nil
		},
		staticRow: func(row mutation.Row) error {
			static = row
			return nil
		},
		rangeTombstone: func(rt mutation.RangeTombstone) error {
			if rowsBegan {
				return fmt.Errorf("range tombstone %v encoded after clustering rows", rt.StartPosition())
			}
			rts = append(rts, rt)
			return nil
		},
		row: func(r mutation.ClusteringRow) error {
			if !rowsBegan {
				if stopped = emitHeader(); stopped {
					return errStopWalk
				}
			}
			pos := mutation.ForRow(r.Key)
			if stopped = emitChangesBefore(&pos); stopped {
				return errStopWalk
			}
			if stopped = c.Consume(Event{Kind: ClusteringRowEvent, Row: r}); stopped {
				return errStopWalk
			}
			return nil
		},
	})
	if err != nil {
		return stopped, err
	}
	if stopped {
		return Stop, nil
	}
	if !rowsBegan {
		if emitHeader() {
			return Stop, nil
		}
	}
	return emitChangesBefore(nil), nil
}
