package mutation

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ClusteringKey is a full clustering key or, inside bounds, a prefix of one
type ClusteringKey [][]byte

// Compare orders keys component by component; a shorter prefix sorts first
func (k ClusteringKey) Compare(o ClusteringKey) int {
	n := len(k)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(k[i], o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	default:
		return 0
	}
}

// Clone deep-copies the key
func (k ClusteringKey) Clone() ClusteringKey {
	if k == nil {
		return nil
	}
	out := make(ClusteringKey, len(k))
	for i, c := range k {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// ByteSize is the sum of component lengths
func (k ClusteringKey) ByteSize() int {
	n := 0
	for _, c := range k {
		n += len(c) + 4
	}
	return n
}

// String renders the key as hex components
func (k ClusteringKey) String() string {
	parts := make([]string, len(k))
	for i, c := range k {
		parts[i] = hex.EncodeToString(c)
	}
	return "[" + strings.Join(parts, ":") + "]"
}

// BoundWeight places a position before, at, or after its key prefix
type BoundWeight int8

const (
	WeightBefore BoundWeight = -1
	WeightAt     BoundWeight = 0
	WeightAfter  BoundWeight = 1
)

// Position is a point in the clustering order of a partition. Rows sit at
// WeightAt; range tombstone bounds sit just before or after their prefix.
type Position struct {
	Key    ClusteringKey
	Weight BoundWeight
}

// BeforeAllClusteredRows precedes every row and bound
func BeforeAllClusteredRows() Position {
	return Position{Weight: WeightBefore}
}

// AfterAllClusteredRows follows every row and bound
func AfterAllClusteredRows() Position {
	return Position{Weight: WeightAfter}
}

// ForRow is the position of the row with key k
func ForRow(k ClusteringKey) Position {
	return Position{Key: k, Weight: WeightAt}
}

// AfterKey sorts right after the row with key k and all rows it prefixes
func AfterKey(k ClusteringKey) Position {
	return Position{Key: k, Weight: WeightAfter}
}

// Compare orders positions. When one key is a prefix of the other, the
// prefix's weight decides.
func (p Position) Compare(o Position) int {
	n := len(p.Key)
	if len(o.Key) < n {
		n = len(o.Key)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(p.Key[i], o.Key[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.Key) == len(o.Key):
		return compareWeight(p.Weight, o.Weight)
	case len(p.Key) < len(o.Key):
		if p.Weight == WeightAfter {
			return 1
		}
		return -1
	default:
		if o.Weight == WeightAfter {
			return -1
		}
		return 1
	}
}

func compareWeight(a, b BoundWeight) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String renders the position for debugging
func (p Position) String() string {
	return fmt.Sprintf("{%s, %d}", p.Key, p.Weight)
}

// ClusteringBound is one end of a range tombstone
type ClusteringBound struct {
	Prefix    ClusteringKey
	Inclusive bool
}

// RangeTombstone deletes the clustering rows between Start and End
type RangeTombstone struct {
	Start     ClusteringBound
	End       ClusteringBound
	Tombstone Tombstone
}

// StartPosition converts the start bound into a position
func (rt RangeTombstone) StartPosition() Position {
	if rt.Start.Inclusive {
		return Position{Key: rt.Start.Prefix, Weight: WeightBefore}
	}
	return Position{Key: rt.Start.Prefix, Weight: WeightAfter}
}

// EndPosition converts the end bound into a position
func (rt RangeTombstone) EndPosition() Position {
	if rt.End.Inclusive {
		return Position{Key: rt.End.Prefix, Weight: WeightAfter}
	}
	return Position{Key: rt.End.Prefix, Weight: WeightBefore}
}

// IsEmpty reports whether the tombstone covers no position
func (rt RangeTombstone) IsEmpty() bool {
	return rt.StartPosition().Compare(rt.EndPosition()) >= 0
}

// rangeTombstoneBetween builds the tombstone covering [start, end) positions
func rangeTombstoneBetween(start, end Position, t Tombstone) RangeTombstone {
	return RangeTombstone{
		Start:     ClusteringBound{Prefix: start.Key, Inclusive: start.Weight != WeightAfter},
		End:       ClusteringBound{Prefix: end.Key, Inclusive: end.Weight == WeightAfter},
		Tombstone: t,
	}
}

// RangeTombstoneChange says that from Position on, Tombstone applies. An
// unset tombstone closes the active range.
type RangeTombstoneChange struct {
	Position  Position
	Tombstone Tombstone
}

// GenerateChanges turns possibly overlapping range tombstones into the
// minimal sequence of changes in position order. The last change, if any,
// always closes.
func GenerateChanges(rts []RangeTombstone) []RangeTombstoneChange {
	if len(rts) == 0 {
		return nil
	}
	bounds := make([]Position, 0, 2*len(rts))
	for _, rt := range rts {
		if rt.IsEmpty() || !rt.Tombstone.IsSet() {
			continue
		}
		bounds = append(bounds, rt.StartPosition(), rt.EndPosition())
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].Compare(bounds[j]) < 0 })

	var changes []RangeTombstoneChange
	var current Tombstone
	for i, b := range bounds {
		if i > 0 && bounds[i-1].Compare(b) == 0 {
			continue
		}
		// the tombstone in force immediately after b
		var effective Tombstone
		for _, rt := range rts {
			if rt.IsEmpty() || !rt.Tombstone.IsSet() {
				continue
			}
			if rt.StartPosition().Compare(b) <= 0 && b.Compare(rt.EndPosition()) < 0 {
				effective = MaxTombstone(effective, rt.Tombstone)
			}
		}
		if effective != current {
			changes = append(changes, RangeTombstoneChange{Position: b, Tombstone: effective})
			current = effective
		}
	}
	return changes
}

// FromChanges rebuilds range tombstones from a change sequence
func FromChanges(changes []RangeTombstoneChange) []RangeTombstone {
	var out []RangeTombstone
	for i, c := range changes {
		if !c.Tombstone.IsSet() {
			continue
		}
		end := AfterAllClusteredRows()
		if i+1 < len(changes) {
			end = changes[i+1].Position
		}
		out = append(out, rangeTombstoneBetween(c.Position, end, c.Tombstone))
	}
	return out
}

// NormalizeRangeTombstones returns the canonical, non-overlapping form
func NormalizeRangeTombstones(rts []RangeTombstone) []RangeTombstone {
	return FromChanges(GenerateChanges(rts))
}

// CoveringTombstone returns the strongest range tombstone covering pos
func CoveringTombstone(rts []RangeTombstone, pos Position) Tombstone {
	var t Tombstone
	for _, rt := range rts {
		if rt.StartPosition().Compare(pos) <= 0 && pos.Compare(rt.EndPosition()) < 0 {
			t = MaxTombstone(t, rt.Tombstone)
		}
	}
	return t
}
