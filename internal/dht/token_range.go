package dht

import (
	"fmt"
	"sort"
	"strings"
)

// TokenRange is the half-open ring interval (Start, End]. When Start >= End the
// range wraps past MaxToken; Start == End denotes the whole ring.
type TokenRange struct {
	Start Token `json:"start" yaml:"start"`
	End   Token `json:"end" yaml:"end"`
}

// NewTokenRange creates the range (start, end]
func NewTokenRange(start, end Token) TokenRange {
	return TokenRange{Start: start, End: end}
}

// FullRing returns the range covering every token
func FullRing() TokenRange {
	return TokenRange{Start: MinToken, End: MinToken}
}

// IsFullRing reports whether the range covers the whole ring
func (r TokenRange) IsFullRing() bool {
	return r.Start == r.End
}

// IsWrapAround reports whether the range crosses the end of the ring
func (r TokenRange) IsWrapAround() bool {
	return TriCompare(r.Start, r.End) >= 0 && r.End != MinToken
}

// ContainsToken reports whether t lies in (Start, End]
func (r TokenRange) ContainsToken(t Token) bool {
	if r.IsFullRing() {
		return true
	}
	if r.End == MinToken {
		// (Start, MinToken] means everything after Start up to the end of the ring
		return TriCompare(t, r.Start) > 0
	}
	if TriCompare(r.Start, r.End) < 0 {
		return TriCompare(t, r.Start) > 0 && TriCompare(t, r.End) <= 0
	}
	return TriCompare(t, r.Start) > 0 || TriCompare(t, r.End) <= 0
}

// Contains reports whether other lies entirely inside r, using ring order
func (r TokenRange) Contains(other TokenRange) bool {
	if r.IsFullRing() {
		return true
	}
	if other.IsFullRing() {
		return false
	}
	thisWraps := r.IsWrapAround()
	otherWraps := other.IsWrapAround()

	switch {
	case thisWraps && otherWraps:
		return TriCompare(other.Start, r.Start) >= 0 && TriCompare(other.End, r.End) <= 0
	case !thisWraps && otherWraps:
		return false
	case thisWraps && !otherWraps:
		// other fits in (r.Start, MaxToken] or in (MinToken, r.End]
		return TriCompare(other.Start, r.Start) >= 0 ||
			(other.End != MinToken && TriCompare(other.End, r.End) <= 0)
	default:
		if r.End == MinToken {
			return TriCompare(other.Start, r.Start) >= 0
		}
		if other.End == MinToken {
			return false
		}
		return TriCompare(other.Start, r.Start) >= 0 && TriCompare(other.End, r.End) <= 0
	}
}

// Intersects reports whether r and other share at least one token
func (r TokenRange) Intersects(other TokenRange) bool {
	for _, a := range r.Unwrap() {
		for _, b := range other.Unwrap() {
			if a.unwrappedIntersects(b) {
				return true
			}
		}
	}
	return false
}

func (r TokenRange) unwrappedIntersects(other TokenRange) bool {
	// both are (s, e] with s < e, e == MinToken meaning end of ring
	end := func(t Token) Token {
		if t == MinToken {
			return MaxToken
		}
		return t
	}
	return TriCompare(r.Start, end(other.End)) < 0 && TriCompare(other.Start, end(r.End)) < 0
}

// Unwrap splits a wrapping range into at most two non-wrapping ranges
func (r TokenRange) Unwrap() []TokenRange {
	if r.IsFullRing() {
		return []TokenRange{{Start: MinToken, End: MinToken}}
	}
	if !r.IsWrapAround() {
		return []TokenRange{r}
	}
	out := []TokenRange{{Start: r.Start, End: MinToken}}
	if r.End != MinToken {
		out = append(out, TokenRange{Start: MinToken, End: r.End})
	}
	return out
}

// Compare orders ranges by start token then end token
func (r TokenRange) Compare(other TokenRange) int {
	if c := TriCompare(r.Start, other.Start); c != 0 {
		return c
	}
	return TriCompare(r.End, other.End)
}

// String renders the range as (start,end]
func (r TokenRange) String() string {
	return fmt.Sprintf("(%s,%s]", r.Start, r.End)
}

// SortRanges sorts ranges in ring order of their start token
func SortRanges(ranges []TokenRange) {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Compare(ranges[j]) < 0 })
}

// FormatRanges renders a range list for logs
func FormatRanges(ranges []TokenRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// RangesForTokens returns the primary range (previous token, t] of every token
// in sorted ring order. A single token owns the full ring.
func RangesForTokens(sorted []Token) []TokenRange {
	if len(sorted) == 0 {
		return nil
	}
	if len(sorted) == 1 {
		return []TokenRange{{Start: sorted[0], End: sorted[0]}}
	}
	ranges := make([]TokenRange, 0, len(sorted))
	for i, t := range sorted {
		prev := sorted[(i+len(sorted)-1)%len(sorted)]
		ranges = append(ranges, TokenRange{Start: prev, End: t})
	}
	return ranges
}
