// Package readset implements the read-set tracker (C5): for every
// transaction, the set of index-key intervals and filter-condition reads
// it performed, in the canonical merged form OCC validation re-scans at
// commit time.
//
// IntervalSet ports the merge algorithm of
// _examples/original_source/crates/common/src/interval/interval_set.rs's
// IntervalSet::add: find every existing interval that overlaps or
// touches the new one, compute the min start / max end across all of
// them plus the new interval, evict the merged-away intervals, and
// insert the single resulting interval. The original expresses the
// "find overlapping or adjacent" step as a coroutine
// (intersecting_or_adjacent) that lazily yields candidates from a
// BTreeMap; since a transaction's whole read-set already lives in memory,
// this re-expresses the same merge as an eager scan over a sorted slice.
package readset

import (
	"bytes"
	"sort"
)

// Interval is a half-open byte-string range [Start, End). A nil End means
// unbounded above.
type Interval struct {
	Start []byte
	End   []byte
}

// endCompare orders End values where nil means +infinity.
func endCompare(a, b []byte) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	return bytes.Compare(a, b)
}

// overlapsOrTouches reports whether b starts at or before a's end (so the
// two intervals overlap or their boundaries exactly touch, which for a
// discrete byte-string key space counts as adjacency: no key can fall
// strictly between a.End and b.Start when a.End == b.Start).
func overlapsOrTouches(a, b Interval) bool {
	if a.End != nil && bytes.Compare(b.Start, a.End) > 0 {
		return false
	}
	if b.End != nil && bytes.Compare(a.Start, b.End) > 0 {
		return false
	}
	return true
}

// IntervalSet holds a disjoint, canonically merged set of intervals.
type IntervalSet struct {
	intervals []Interval // sorted by Start, pairwise non-overlapping and non-adjacent
}

// NewIntervalSet creates an empty set.
func NewIntervalSet() *IntervalSet { return &IntervalSet{} }

// Add merges [start, end) into the set, absorbing every interval it
// overlaps or touches into a single resulting interval — the same
// "charge eviction back to the insertion" amortized behavior as the
// original's add().
func (s *IntervalSet) Add(start, end []byte) {
	next := Interval{Start: start, End: end}

	i := sort.Search(len(s.intervals), func(i int) bool {
		return endCompare(s.intervals[i].End, start) >= 0
	})

	mergedStart := start
	j := i
	for j < len(s.intervals) && overlapsOrTouches(s.intervals[j], next) {
		if bytes.Compare(s.intervals[j].Start, mergedStart) < 0 {
			mergedStart = s.intervals[j].Start
		}
		if endCompare(s.intervals[j].End, next.End) > 0 {
			next.End = s.intervals[j].End
		}
		j++
	}
	next.Start = mergedStart

	merged := make([]Interval, 0, len(s.intervals)-(j-i)+1)
	merged = append(merged, s.intervals[:i]...)
	merged = append(merged, next)
	merged = append(merged, s.intervals[j:]...)
	s.intervals = merged
}

// AddPoint records a single-key read as the prefix interval [key, key+\x00),
// matching "point reads are modeled as prefix intervals" (spec.md §4.5).
func (s *IntervalSet) AddPoint(key []byte) {
	end := append(append([]byte{}, key...), 0x00)
	s.Add(key, end)
}

// Contains reports whether key falls within any recorded interval.
func (s *IntervalSet) Contains(key []byte) bool {
	i := sort.Search(len(s.intervals), func(i int) bool {
		return endCompare(s.intervals[i].End, key) > 0
	})
	return i < len(s.intervals) && bytes.Compare(s.intervals[i].Start, key) <= 0
}

// ContainsInterval reports whether q is fully covered by a single recorded
// interval.
func (s *IntervalSet) ContainsInterval(q Interval) bool {
	i := sort.Search(len(s.intervals), func(i int) bool {
		return endCompare(s.intervals[i].End, q.Start) > 0
	})
	if i >= len(s.intervals) {
		return false
	}
	iv := s.intervals[i]
	return bytes.Compare(iv.Start, q.Start) <= 0 && endCompare(iv.End, q.End) >= 0
}

// Intersects reports whether q overlaps any recorded interval — the
// operation OCC validation and subscription invalidation both use to test
// a single committed write's key against a read-set.
func (s *IntervalSet) Intersects(q Interval) bool {
	i := sort.Search(len(s.intervals), func(i int) bool {
		return endCompare(s.intervals[i].End, q.Start) > 0
	})
	if i >= len(s.intervals) {
		return false
	}
	iv := s.intervals[i]
	if q.End == nil {
		return true
	}
	return bytes.Compare(iv.Start, q.End) < 0
}

// IntersectsKey reports whether key falls inside any recorded interval —
// equivalent to Contains, provided for call-site clarity at write-set
// intersection checks.
func (s *IntervalSet) IntersectsKey(key []byte) bool { return s.Contains(key) }

// SubtractFromInterval returns the portions of q not covered by any
// interval already recorded in s, as disjoint sub-intervals of q in
// ascending order — the Go shape of the original's
// subtract_from_interval (original_source's
// crates/common/src/interval/interval_set.rs:277), which splits the
// target interval against the set and keeps only the components that
// fell outside it. Used the same way here: finding the sub-range of a
// requested scan that still needs recording instead of re-adding a
// range (or part of one) that canonical-form upkeep has already merged
// in.
func (s *IntervalSet) SubtractFromInterval(q Interval) []Interval {
	var out []Interval
	cur := q.Start

	i := sort.Search(len(s.intervals), func(i int) bool {
		return endCompare(s.intervals[i].End, cur) > 0
	})

	for ; i < len(s.intervals); i++ {
		iv := s.intervals[i]
		if q.End != nil && bytes.Compare(iv.Start, q.End) >= 0 {
			break
		}
		if bytes.Compare(iv.Start, cur) > 0 {
			gapEnd := iv.Start
			out = append(out, Interval{
				Start: append([]byte{}, cur...),
				End:   append([]byte{}, gapEnd...),
			})
		}
		if endCompare(iv.End, cur) > 0 {
			if iv.End == nil {
				// Covered to infinity: nothing past here can be outside s.
				return out
			}
			cur = iv.End
		}
		if q.End != nil && bytes.Compare(cur, q.End) >= 0 {
			return out
		}
	}

	if q.End == nil || bytes.Compare(cur, q.End) < 0 {
		out = append(out, Interval{
			Start: append([]byte{}, cur...),
			End:   q.End,
		})
	}
	return out
}

// Intervals returns the canonical merged intervals, sorted by Start.
func (s *IntervalSet) Intervals() []Interval {
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// Len returns the number of disjoint merged intervals.
func (s *IntervalSet) Len() int { return len(s.intervals) }
