package readset

import (
	"fmt"
	"sync"

	"github.com/pelagodb/core/internal/convexkey"
)

// FilterRead records a text-search-style filter-condition read: "the
// transaction read documents in tableID where fieldPath equals value".
// Matched by value equality against any written document in the same
// table, per spec.md §4.5, rather than by an index-key interval.
type FilterRead struct {
	TableID   string
	FieldPath string
	Value     convexkey.Value
}

// Limits bounds a single transaction's read-set, per spec.md §4.5's "total
// heap size is monitored against per-transaction limits".
type Limits struct {
	MaxIntervals int
	MaxReadBytes int
	MaxReadRows  int
}

// Tracker accumulates one transaction's reads: per-index interval sets
// plus filter-condition reads, with running size accounting.
type Tracker struct {
	mu          sync.Mutex
	byIndex     map[string]*IntervalSet
	filters     []FilterRead
	readBytes   int
	readRows    int
	intervalCnt int
	limits      Limits
}

// NewTracker creates an empty tracker bound by limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{byIndex: make(map[string]*IntervalSet), limits: limits}
}

// RecordIndexedDirectly adds interval [start, end) to indexID's interval
// set and accounts its size against the transaction's limits.
func (t *Tracker) RecordIndexedDirectly(indexID string, start, end []byte, rowsMatched int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byIndex[indexID]
	if !ok {
		set = NewIntervalSet()
		t.byIndex[indexID] = set
	}
	set.Add(start, end)
	t.recountIntervalsLocked()
	t.readBytes += len(start) + len(end)
	t.readRows += rowsMatched

	return t.checkLimitsLocked()
}

// RecordPointRead models a single-key read as the prefix interval
// [key, key+\x00).
func (t *Tracker) RecordPointRead(indexID string, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.byIndex[indexID]
	if !ok {
		set = NewIntervalSet()
		t.byIndex[indexID] = set
	}
	set.AddPoint(key)
	t.recountIntervalsLocked()
	t.readBytes += len(key)
	t.readRows++
	return t.checkLimitsLocked()
}

// RecordFilterRead records a text-search-style filter condition read.
func (t *Tracker) RecordFilterRead(tableID, fieldPath string, value convexkey.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = append(t.filters, FilterRead{TableID: tableID, FieldPath: fieldPath, Value: value})
	t.readRows++
	return t.checkLimitsLocked()
}

func (t *Tracker) recountIntervalsLocked() {
	total := 0
	for _, set := range t.byIndex {
		total += set.Len()
	}
	t.intervalCnt = total
}

func (t *Tracker) checkLimitsLocked() error {
	if t.limits.MaxIntervals > 0 && t.intervalCnt > t.limits.MaxIntervals {
		return fmt.Errorf("readset: exceeded max intervals (%d > %d)", t.intervalCnt, t.limits.MaxIntervals)
	}
	if t.limits.MaxReadBytes > 0 && t.readBytes > t.limits.MaxReadBytes {
		return fmt.Errorf("readset: exceeded max read bytes (%d > %d)", t.readBytes, t.limits.MaxReadBytes)
	}
	if t.limits.MaxReadRows > 0 && t.readRows > t.limits.MaxReadRows {
		return fmt.Errorf("readset: exceeded max read rows (%d > %d)", t.readRows, t.limits.MaxReadRows)
	}
	return nil
}

// RowsRead returns the running count of rows this tracker has accounted
// against its MaxReadRows limit, for metrics reporting at commit time.
func (t *Tracker) RowsRead() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readRows
}

// Intervals returns the canonical merged intervals recorded for indexID.
func (t *Tracker) Intervals(indexID string) []Interval {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byIndex[indexID]
	if !ok {
		return nil
	}
	return set.Intervals()
}

// IndexIDs returns every index with at least one recorded interval.
func (t *Tracker) IndexIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byIndex))
	for id := range t.byIndex {
		out = append(out, id)
	}
	return out
}

// FilterReads returns the recorded filter-condition reads.
func (t *Tracker) FilterReads() []FilterRead {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FilterRead, len(t.filters))
	copy(out, t.filters)
	return out
}

// SubtractFromInterval returns the portions of [start, end) on indexID not
// already covered by this tracker's recorded reads, per spec.md §4.5's
// subtract_from_interval operation.
func (t *Tracker) SubtractFromInterval(indexID string, start, end []byte) []Interval {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byIndex[indexID]
	if !ok {
		return []Interval{{Start: start, End: end}}
	}
	return set.SubtractFromInterval(Interval{Start: start, End: end})
}

// Intersects reports whether key falls inside any recorded interval on
// indexID — the primitive OCC validation uses to test a committed
// write's key against this transaction's read-set.
func (t *Tracker) Intersects(indexID string, key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byIndex[indexID]
	if !ok {
		return false
	}
	return set.IntersectsKey(key)
}
