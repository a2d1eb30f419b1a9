package readset

import (
	"testing"

	"github.com/pelagodb/core/internal/convexkey"
)

func TestRecordPointReadAndIntersects(t *testing.T) {
	tr := NewTracker(Limits{})
	if err := tr.RecordPointRead("things_by_id", []byte("doc-1")); err != nil {
		t.Fatalf("RecordPointRead() error = %v", err)
	}
	if !tr.Intersects("things_by_id", []byte("doc-1")) {
		t.Fatalf("Intersects() = false, want true for the recorded key")
	}
	if tr.Intersects("things_by_id", []byte("doc-2")) {
		t.Fatalf("Intersects() = true, want false for an unrelated key")
	}
	if tr.Intersects("other_index", []byte("doc-1")) {
		t.Fatalf("Intersects() = true, want false for an index with no recorded reads")
	}
}

func TestRecordIndexedDirectlyEnforcesMaxIntervals(t *testing.T) {
	tr := NewTracker(Limits{MaxIntervals: 1})
	if err := tr.RecordIndexedDirectly("idx", []byte("a"), []byte("b"), 1); err != nil {
		t.Fatalf("first RecordIndexedDirectly() error = %v", err)
	}
	// A disjoint interval pushes the count to 2, over the limit.
	if err := tr.RecordIndexedDirectly("idx", []byte("d"), []byte("e"), 1); err == nil {
		t.Fatalf("RecordIndexedDirectly() should fail once MaxIntervals is exceeded")
	}
}

func TestRecordFilterReadEnforcesMaxReadRows(t *testing.T) {
	tr := NewTracker(Limits{MaxReadRows: 1})
	if err := tr.RecordFilterRead("things", "status", convexkey.String("open")); err != nil {
		t.Fatalf("first RecordFilterRead() error = %v", err)
	}
	if err := tr.RecordFilterRead("things", "status", convexkey.String("closed")); err == nil {
		t.Fatalf("RecordFilterRead() should fail once MaxReadRows is exceeded")
	}
	reads := tr.FilterReads()
	if len(reads) != 2 {
		t.Fatalf("FilterReads() = %d entries, want 2 (the limit failure still records the read)", len(reads))
	}
}

func TestIndexIDsAndIntervals(t *testing.T) {
	tr := NewTracker(Limits{})
	tr.RecordIndexedDirectly("a", []byte("1"), []byte("2"), 0)
	tr.RecordIndexedDirectly("b", []byte("3"), []byte("4"), 0)

	ids := tr.IndexIDs()
	if len(ids) != 2 {
		t.Fatalf("IndexIDs() = %v, want 2 entries", ids)
	}
	if len(tr.Intervals("a")) != 1 {
		t.Fatalf("Intervals(a) = %v, want 1 entry", tr.Intervals("a"))
	}
	if tr.Intervals("missing") != nil {
		t.Fatalf("Intervals(missing) should be nil")
	}
}
