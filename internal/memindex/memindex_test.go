package memindex

import (
	"context"
	"testing"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
	"github.com/pelagodb/core/internal/storage/memstore"
)

func TestApplyMaintainsSortedOrder(t *testing.T) {
	ix := New()
	ix.Apply([]Entry{
		{Key: []byte("c"), TS: 1},
		{Key: []byte("a"), TS: 1},
		{Key: []byte("b"), TS: 1},
	})
	got := ix.Scan(storage.All(), document.Asc, 0)
	want := []string{"a", "b", "c"}
	if len(got) != 3 {
		t.Fatalf("Scan() = %d entries, want 3", len(got))
	}
	for i, w := range want {
		if string(got[i].Key) != w {
			t.Errorf("Scan()[%d] = %q, want %q", i, got[i].Key, w)
		}
	}
}

func TestApplyLaterTSWinsOnSameKey(t *testing.T) {
	ix := New()
	id1 := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	id2 := document.DocumentID{Tablet: id1.Tablet, Internal: document.NewInternalID()}
	ix.Apply([]Entry{{Key: []byte("k"), TS: 1, ID: id1}})
	ix.Apply([]Entry{{Key: []byte("k"), TS: 2, ID: id2}})

	got, ok := ix.Get([]byte("k"))
	if !ok {
		t.Fatalf("Get() not found")
	}
	if got.ID != id2 {
		t.Errorf("Get().ID = %v, want %v (the later write)", got.ID, id2)
	}
}

func TestGetSkipsTombstones(t *testing.T) {
	ix := New()
	ix.Apply([]Entry{{Key: []byte("k"), TS: 1, Deleted: true}})
	if _, ok := ix.Get([]byte("k")); ok {
		t.Fatalf("Get() should not return a tombstoned entry")
	}
}

func TestScanRespectsIntervalBounds(t *testing.T) {
	ix := New()
	ix.Apply([]Entry{
		{Key: []byte("a"), TS: 1},
		{Key: []byte("b"), TS: 1},
		{Key: []byte("c"), TS: 1},
		{Key: []byte("d"), TS: 1},
	})
	got := ix.Scan(storage.Interval{Start: []byte("b"), End: []byte("d")}, document.Asc, 0)
	if len(got) != 2 || string(got[0].Key) != "b" || string(got[1].Key) != "c" {
		t.Fatalf("Scan([b,d)) = %+v, want [b c]", got)
	}
}

func TestRebuildFromSnapshot(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	lease, err := s.AcquireLease(ctx, "w1", 1)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	id := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	doc := document.DocumentLogEntry{TS: 5, ID: id, TableID: "t", Value: &document.Document{ID: id, CreationTime: 1}}
	idx := storage.IndexEntry{IndexID: "t_by_id", TS: 5, Key: []byte("key-1"), TableID: "t", DocumentID: id}
	batch := storage.WriteBatch{Documents: []document.DocumentLogEntry{doc}, Indexes: []storage.IndexEntry{idx}}
	if err := s.Write(ctx, lease, batch, storage.ConflictError); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ix, err := RebuildFromSnapshot(ctx, s.Reader(), "t_by_id", 5)
	if err != nil {
		t.Fatalf("RebuildFromSnapshot() error = %v", err)
	}
	if ix.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", ix.Len())
	}
	got, ok := ix.Get([]byte("key-1"))
	if !ok || got.ID != id {
		t.Fatalf("Get(key-1) = %+v, %v, want id = %v", got, ok, id)
	}
}
