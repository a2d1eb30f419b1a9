package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if !s.IsFresh() {
		t.Fatalf("IsFresh() = false, want true for a newly created store")
	}
	return s
}

func TestOpenIsFreshOnlyOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s1.Close()

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() (reopen) error = %v", err)
	}
	defer s2.Close()
	if s2.IsFresh() {
		t.Fatalf("IsFresh() = true on reopen, want false")
	}
}

func TestWriteRequiresLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	entry := document.DocumentLogEntry{TS: 1, ID: id, TableID: "things", Value: &document.Document{ID: id, CreationTime: 1, Fields: map[string]any{"a": "b"}}}

	batch := storage.WriteBatch{Documents: []document.DocumentLogEntry{entry}}
	err := s.Write(ctx, storage.Lease{Token: "nope"}, batch, storage.ConflictError)
	if err == nil {
		t.Fatalf("Write() with no acquired lease should fail")
	}

	lease, err := s.AcquireLease(ctx, "writer-1", document.Now())
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if err := s.Write(ctx, lease, batch, storage.ConflictError); err != nil {
		t.Fatalf("Write() with valid lease error = %v", err)
	}

	stale := lease
	if _, err := s.AcquireLease(ctx, "writer-2", document.Now()); err != nil {
		t.Fatalf("AcquireLease() (second writer) error = %v", err)
	}
	entry2 := entry
	entry2.TS = 2
	if err := s.Write(ctx, stale, storage.WriteBatch{Documents: []document.DocumentLogEntry{entry2}}, storage.ConflictError); err == nil {
		t.Fatalf("Write() with a superseded lease should fail")
	}
}

// A duplicate primary key fails under ConflictError with the collision
// sentinel, and succeeds idempotently under ConflictOverwrite.
func TestWriteConflictStrategies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lease, err := s.AcquireLease(ctx, "writer-1", document.Now())
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	id := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	entry := document.DocumentLogEntry{TS: 7, ID: id, TableID: "things", Value: &document.Document{ID: id, CreationTime: 1, Fields: map[string]any{"a": "b"}}}
	batch := storage.WriteBatch{Documents: []document.DocumentLogEntry{entry}}

	if err := s.Write(ctx, lease, batch, storage.ConflictError); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	err = s.Write(ctx, lease, batch, storage.ConflictError)
	if !errors.Is(err, storage.ErrPrimaryKeyCollision) {
		t.Fatalf("Write() duplicate under ConflictError = %v, want ErrPrimaryKeyCollision", err)
	}
	if err := s.Write(ctx, lease, batch, storage.ConflictOverwrite); err != nil {
		t.Fatalf("Write() duplicate under ConflictOverwrite error = %v", err)
	}
}

func TestWriteAndGetDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lease, err := s.AcquireLease(ctx, "writer-1", document.Now())
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	id := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	doc := &document.Document{ID: id, CreationTime: 100, Fields: map[string]any{"name": "x"}}
	entry := document.DocumentLogEntry{TS: 5, ID: id, TableID: "things", Value: doc}

	if err := s.Write(ctx, lease, storage.WriteBatch{Documents: []document.DocumentLogEntry{entry}}, storage.ConflictError); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := s.Reader().GetDocument(ctx, "things", id, nil)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if got == nil {
		t.Fatalf("GetDocument() = nil, want a document")
	}
	if got.Value.Fields["name"] != "x" {
		t.Errorf("Fields[name] = %v, want x", got.Value.Fields["name"])
	}

	// A tombstone write makes the document disappear from GetDocument.
	tombstone := document.DocumentLogEntry{TS: 6, ID: id, TableID: "things", Value: nil, PrevTS: tsPtr(5)}
	if err := s.Write(ctx, lease, storage.WriteBatch{Documents: []document.DocumentLogEntry{tombstone}}, storage.ConflictError); err != nil {
		t.Fatalf("Write() tombstone error = %v", err)
	}
	got, err = s.Reader().GetDocument(ctx, "things", id, nil)
	if err != nil {
		t.Fatalf("GetDocument() after delete error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetDocument() after delete = %+v, want nil", got)
	}

	// Time travel still sees the old version.
	old, err := s.Reader().GetDocument(ctx, "things", id, tsPtr(5))
	if err != nil {
		t.Fatalf("GetDocument() at ts=5 error = %v", err)
	}
	if old == nil || old.Value.Fields["name"] != "x" {
		t.Fatalf("GetDocument() at ts=5 = %+v, want the original revision", old)
	}
}

func TestIndexScanAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lease, err := s.AcquireLease(ctx, "writer-1", document.Now())
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	id1 := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	id2 := document.DocumentID{Tablet: id1.Tablet, Internal: document.NewInternalID()}

	docs := []document.DocumentLogEntry{
		{TS: 1, ID: id1, TableID: "things", Value: &document.Document{ID: id1, CreationTime: 1, Fields: map[string]any{"status": "open"}}},
		{TS: 2, ID: id2, TableID: "things", Value: &document.Document{ID: id2, CreationTime: 1, Fields: map[string]any{"status": "closed"}}},
	}
	idxs := []storage.IndexEntry{
		{IndexID: "things_by_status", TS: 1, Key: []byte("open\x00"), TableID: "things", DocumentID: id1},
		{IndexID: "things_by_status", TS: 2, Key: []byte("closed\x00"), TableID: "things", DocumentID: id2},
	}

	if err := s.Write(ctx, lease, storage.WriteBatch{Documents: docs, Indexes: idxs}, storage.ConflictError); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := s.Reader().IndexGet(ctx, "things_by_status", []byte("open\x00"), 0)
	if err != nil {
		t.Fatalf("IndexGet() error = %v", err)
	}
	if got == nil || got.ID != id1 {
		t.Fatalf("IndexGet() = %+v, want id1", got)
	}

	results, err := s.Reader().IndexScan(ctx, "things_by_status", storage.All(), 0, document.Asc, 10)
	if err != nil {
		t.Fatalf("IndexScan() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("IndexScan() returned %d results, want 2", len(results))
	}
}

func tsPtr(ts document.Timestamp) *document.Timestamp { return &ts }
