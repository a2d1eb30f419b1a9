package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
)

func TestWriteRequiresLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	entry := document.DocumentLogEntry{TS: 1, ID: id, TableID: "t", Value: &document.Document{ID: id, CreationTime: 1}}

	batch := storage.WriteBatch{Documents: []document.DocumentLogEntry{entry}}
	if err := s.Write(ctx, storage.Lease{Token: "x"}, batch, storage.ConflictError); err == nil {
		t.Fatalf("Write() without an acquired lease should fail")
	}

	lease, err := s.AcquireLease(ctx, "w1", 1)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if err := s.Write(ctx, lease, batch, storage.ConflictError); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

// Property: re-applying a write with ConflictOverwrite yields the same
// state as one application, while ConflictError refuses the duplicate.
func TestWriteConflictStrategies(t *testing.T) {
	s := New()
	ctx := context.Background()
	lease, _ := s.AcquireLease(ctx, "w1", 1)

	id := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	entry := document.DocumentLogEntry{TS: 3, ID: id, TableID: "t", Value: &document.Document{ID: id, CreationTime: 1, Fields: map[string]any{"n": 1.0}}}
	idx := storage.IndexEntry{IndexID: "t_by_id", TS: 3, Key: []byte("k"), TableID: "t", DocumentID: id}
	batch := storage.WriteBatch{Documents: []document.DocumentLogEntry{entry}, Indexes: []storage.IndexEntry{idx}}

	if err := s.Write(ctx, lease, batch, storage.ConflictError); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	err := s.Write(ctx, lease, batch, storage.ConflictError)
	if !errors.Is(err, storage.ErrPrimaryKeyCollision) {
		t.Fatalf("Write() duplicate under ConflictError = %v, want ErrPrimaryKeyCollision", err)
	}

	if err := s.Write(ctx, lease, batch, storage.ConflictOverwrite); err != nil {
		t.Fatalf("Write() duplicate under ConflictOverwrite error = %v", err)
	}
	got, err := s.Reader().GetDocument(ctx, "t", id, nil)
	if err != nil || got == nil || got.Value.Fields["n"] != 1.0 {
		t.Fatalf("GetDocument() after overwrite = %+v, err = %v", got, err)
	}
	results, err := s.Reader().IndexScan(ctx, "t_by_id", storage.All(), 3, document.Asc, 10)
	if err != nil || len(results) != 1 {
		t.Fatalf("IndexScan() after overwrite = %d results (err %v), want exactly 1", len(results), err)
	}
}

func TestGetDocumentTimeTravel(t *testing.T) {
	s := New()
	ctx := context.Background()
	lease, _ := s.AcquireLease(ctx, "w1", 1)

	id := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	v1 := document.DocumentLogEntry{TS: 1, ID: id, TableID: "t", Value: &document.Document{ID: id, CreationTime: 1, Fields: map[string]any{"n": 1.0}}}
	v2 := document.DocumentLogEntry{TS: 2, ID: id, TableID: "t", Value: &document.Document{ID: id, CreationTime: 1, Fields: map[string]any{"n": 2.0}}, PrevTS: tsPtr(1)}
	if err := s.Write(ctx, lease, storage.WriteBatch{Documents: []document.DocumentLogEntry{v1, v2}}, storage.ConflictError); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	current, err := s.Reader().GetDocument(ctx, "t", id, nil)
	if err != nil || current == nil || current.Value.Fields["n"] != 2.0 {
		t.Fatalf("GetDocument() current = %+v, err = %v", current, err)
	}

	past, err := s.Reader().GetDocument(ctx, "t", id, tsPtr(1))
	if err != nil || past == nil || past.Value.Fields["n"] != 1.0 {
		t.Fatalf("GetDocument() at ts=1 = %+v, err = %v", past, err)
	}
}

func TestIndexScanRespectsReadTS(t *testing.T) {
	s := New()
	ctx := context.Background()
	lease, _ := s.AcquireLease(ctx, "w1", 1)

	id := document.DocumentID{Tablet: document.NewTabletID(), Internal: document.NewInternalID()}
	doc := document.DocumentLogEntry{TS: 5, ID: id, TableID: "t", Value: &document.Document{ID: id, CreationTime: 1}}
	idx := storage.IndexEntry{IndexID: "t_by_x", TS: 5, Key: []byte("k"), TableID: "t", DocumentID: id}
	batch := storage.WriteBatch{Documents: []document.DocumentLogEntry{doc}, Indexes: []storage.IndexEntry{idx}}
	if err := s.Write(ctx, lease, batch, storage.ConflictError); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	results, err := s.Reader().IndexScan(ctx, "t_by_x", storage.All(), 4, document.Asc, 10)
	if err != nil {
		t.Fatalf("IndexScan() error = %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("IndexScan() at readTS=4 should see nothing written at ts=5, got %d", len(results))
	}

	results, err = s.Reader().IndexScan(ctx, "t_by_x", storage.All(), 5, document.Asc, 10)
	if err != nil {
		t.Fatalf("IndexScan() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("IndexScan() at readTS=5 = %d results, want 1", len(results))
	}
}

func tsPtr(ts document.Timestamp) *document.Timestamp { return &ts }
