package txn_test

import (
	"context"
	"testing"

	"github.com/pelagodb/core/internal/corerr"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/registry"
	"github.com/pelagodb/core/internal/storage/memstore"
	"github.com/pelagodb/core/internal/subscribe"
	"github.com/pelagodb/core/internal/txn"
)

func newDB(t *testing.T) (*txn.Database, string) {
	t.Helper()
	store := memstore.New()
	reg := registry.New()
	db, err := txn.Open(context.Background(), store, reg, subscribe.New(), txn.Limits{}, "writer-1", nil)
	if err != nil {
		t.Fatalf("txn.Open: %v", err)
	}
	table := "widgets"
	db.CreateTable(table)
	return db, table
}

// S1: a basic insert is visible to a transaction begun afterward, and
// invisible to one begun (and still open) beforehand.
func TestBasicMVCCVisibility(t *testing.T) {
	db, table := newDB(t)
	ctx := context.Background()

	before, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	writer, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tablet, _ := db.TableID(table)
	id, err := writer.Insert(table, tablet, map[string]any{"name": "sprocket"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := writer.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := before.Get(ctx, table, id)
	if err != nil {
		t.Fatalf("Get (before snapshot): %v", err)
	}
	if got != nil {
		t.Fatalf("expected document invisible to pre-commit snapshot, got %+v", got)
	}

	after, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, err = after.Get(ctx, table, id)
	if err != nil {
		t.Fatalf("Get (after snapshot): %v", err)
	}
	if got == nil || got.Fields["name"] != "sprocket" {
		t.Fatalf("expected committed document visible, got %+v", got)
	}
}

// Read-your-writes: a value staged for write in the same transaction is
// visible to a subsequent Get in that transaction, before commit.
func TestReadYourWrites(t *testing.T) {
	db, table := newDB(t)
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tablet, _ := db.TableID(table)
	id, err := tx.Insert(table, tablet, map[string]any{"name": "sprocket"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := tx.Get(ctx, table, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Fields["name"] != "sprocket" {
		t.Fatalf("expected read-your-writes to see staged insert, got %+v", got)
	}
	if err := tx.Patch(ctx, table, id, map[string]any{"name": "gadget"}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	got, err = tx.Get(ctx, table, id)
	if err != nil {
		t.Fatalf("Get after patch: %v", err)
	}
	if got.Fields["name"] != "gadget" {
		t.Fatalf("expected patched value visible pre-commit, got %+v", got)
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// S2: two transactions that begin at the same snapshot and both read then
// write the same document race at commit; the second committer's read-set
// must conflict with the first's write-set and be rejected with an OCC
// error, never silently overwriting.
func TestOCCAbortOnConflictingWrite(t *testing.T) {
	db, table := newDB(t)
	ctx := context.Background()
	tablet, _ := db.TableID(table)

	seed, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := seed.Insert(table, tablet, map[string]any{"count": float64(0)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := seed.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txA, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin A: %v", err)
	}
	txB, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin B: %v", err)
	}

	if _, err := txA.Get(ctx, table, id); err != nil {
		t.Fatalf("A Get: %v", err)
	}
	if _, err := txB.Get(ctx, table, id); err != nil {
		t.Fatalf("B Get: %v", err)
	}

	if err := txA.Patch(ctx, table, id, map[string]any{"count": float64(1)}); err != nil {
		t.Fatalf("A Patch: %v", err)
	}
	if _, err := txA.Commit(ctx); err != nil {
		t.Fatalf("A Commit: %v", err)
	}

	if err := txB.Patch(ctx, table, id, map[string]any{"count": float64(2)}); err != nil {
		t.Fatalf("B Patch: %v", err)
	}
	_, err = txB.Commit(ctx)
	if err == nil {
		t.Fatalf("expected OCC conflict committing B after A, got nil error")
	}
	if !corerr.IsOCC(err) {
		t.Fatalf("expected OCC-classified error, got %v", err)
	}

	final, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, err := final.Get(ctx, table, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Fields["count"] != float64(1) {
		t.Fatalf("expected A's write to stand, got %+v", got)
	}
}

// A transaction that only reads commits for free and never conflicts with
// a concurrent writer, since it never touched the write path.
func TestReadOnlyTransactionNeverConflicts(t *testing.T) {
	db, table := newDB(t)
	ctx := context.Background()
	tablet, _ := db.TableID(table)

	seed, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := seed.Insert(table, tablet, map[string]any{"count": float64(0)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := seed.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := reader.Get(ctx, table, id); err != nil {
		t.Fatalf("Get: %v", err)
	}

	writer, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := writer.Patch(ctx, table, id, map[string]any{"count": float64(9)}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if _, err := writer.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := reader.Commit(ctx); err != nil {
		t.Fatalf("expected read-only commit to succeed, got %v", err)
	}
}

// The per-table summary tracks the live footprint incrementally: inserts
// raise the count, deletes lower it, and a replace only moves the size.
func TestTableSummaryTracksLiveFootprint(t *testing.T) {
	db, table := newDB(t)
	ctx := context.Background()
	tablet, _ := db.TableID(table)

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := tx.Insert(table, tablet, map[string]any{"name": "a"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := tx.Insert(table, tablet, map[string]any{"name": "b"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s := db.TableSummary(table)
	if s.DocumentCount != 2 || s.TotalSizeBytes <= 0 {
		t.Fatalf("TableSummary after two inserts = %+v, want count 2 and positive size", s)
	}

	del, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := del.Delete(ctx, table, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := del.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s = db.TableSummary(table)
	if s.DocumentCount != 1 {
		t.Fatalf("TableSummary after delete = %+v, want count 1", s)
	}
}

// Deleting a document that does not exist is a deterministic User error,
// not an OCC conflict, and is never retried by a caller that distinguishes
// the two kinds.
func TestDeleteMissingDocumentIsUserError(t *testing.T) {
	db, table := newDB(t)
	ctx := context.Background()
	tablet, _ := db.TableID(table)
	missing := document.DocumentID{Tablet: tablet, Internal: document.NewInternalID()}

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err = tx.Delete(ctx, table, missing)
	if err == nil {
		t.Fatalf("expected error deleting a missing document")
	}
	if !corerr.IsUser(err) {
		t.Fatalf("expected User-classified error, got %v", err)
	}
}
