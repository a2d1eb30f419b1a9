package txn

import (
	"context"
	"fmt"
	"strings"

	"github.com/pelagodb/core/internal/convexkey"
	"github.com/pelagodb/core/internal/corerr"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/memindex"
	"github.com/pelagodb/core/internal/readset"
	"github.com/pelagodb/core/internal/registry"
	"github.com/pelagodb/core/internal/storage"
)

// pendingWrite is one buffered mutation, keyed by document id. A nil value
// means a delete; isInsert distinguishes a brand-new document (no
// prev_ts) from a replace/patch of an existing one.
type pendingWrite struct {
	tableID  string
	tablet   document.TabletID
	id       document.DocumentID
	value    *document.Document
	isInsert bool
}

// Transaction buffers one caller's reads and writes between Begin and
// Commit/Abort, per spec.md §4.6 steps 2-3. It is not safe for concurrent
// use by multiple goroutines.
type Transaction struct {
	db           *Database
	snapshotTS   document.Timestamp
	registrySnap *registry.Registry
	reads        *readset.Tracker
	writes       map[document.DocumentID]*pendingWrite
	order        []document.DocumentID
	writeCount   int
	writeBytes   int
	done         bool
}

// SnapshotTS returns the timestamp this transaction reads at.
func (t *Transaction) SnapshotTS() document.Timestamp { return t.snapshotTS }

// ReadSet returns the accumulated read-set tracker, for registering a
// subscription against this transaction's reads (internal/subscribe).
func (t *Transaction) ReadSet() *readset.Tracker { return t.reads }

// Registry returns the registry snapshot this transaction reads index
// metadata through.
func (t *Transaction) Registry() *registry.Registry { return t.registrySnap }

func (t *Transaction) checkOpen() error {
	if t.done {
		return fmt.Errorf("txn: transaction already committed or aborted")
	}
	return nil
}

// Get performs a by-id point read, logging it into the read-set as the
// prefix interval over the table's by_id index (spec.md §4.5 "point reads
// are modeled as prefix intervals"). Returns (nil, nil) if the document
// does not exist or is a tombstone at this snapshot. Read-your-writes: a
// document staged for write in this transaction reflects the staged value.
func (t *Transaction) Get(ctx context.Context, tableID string, id document.DocumentID) (*document.Document, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if pw, ok := t.writes[id]; ok {
		return pw.value, nil
	}
	idxName, ok := t.db.byIDIndexName(id.Tablet)
	if !ok {
		return nil, corerr.New(corerr.KindUser, "UnknownTable", fmt.Sprintf("txn: unknown tablet %s", id.Tablet))
	}
	key := byIDKey(id)
	if err := t.reads.RecordPointRead(idxName, key); err != nil {
		return nil, corerr.Wrap(corerr.KindUser, "TooManyReads", err)
	}
	ts := t.snapshotTS
	entry, err := t.db.persistence.Reader().GetDocument(ctx, tableID, id, &ts)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindSystem, "ReadFailed", err)
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Value, nil
}

// ScanIndex reads every live document whose key in indexName falls within
// interval, at this transaction's snapshot, recording the interval into
// the read-set for OCC validation and subscription matching. Fails with a
// User error if indexName is unknown or still Backfilling (only Enabled
// indexes serve reads, per spec.md §4.3).
func (t *Transaction) ScanIndex(ctx context.Context, indexName string, interval storage.Interval, order document.Order, limit int) ([]*document.Document, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := t.registrySnap.EnabledIndexMetadata(indexName); !ok {
		if _, pending := t.registrySnap.GetPending(indexName); pending {
			return nil, corerr.New(corerr.KindUser, "IndexNotReady", fmt.Sprintf("index %q is still backfilling", indexName))
		}
		return nil, corerr.New(corerr.KindUser, "UnknownIndex", fmt.Sprintf("index %q is not registered", indexName))
	}
	if err := t.reads.RecordIndexedDirectly(indexName, interval.Start, interval.End, 0); err != nil {
		return nil, corerr.Wrap(corerr.KindUser, "TooManyReads", err)
	}

	if mi, ok := t.db.memIndex(indexName); ok && t.snapshotTS == t.db.LastCommitTS() {
		return t.scanResident(ctx, mi, interval, order, limit)
	}

	results, err := t.db.persistence.Reader().IndexScan(ctx, indexName, interval, t.snapshotTS, order, limit)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindSystem, "IndexScanFailed", err)
	}
	docs := make([]*document.Document, 0, len(results))
	for _, r := range results {
		if r.Document.Value != nil {
			docs = append(docs, r.Document.Value)
		}
	}
	return docs, nil
}

// scanResident serves a scan from the resident in-memory index: it avoids
// the persistence backend's index query entirely (spec.md §4.4), but still
// fetches each matching document's payload from persistence since the
// in-memory index only materializes key -> (ts, document-id) pointers.
func (t *Transaction) scanResident(ctx context.Context, mi *memindex.Index, interval storage.Interval, order document.Order, limit int) ([]*document.Document, error) {
	entries := mi.Scan(interval, order, limit)
	docs := make([]*document.Document, 0, len(entries))
	for _, e := range entries {
		ts := t.snapshotTS
		full, err := t.db.persistence.Reader().GetDocument(ctx, e.TableID, e.ID, &ts)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindSystem, "ReadFailed", err)
		}
		if full != nil && full.Value != nil {
			docs = append(docs, full.Value)
		}
	}
	return docs, nil
}

// RecordFilterRead records a text-search-style filter-condition read:
// "this transaction's result depended on tableID.fieldPath == value",
// matched at commit time by value equality against any written document
// in the same table (spec.md §4.5).
func (t *Transaction) RecordFilterRead(tableID, fieldPath string, value convexkey.Value) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.reads.RecordFilterRead(tableID, fieldPath, value); err != nil {
		return corerr.Wrap(corerr.KindUser, "TooManyReads", err)
	}
	return nil
}

// Insert stages a new document in tablet, assigning a fresh internal id and
// creation time. Validated eagerly against the schema/size/nesting
// invariants of spec.md §3/§4.6 so the caller learns of a bad write before
// commit, not at commit time.
func (t *Transaction) Insert(tableID string, tablet document.TabletID, fields map[string]any) (document.DocumentID, error) {
	if err := t.checkOpen(); err != nil {
		return document.DocumentID{}, err
	}
	id := document.DocumentID{Tablet: tablet, Internal: document.NewInternalID()}
	doc := &document.Document{ID: id, CreationTime: float64(document.Now()) / 1e6, Fields: cloneFields(fields)}
	if err := document.Validate(doc); err != nil {
		return document.DocumentID{}, corerr.Wrap(corerr.KindUser, "SchemaEnforcementError", err)
	}
	if err := t.stage(tableID, id, tablet, doc, true); err != nil {
		return document.DocumentID{}, err
	}
	return id, nil
}

// Replace overwrites id's entire payload, keeping its original creation
// time (immutable per spec.md §4.6 invariant 3).
func (t *Transaction) Replace(ctx context.Context, tableID string, id document.DocumentID, fields map[string]any) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	existing, err := t.currentValue(ctx, tableID, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return corerr.New(corerr.KindUser, "DocumentNotFound", fmt.Sprintf("document %s not found", id))
	}
	doc := &document.Document{ID: id, CreationTime: existing.CreationTime, Fields: cloneFields(fields)}
	if err := document.Validate(doc); err != nil {
		return corerr.Wrap(corerr.KindUser, "SchemaEnforcementError", err)
	}
	return t.stage(tableID, id, id.Tablet, doc, false)
}

// Patch merges patch into id's existing fields; a nil value for a key
// deletes that field, matching the teacher's UpdateIssue merge semantics
// (internal/storage/convex/adapter.go) generalized to an arbitrary field
// set instead of fixed issue columns.
func (t *Transaction) Patch(ctx context.Context, tableID string, id document.DocumentID, patch map[string]any) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	existing, err := t.currentValue(ctx, tableID, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return corerr.New(corerr.KindUser, "DocumentNotFound", fmt.Sprintf("document %s not found", id))
	}
	merged := cloneFields(existing.Fields)
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	doc := &document.Document{ID: id, CreationTime: existing.CreationTime, Fields: merged}
	if err := document.Validate(doc); err != nil {
		return corerr.Wrap(corerr.KindUser, "SchemaEnforcementError", err)
	}
	return t.stage(tableID, id, id.Tablet, doc, false)
}

// Delete stages a tombstone for id.
func (t *Transaction) Delete(ctx context.Context, tableID string, id document.DocumentID) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	existing, err := t.currentValue(ctx, tableID, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return corerr.New(corerr.KindUser, "DocumentNotFound", fmt.Sprintf("document %s not found", id))
	}
	return t.stage(tableID, id, id.Tablet, nil, false)
}

func (t *Transaction) currentValue(ctx context.Context, tableID string, id document.DocumentID) (*document.Document, error) {
	if pw, ok := t.writes[id]; ok {
		return pw.value, nil
	}
	return t.Get(ctx, tableID, id)
}

// stage buffers a write, enforcing the per-transaction write caps of
// spec.md §5 (transaction_max_num_user_writes,
// transaction_max_user_write_size_bytes).
func (t *Transaction) stage(tableID string, id document.DocumentID, tablet document.TabletID, value *document.Document, isInsert bool) error {
	if _, exists := t.writes[id]; !exists {
		t.writeCount++
		if t.db.limits.MaxUserWrites > 0 && t.writeCount > t.db.limits.MaxUserWrites {
			return corerr.New(corerr.KindUser, "TooManyWrites", fmt.Sprintf("exceeded max user writes (%d)", t.db.limits.MaxUserWrites))
		}
		t.order = append(t.order, id)
	}
	if value != nil {
		t.writeBytes += document.EncodedSize(value)
		if t.db.limits.MaxUserWriteBytes > 0 && t.writeBytes > t.db.limits.MaxUserWriteBytes {
			return corerr.New(corerr.KindUser, "TooManyBytesWritten", fmt.Sprintf("exceeded max write bytes (%d)", t.db.limits.MaxUserWriteBytes))
		}
	}
	t.writes[id] = &pendingWrite{tableID: tableID, tablet: tablet, id: id, value: value, isInsert: isInsert}
	return nil
}

// Abort discards the write-set. Safe to call even if nothing was written.
func (t *Transaction) Abort() {
	t.done = true
	t.writes = nil
	t.order = nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func byIDKey(id document.DocumentID) []byte {
	return convexkey.Encode(nil, id.Bytes())
}

func indexKey(d registry.Descriptor, doc *document.Document, id document.DocumentID) ([]byte, error) {
	values := make([]convexkey.Value, len(d.Fields))
	for i, path := range d.Fields {
		raw, found := fieldAtPath(doc.Fields, path)
		if !found {
			// An absent field sorts below every present value, explicit
			// null included.
			values[i] = convexkey.Missing()
			continue
		}
		v, err := convexkey.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("deriving key for field %q of %s: %w", path, id, err)
		}
		values[i] = v
	}
	return convexkey.Encode(values, id.Bytes()), nil
}

// fieldAtPath resolves a dot-separated field path against a document's
// fields. The second result distinguishes an absent field (false) from a
// present field whose value is an explicit null (true, nil).
func fieldAtPath(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func convexFields(fields map[string]any) map[string]convexkey.Value {
	out := make(map[string]convexkey.Value, len(fields))
	for k, v := range fields {
		cv, err := convexkey.FromAny(v)
		if err != nil {
			continue
		}
		out[k] = cv
	}
	return out
}
