package txn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pelagodb/core/internal/convexkey"
	"github.com/pelagodb/core/internal/corerr"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/memindex"
	"github.com/pelagodb/core/internal/metrics"
	"github.com/pelagodb/core/internal/storage"
	"github.com/pelagodb/core/internal/subscribe"
)

// Commit validates this transaction's read-set against every commit that
// landed since its snapshot, then atomically writes its buffered documents
// and their derived index entries under the single commit gate, per
// spec.md §4.6 steps 4-6 (one committer holds the gate at a time; commit
// timestamps strictly increase). A read-only transaction (no buffered
// writes) commits for free: there is nothing to validate or persist.
func (t *Transaction) Commit(ctx context.Context) (document.Timestamp, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	defer func() { t.done = true }()

	if len(t.order) == 0 {
		return t.snapshotTS, nil
	}

	start := time.Now()
	defer func() { metrics.CommitDurationSeconds.Observe(time.Since(start).Seconds()) }()

	db := t.db
	db.commitGate.Lock()
	defer db.commitGate.Unlock()

	if t.snapshotTS < db.MinSnapshot() {
		return 0, corerr.RetentionExpired(fmt.Sprintf("txn: snapshot %d expired before commit", t.snapshotTS))
	}

	candidateTS := db.nextCommitTSLocked()
	if err := db.validateOCCLocked(t, candidateTS); err != nil {
		return 0, err
	}

	docsOut := make([]document.DocumentLogEntry, 0, len(t.order))
	idxOut := make([]storage.IndexEntry, 0, len(t.order)*2)
	writtenEntries := make([]subscribe.WrittenEntry, 0, len(t.order)*2)
	writtenDocs := make([]subscribe.WrittenDoc, 0, len(t.order))
	memUpdates := make(map[string][]memindex.Entry)
	prevByID := make(map[document.DocumentID]*document.DocumentLogEntry, len(t.order))

	for _, id := range t.order {
		pw := t.writes[id]

		var prev *document.DocumentLogEntry
		if !pw.isInsert {
			var err error
			prev, err = db.persistence.Reader().GetDocument(ctx, pw.tableID, id, nil)
			if err != nil {
				return 0, corerr.Wrap(corerr.KindSystem, "ReadFailed", err)
			}
		}
		prevByID[id] = prev
		var prevTS *document.Timestamp
		if prev != nil {
			ts := prev.TS
			prevTS = &ts
		}

		docsOut = append(docsOut, document.DocumentLogEntry{
			TS:      candidateTS,
			ID:      id,
			TableID: pw.tableID,
			Value:   pw.value,
			PrevTS:  prevTS,
		})

		if pw.value != nil {
			writtenDocs = append(writtenDocs, subscribe.WrittenDoc{TableID: pw.tableID, Fields: convexFields(pw.value.Fields)})
		}

		for _, m := range db.registry.LiveIndexesForTablet(pw.tablet) {
			deleted := pw.value == nil
			var key []byte
			switch {
			case !deleted:
				k, err := indexKey(m.Descriptor, pw.value, id)
				if err != nil {
					return 0, corerr.Wrap(corerr.KindFatal, "IndexKeyDerivation", err)
				}
				key = k
			case m.Descriptor.IsByID():
				key = byIDKey(id)
			case prev != nil && prev.Value != nil:
				// Tombstoning a non-by_id index needs the key the document
				// was last indexed under, not one derived from the (nil)
				// new value.
				k, err := indexKey(m.Descriptor, prev.Value, id)
				if err != nil {
					return 0, corerr.Wrap(corerr.KindFatal, "IndexKeyDerivation", err)
				}
				key = k
			default:
				continue
			}
			idxOut = append(idxOut, storage.IndexEntry{
				IndexID:    m.Name,
				TS:         candidateTS,
				Key:        key,
				Deleted:    deleted,
				TableID:    pw.tableID,
				DocumentID: id,
			})
			writtenEntries = append(writtenEntries, subscribe.WrittenEntry{IndexID: m.Name, Key: key})
			memUpdates[m.Name] = append(memUpdates[m.Name], memindex.Entry{
				Key: key, TS: candidateTS, ID: id, TableID: pw.tableID, Deleted: deleted,
			})
		}
	}

	batch := storage.WriteBatch{Documents: docsOut, Indexes: idxOut}
	if err := db.persistence.Write(ctx, db.lease, batch, storage.ConflictError); err != nil {
		switch {
		case errors.Is(err, storage.ErrLeaseLost):
			return 0, corerr.New(corerr.KindFatal, "LeaseLost", "writer lease lost to another process")
		case errors.Is(err, storage.ErrPrimaryKeyCollision):
			// Another committer landed on the same (ts, id) slot; the
			// timestamp race is an ordinary OCC conflict to retry.
			return 0, corerr.Wrap(corerr.KindOCC, "WriteConflict", err)
		default:
			return 0, corerr.Wrap(corerr.KindSystem, "WriteFailed", err)
		}
	}

	db.lastCommitTS.Store(uint64(candidateTS))
	for _, id := range t.order {
		pw := t.writes[id]
		db.applySummary(pw.tableID, prevByID[id], pw.value)
	}
	db.applyMemIndexesLocked(memUpdates)
	db.appendCommitLocked(candidateTS, writtenEntries, writtenDocs)
	db.subs.Publish(candidateTS, writtenEntries, writtenDocs)

	metrics.WriteSetSizeRows.Observe(float64(len(t.order)))
	metrics.ReadSetSizeRows.Observe(float64(t.reads.RowsRead()))

	return candidateTS, nil
}

// OptimisticValidateSnapshot is the cheap pre-scan guard spec.md §4.7 calls
// for before a long-running index scan: just the retention-floor check,
// without re-scanning the commit log. ValidateSnapshot is the authoritative
// check to run again afterward.
func (t *Transaction) OptimisticValidateSnapshot() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.snapshotTS < t.db.MinSnapshot() {
		return corerr.RetentionExpired(fmt.Sprintf("txn: snapshot %d below retention floor", t.snapshotTS))
	}
	return nil
}

// ValidateSnapshot re-checks this transaction's accumulated read-set
// against every commit so far without writing anything, letting a
// long-lived reader (internal/retention's guards, a polling scheduler
// query) confirm its view is still live before acting on it, per spec.md
// §4.7's optimistic_validate_snapshot/validate_snapshot pair.
func (t *Transaction) ValidateSnapshot() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.snapshotTS < t.db.MinSnapshot() {
		return corerr.RetentionExpired(fmt.Sprintf("txn: snapshot %d expired", t.snapshotTS))
	}
	return t.db.validateOCCLocked(t, t.db.LastCommitTS().Succ())
}

// nextCommitTSLocked assigns the next commit timestamp: strictly greater
// than the last one, and no less than the current wall clock, matching the
// teacher's monotonic-timestamp convention generalized from a single
// global counter to the wall-clock-floor rule spec.md §4.1 specifies.
func (db *Database) nextCommitTSLocked() document.Timestamp {
	next := db.LastCommitTS().Succ()
	if now := document.Now(); now > next {
		next = now
	}
	return next
}

// validateOCCLocked re-scans every commit strictly between t's snapshot and
// candidateTS for an intersection with t's read-set: an index-key write
// that falls inside a recorded interval, or a filter-read match against a
// written document's fields, per spec.md §4.6 step 4.
func (db *Database) validateOCCLocked(t *Transaction, candidateTS document.Timestamp) error {
	db.commitLogMu.RLock()
	defer db.commitLogMu.RUnlock()

	for _, rec := range db.commitLog {
		if rec.ts <= t.snapshotTS || rec.ts >= candidateTS {
			continue
		}
		for _, e := range rec.entries {
			if t.reads.Intersects(e.IndexID, e.Key) {
				return corerr.OCC("WriteConflict", fmt.Sprintf("read of index %q conflicts with commit at %d", e.IndexID, rec.ts))
			}
		}
		if len(t.reads.FilterReads()) == 0 {
			continue
		}
		for _, fr := range t.reads.FilterReads() {
			for _, d := range rec.docs {
				if d.TableID != fr.TableID {
					continue
				}
				if v, ok := d.Fields[fr.FieldPath]; ok && valuesEqual(v, fr.Value) {
					return corerr.OCC("WriteConflict", fmt.Sprintf("filter read on %s.%s conflicts with commit at %d", fr.TableID, fr.FieldPath, rec.ts))
				}
			}
		}
	}
	return nil
}

// appendCommitLocked records a successful commit's write-set for later OCC
// re-scans and subscription matching. Must be called with commitGate held.
func (db *Database) appendCommitLocked(ts document.Timestamp, entries []subscribe.WrittenEntry, docs []subscribe.WrittenDoc) {
	db.commitLogMu.Lock()
	defer db.commitLogMu.Unlock()
	db.commitLog = append(db.commitLog, commitRecord{ts: ts, entries: entries, docs: docs})
}

// applyMemIndexesLocked installs a commit's derived index updates into the
// resident in-memory indexes that mirror them, in commit order, per
// spec.md §4.4.
func (db *Database) applyMemIndexesLocked(updates map[string][]memindex.Entry) {
	db.tablesMu.RLock()
	defer db.tablesMu.RUnlock()
	for name, entries := range updates {
		if mi, ok := db.mem[name]; ok {
			mi.Apply(entries)
		}
	}
}

// valuesEqual duplicates subscribe's unexported helper of the same name:
// both packages need byte-exact comparison of two convexkey.Value instances
// (order-preserving encode, then compare).
func valuesEqual(a, b convexkey.Value) bool {
	return bytes.Equal(convexkey.EncodeValue(nil, a), convexkey.EncodeValue(nil, b))
}
