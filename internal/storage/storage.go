// Package storage defines the durable persistence interfaces every backend
// (sqlitestore, mysqlstore, memstore) implements, generalizing the
// teacher's internal/storage/convex.Persistence/PersistenceReader
// (internal/storage/convex/persistence.go) from a fixed beads document
// shape to the domain-neutral document.DocumentLogEntry model, and adding
// the single-writer lease primitive spec.md §5 requires.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pelagodb/core/internal/document"
)

// ErrNoLease is returned by Write when no writer lease has ever been
// acquired.
var ErrNoLease = errors.New("storage: no writer lease acquired")

// ErrLeaseLost is returned by Write when the presented lease no longer
// matches the persisted one, meaning another process took over as writer.
var ErrLeaseLost = errors.New("storage: writer lease lost")

// ErrPrimaryKeyCollision is returned by Write under ConflictError when a
// document or index row already exists at the same primary key. The commit
// path maps it to an OCC conflict: two committers racing to the same
// (ts, id) slot means the loser must retry at a fresh timestamp.
var ErrPrimaryKeyCollision = errors.New("storage: primary key collision")

// IndexEntry is one row of a secondary index: the encoded key for a
// document's indexed field(s) at the timestamp the document revision was
// written, generalizing the teacher's convex.IndexEntry (table_id +
// document_id + key) to a typed index id.
type IndexEntry struct {
	IndexID    string
	TS         document.Timestamp
	Key        []byte
	Deleted    bool
	TableID    string
	DocumentID document.DocumentID
}

// Interval is a half-open byte-string range [Start, End) used to scan an
// index. A nil End means "no upper bound".
type Interval struct {
	Start []byte
	End   []byte
}

// All returns the interval covering every key.
func All() Interval { return Interval{Start: nil, End: nil} }

// Prefix returns the interval covering every key with the given prefix, by
// incrementing the last non-0xFF byte of the prefix to compute the
// exclusive end (mirroring convex.Interval.Prefix in the teacher).
func Prefix(prefix []byte) Interval {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return Interval{Start: prefix, End: end[:i+1]}
		}
	}
	// prefix is all 0xFF bytes (or empty): no finite upper bound.
	return Interval{Start: prefix, End: nil}
}

// IndexResult pairs an index key with the document revision it points to.
type IndexResult struct {
	Key      []byte
	Document document.DocumentLogEntry
}

// RevisionQuery identifies one document-log lookup for PreviousRevisions:
// the largest revision of (TableID, ID) strictly before TS.
type RevisionQuery struct {
	TableID string
	ID      document.DocumentID
	TS      document.Timestamp
}

// GlobalKey enumerates the persistence-wide metadata keys stored in the
// persistence_globals table, mirroring convex.GlobalKey's constants.
type GlobalKey string

const (
	GlobalMaxRepeatableTS         GlobalKey = "max_repeatable_ts"
	GlobalMinSnapshotTS           GlobalKey = "min_snapshot_ts"
	GlobalSchemaVersion           GlobalKey = "schema_version"
	GlobalDocumentRetentionCursor GlobalKey = "document_confirmed_deleted_ts"
	GlobalIndexRetentionCursor    GlobalKey = "confirmed_deleted_ts"
	GlobalTableSummary            GlobalKey = "table_summary_v2"
	GlobalWriterLease             GlobalKey = "writer_lease"
)

// ConflictStrategy specifies how Write should handle an existing entry at
// the same primary key: ConflictError fails the whole batch with
// ErrPrimaryKeyCollision, ConflictOverwrite replaces the row in place.
// Callers only pass ConflictOverwrite when re-importing existing data.
type ConflictStrategy int

const (
	ConflictError ConflictStrategy = iota
	ConflictOverwrite
)

// WriteBatch accumulates a transaction's writes for atomic commit, matching
// the teacher's convex.WriteBatch accumulator.
type WriteBatch struct {
	Documents []document.DocumentLogEntry
	Indexes   []IndexEntry
}

func (b *WriteBatch) AddDocument(doc document.DocumentLogEntry) {
	b.Documents = append(b.Documents, doc)
}

func (b *WriteBatch) AddIndex(idx IndexEntry) {
	b.Indexes = append(b.Indexes, idx)
}

func (b *WriteBatch) Clear() {
	b.Documents = b.Documents[:0]
	b.Indexes = b.Indexes[:0]
}

func (b *WriteBatch) Len() int { return len(b.Documents) + len(b.Indexes) }

// Lease is the single-writer lease token stored under GlobalWriterLease.
// Every committing write transaction must present the lease it observed at
// the start of its transaction; Write fails with ErrLeaseLost if the
// persisted lease has since changed (spec.md §5's single-writer
// discipline).
type Lease struct {
	Token      string             `json:"token"`
	AcquiredAt document.Timestamp `json:"acquired_at"`
}

// Persistence is the durable storage interface every backend implements.
// Modeled directly on the teacher's convex.Persistence, generalized to the
// domain-neutral document model and extended with lease acquisition.
type Persistence interface {
	// IsFresh reports whether this is a newly created store (first-run).
	IsFresh() bool

	// Reader returns a PersistenceReader safe for concurrent use.
	Reader() PersistenceReader

	// Write atomically writes a batch of documents and index entries,
	// validating that the presented lease still matches the persisted one
	// within the same underlying transaction. Under ConflictError an
	// existing row at any written primary key fails the whole batch with
	// ErrPrimaryKeyCollision; under ConflictOverwrite it is replaced.
	Write(ctx context.Context, lease Lease, batch WriteBatch, strategy ConflictStrategy) error

	// AcquireLease installs a new writer lease, invalidating any
	// previously issued lease. Used at startup by the sole writer.
	AcquireLease(ctx context.Context, token string, at document.Timestamp) (Lease, error)

	// CurrentLease returns the persisted lease, or the zero Lease if none
	// has been acquired yet.
	CurrentLease(ctx context.Context) (Lease, error)

	WriteGlobal(ctx context.Context, key GlobalKey, value json.RawMessage) error
	GetGlobal(ctx context.Context, key GlobalKey) (json.RawMessage, error)

	// PurgeDocumentsBefore deletes every document-log revision with
	// ts < cutoff that is not the newest revision at or before cutoff for
	// its document, so the newest-at-or-before-cutoff revision always
	// survives to answer reads at any surviving snapshot. Deletes at most
	// limit rows (0 = unlimited) and reports how many it removed, so a
	// caller can batch-delete across many calls per spec.md §4.7.
	PurgeDocumentsBefore(ctx context.Context, lease Lease, cutoff document.Timestamp, limit int) (int64, error)

	// PurgeIndexEntriesBefore is PurgeDocumentsBefore's analogue for the
	// indexes table, grouping by (index id, key) instead of document id.
	PurgeIndexEntriesBefore(ctx context.Context, lease Lease, cutoff document.Timestamp, limit int) (int64, error)

	Close() error
	Path() string
}

// PersistenceReader provides read operations, generalizing
// convex.PersistenceReader.
type PersistenceReader interface {
	LoadDocuments(ctx context.Context, tableID string, tsRange document.TimestampRange, order document.Order) ([]document.DocumentLogEntry, error)

	GetDocument(ctx context.Context, tableID string, id document.DocumentID, atTS *document.Timestamp) (*document.DocumentLogEntry, error)

	GetDocuments(ctx context.Context, tableID string, ids []document.DocumentID, atTS *document.Timestamp) (map[document.DocumentID]*document.DocumentLogEntry, error)

	// PreviousRevisions answers spec.md §4.2's previous_revisions(set of
	// (id, ts)) -> map: for every query, the largest document-log entry
	// strictly before query.TS, or no entry in the result map if none
	// exists. Unlike GetDocument, the returned entry is not filtered for
	// tombstones — callers asking for the revision before a given point
	// need to know about a deletion just as much as a live value.
	PreviousRevisions(ctx context.Context, queries []RevisionQuery) (map[RevisionQuery]*document.DocumentLogEntry, error)

	IndexScan(ctx context.Context, indexID string, interval Interval, readTS document.Timestamp, order document.Order, limit int) ([]IndexResult, error)

	IndexGet(ctx context.Context, indexID string, key []byte, readTS document.Timestamp) (*document.DocumentLogEntry, error)

	MaxTimestamp(ctx context.Context) (document.Timestamp, error)

	DocumentCount(ctx context.Context, tableID string) (int64, error)
}
