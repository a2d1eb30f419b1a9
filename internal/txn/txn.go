// Package txn implements the transaction engine (C6): Database owns the
// single commit gate, the index registry, the resident in-memory indexes,
// and the subscription manager; Transaction buffers one caller's reads and
// writes between Begin and Commit/Abort.
//
// It generalizes the teacher's internal/storage/convex.ConvexStorageAdapter
// (internal/storage/convex/adapter.go) — which collapses "serialize payload,
// derive index entries, one atomic persistence.Write call" into fixed
// CreateIssue/UpdateIssue/DeleteIssue methods for the beads issue schema —
// into the generic Insert/Replace/Patch/Delete + registry-driven index
// derivation spec.md §4.6 describes for an arbitrary document/index shape.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pelagodb/core/internal/corelog"
	"github.com/pelagodb/core/internal/corerr"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/memindex"
	"github.com/pelagodb/core/internal/readset"
	"github.com/pelagodb/core/internal/registry"
	"github.com/pelagodb/core/internal/storage"
	"github.com/pelagodb/core/internal/subscribe"
)

// Limits bounds a single transaction, combining the read-set caps of
// internal/readset with the write caps spec.md §5 enumerates
// (transaction_max_num_user_writes, transaction_max_user_write_size_bytes).
type Limits struct {
	Read              readset.Limits
	MaxUserWrites     int
	MaxUserWriteBytes int
}

// commitRecord is one committed write-set, kept since the transaction's
// snapshot so a later commit can re-scan it for OCC conflicts and so
// subscriptions invalidate off the same data, matching spec.md §4.6's
// "re-scan persistence over (snapshot, candidate_ts)" in-process (readers
// and writers share one process per the single-writer lease discipline of
// spec.md §4.2/§5).
type commitRecord struct {
	ts      document.Timestamp
	entries []subscribe.WrittenEntry
	docs    []subscribe.WrittenDoc
}

// Database owns the commit gate (spec.md §4.6/§5: "only one committer
// thread at a time holds the commit gate"), the authoritative index
// registry, the resident in-memory indexes, and the subscription manager.
// Readers (Begin) never block on the gate; only Commit does.
type Database struct {
	persistence storage.Persistence
	registry    *registry.Registry
	subs        *subscribe.Manager
	logger      *corelog.Logger
	limits      Limits
	lease       storage.Lease

	commitGate sync.Mutex

	lastCommitTS  atomic.Uint64
	minSnapshotTS atomic.Uint64

	commitLogMu sync.RWMutex
	commitLog   []commitRecord

	tablesMu  sync.RWMutex
	tables    map[string]document.TabletID
	byID      map[document.TabletID]string
	mem       map[string]*memindex.Index
	summaries map[string]registry.TableSummary
}

// Open acquires the writer lease under token, reads the current max
// timestamp from persistence to seed the commit clock, and returns a ready
// Database. Only one process should call Open against a given persistence
// backend at a time; a second caller simply takes over the lease (spec.md
// §4.2's lease discipline), and the first process's in-flight committers
// observe the lease change and fail with a Fatal LeaseLost error.
func Open(ctx context.Context, p storage.Persistence, reg *registry.Registry, subs *subscribe.Manager, limits Limits, leaseToken string, logger *corelog.Logger) (*Database, error) {
	if logger == nil {
		logger = corelog.Default
	}
	lease, err := p.AcquireLease(ctx, leaseToken, document.Now())
	if err != nil {
		return nil, fmt.Errorf("txn: acquiring lease: %w", err)
	}
	maxTS, err := p.Reader().MaxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("txn: reading max timestamp: %w", err)
	}
	db := &Database{
		persistence: p,
		registry:    reg,
		subs:        subs,
		logger:      logger,
		limits:      limits,
		lease:       lease,
		tables:      make(map[string]document.TabletID),
		byID:        make(map[document.TabletID]string),
		mem:         make(map[string]*memindex.Index),
		summaries:   make(map[string]registry.TableSummary),
	}
	// max_repeatable_ts is persisted periodically by the retention loop; a
	// restart may find it ahead of the document log's own max (e.g. the
	// trailing commits were index-only), and the commit clock must never
	// move backward across a restart.
	if persisted, err := readTimestampGlobal(ctx, p, storage.GlobalMaxRepeatableTS); err != nil {
		return nil, fmt.Errorf("txn: reading max_repeatable_ts: %w", err)
	} else if persisted > maxTS {
		maxTS = persisted
	}
	db.lastCommitTS.Store(uint64(maxTS))

	if floor, err := readTimestampGlobal(ctx, p, storage.GlobalMinSnapshotTS); err != nil {
		return nil, fmt.Errorf("txn: reading min_snapshot_ts: %w", err)
	} else if floor > 0 {
		db.minSnapshotTS.Store(uint64(floor))
	}

	if raw, err := p.GetGlobal(ctx, storage.GlobalTableSummary); err != nil {
		return nil, fmt.Errorf("txn: reading table summary: %w", err)
	} else if raw != nil {
		if err := json.Unmarshal(raw, &db.summaries); err != nil {
			return nil, fmt.Errorf("txn: decoding table summary: %w", err)
		}
	}
	return db, nil
}

func readTimestampGlobal(ctx context.Context, p storage.Persistence, key storage.GlobalKey) (document.Timestamp, error) {
	raw, err := p.GetGlobal(ctx, key)
	if err != nil || raw == nil {
		return 0, err
	}
	var ts uint64
	if err := json.Unmarshal(raw, &ts); err != nil {
		return 0, err
	}
	return document.Timestamp(ts), nil
}

// Persistence returns the underlying persistence backend, for components
// (retention, scheduler, cmd/corectl) that need direct access alongside
// the transactional path.
func (db *Database) Persistence() storage.Persistence { return db.persistence }

// Registry returns the authoritative index registry.
func (db *Database) Registry() *registry.Registry { return db.registry }

// Subscriptions returns the subscription manager commits publish to.
func (db *Database) Subscriptions() *subscribe.Manager { return db.subs }

// Lease returns the writer lease this Database acquired at Open, for
// components (internal/retention) that issue persistence writes of their
// own alongside the transactional commit path.
func (db *Database) Lease() storage.Lease { return db.lease }

// SetMinSnapshot advances the retention floor below which Begin refuses new
// snapshots and ValidateSnapshot fails in-flight transactions, per spec.md
// §4.7. Called by internal/retention after each GC batch commits.
func (db *Database) SetMinSnapshot(ts document.Timestamp) { db.minSnapshotTS.Store(uint64(ts)) }

// MinSnapshot returns the current retention floor.
func (db *Database) MinSnapshot() document.Timestamp { return document.Timestamp(db.minSnapshotTS.Load()) }

// LastCommitTS returns the most recently committed timestamp.
func (db *Database) LastCommitTS() document.Timestamp { return document.Timestamp(db.lastCommitTS.Load()) }

// TrimCommitLog discards commit records at or before ts. Safe to call once
// ts is below every transaction that could still validate against it —
// i.e. once ts < min_snapshot_ts, since no new Begin will return a
// snapshot that old (spec.md §4.7).
func (db *Database) TrimCommitLog(ts document.Timestamp) {
	db.commitLogMu.Lock()
	defer db.commitLogMu.Unlock()
	i := 0
	for i < len(db.commitLog) && db.commitLog[i].ts <= ts {
		i++
	}
	db.commitLog = db.commitLog[i:]
}

// CreateTable allocates (or returns the existing) tablet id for name,
// installing its always-enabled by_id index, per spec.md §3's "the by_id
// index over each table is always present and enabled".
func (db *Database) CreateTable(name string) document.TabletID {
	db.tablesMu.Lock()
	defer db.tablesMu.Unlock()
	if t, ok := db.tables[name]; ok {
		return t
	}
	t := document.NewTabletID()
	db.tables[name] = t
	idxName := name + ".by_id"
	db.registry.EnsureByID(t, idxName)
	db.byID[t] = idxName
	db.mem[idxName] = memindex.New()
	return t
}

// TableID looks up a previously created table's tablet id.
func (db *Database) TableID(name string) (document.TabletID, bool) {
	db.tablesMu.RLock()
	defer db.tablesMu.RUnlock()
	t, ok := db.tables[name]
	return t, ok
}

// RegisterIndex defines a new secondary index in Backfilling state (spec.md
// §4.3: new indexes start Backfilling and catch up on live writes before
// serving reads). If resident, the index is also kept as a fully-resident
// in-memory materialization per spec.md §4.4; the caller is responsible
// for driving the historical backfill (scanning existing documents and
// feeding derived entries through ApplyBackfillEntries) before calling
// EnableIndex.
func (db *Database) RegisterIndex(name string, tablet document.TabletID, fields []string, startedTS document.Timestamp, resident bool) error {
	if err := db.registry.Update(nil, &registry.Metadata{
		Name:       name,
		Descriptor: registry.Descriptor{Tablet: tablet, Fields: fields},
		State:      registry.StateBackfilling,
		StartedTS:  startedTS,
	}); err != nil {
		return err
	}
	if resident {
		db.tablesMu.Lock()
		db.mem[name] = memindex.New()
		db.tablesMu.Unlock()
	}
	return nil
}

// EnableIndex promotes a Backfilling index to Enabled, per spec.md §4.3's
// only permitted state transition on an existing index.
func (db *Database) EnableIndex(name string) error {
	pending, ok := db.registry.GetPending(name)
	if !ok {
		return fmt.Errorf("txn: index %q is not pending", name)
	}
	enabled := pending
	enabled.State = registry.StateEnabled
	return db.registry.Update(&registry.Metadata{Name: name, Descriptor: pending.Descriptor, State: registry.StateBackfilling}, &enabled)
}

// ApplyBackfillEntries feeds a batch of historical index entries directly
// into a resident index's materialization, for use while a newly
// registered index is still Backfilling (spec.md §4.3's "backfilling
// indexes receive writes so they catch up deterministically" — here
// applied to the historical scan rather than live commits).
func (db *Database) ApplyBackfillEntries(name string, entries []memindex.Entry) {
	db.tablesMu.RLock()
	mi, ok := db.mem[name]
	db.tablesMu.RUnlock()
	if ok {
		mi.Apply(entries)
	}
}

func (db *Database) byIDIndexName(tablet document.TabletID) (string, bool) {
	db.tablesMu.RLock()
	defer db.tablesMu.RUnlock()
	name, ok := db.byID[tablet]
	return name, ok
}

func (db *Database) memIndex(name string) (*memindex.Index, bool) {
	db.tablesMu.RLock()
	defer db.tablesMu.RUnlock()
	mi, ok := db.mem[name]
	return mi, ok
}

// TableSummary returns tableID's incrementally maintained live footprint.
func (db *Database) TableSummary(tableID string) registry.TableSummary {
	db.tablesMu.RLock()
	defer db.tablesMu.RUnlock()
	return db.summaries[tableID]
}

// TableSummaries returns a copy of every table's summary, for the
// retention loop to persist under the table_summary_v2 global.
func (db *Database) TableSummaries() map[string]registry.TableSummary {
	db.tablesMu.RLock()
	defer db.tablesMu.RUnlock()
	out := make(map[string]registry.TableSummary, len(db.summaries))
	for k, v := range db.summaries {
		out[k] = v
	}
	return out
}

// applySummary folds one committed write into its table's summary: the
// size delta between the previous live revision (if any) and the new value
// (nil for a tombstone), and the matching document-count delta.
func (db *Database) applySummary(tableID string, prev *document.DocumentLogEntry, value *document.Document) {
	db.tablesMu.Lock()
	defer db.tablesMu.Unlock()
	s := db.summaries[tableID]
	if prev != nil && prev.Value != nil {
		s.DocumentCount--
		s.TotalSizeBytes -= int64(document.EncodedSize(prev.Value))
	}
	if value != nil {
		s.DocumentCount++
		s.TotalSizeBytes += int64(document.EncodedSize(value))
	}
	db.summaries[tableID] = s
}

// Begin opens a transaction at a repeatable snapshot: the greater of the
// local wall clock and the last committed timestamp, matching spec.md
// §4.6 step 1. Fails with a Retention-classified error if that snapshot has
// already fallen behind the retention floor.
func (db *Database) Begin(_ context.Context) (*Transaction, error) {
	snap := db.LastCommitTS()
	if now := document.Now(); now > snap {
		snap = now
	}
	if snap < db.MinSnapshot() {
		return nil, corerr.RetentionExpired(fmt.Sprintf("txn: snapshot %d older than min_snapshot_ts %d", snap, db.MinSnapshot()))
	}
	return &Transaction{
		db:           db,
		snapshotTS:   snap,
		registrySnap: db.registry.Snapshot(),
		reads:        readset.NewTracker(db.limits.Read),
		writes:       make(map[document.DocumentID]*pendingWrite),
	}, nil
}
