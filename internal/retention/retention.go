// Package retention implements the retention and garbage collection
// component (C7): two independent sliding windows — one for secondary
// index revisions, one for document-log revisions — each with its own
// cursor persisted as a globals key, advanced only once its batch of
// purged rows has actually committed to persistence, per spec.md §4.7.
// min_snapshot_ts tracks the lower of the two cursors, so no transaction
// can ever be handed a snapshot this package has already made unreadable.
//
// Grounded on the teacher's GetGlobal/WriteGlobal cursor-in-globals
// pattern (internal/storage/convex/persistence.go, generalized here into
// internal/storage.Persistence) — beads itself has no retention sweep, so
// the sliding-window algorithm and cursor semantics are read from spec.md
// §4.7 directly, alongside original_source's bootstrap/retention cursor
// naming (crates/database's persistence globals).
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pelagodb/core/internal/corelog"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/metrics"
	"github.com/pelagodb/core/internal/storage"
	"github.com/pelagodb/core/internal/txn"
)

// Config bounds one GC pass, mirroring spec.md §6's
// scheduled_job_retention-style knobs generalized to the document/index
// windows.
type Config struct {
	// IndexRetention is how long a superseded index revision survives
	// past its supersession before becoming eligible for deletion.
	IndexRetention time.Duration
	// DocumentRetention is the document-log analogue.
	DocumentRetention time.Duration
	// BatchSize bounds how many stale rows a single purge call deletes,
	// so one GC pass never holds a long-running write against a large
	// backlog.
	BatchSize int
	// Interval is how often Run executes a pass.
	Interval time.Duration
}

// DefaultConfig mirrors the teacher's Default*Config() constructors
// (internal/config/types.go's versioned-defaults pattern) for a
// reasonable out-of-the-box GC cadence.
func DefaultConfig() Config {
	return Config{
		IndexRetention:    24 * time.Hour,
		DocumentRetention: 24 * time.Hour,
		BatchSize:         1000,
		Interval:          time.Minute,
	}
}

// GC drives the two sliding-window retention loops against a
// txn.Database's persistence backend.
type GC struct {
	db     *txn.Database
	p      storage.Persistence
	lease  storage.Lease
	cfg    Config
	logger *corelog.Logger
}

// New creates a GC bound to db's persistence backend. lease must be the
// same writer lease db.Begin-ing transactions commit under; purges are
// refused by the backend the moment another process takes over as writer.
func New(db *txn.Database, lease storage.Lease, cfg Config, logger *corelog.Logger) *GC {
	if logger == nil {
		logger = corelog.Default
	}
	return &GC{db: db, p: db.Persistence(), lease: lease, cfg: cfg, logger: logger}
}

// Run executes RunOnce on cfg.Interval until ctx is canceled, logging (but
// not propagating) per-pass errors so a transient storage error doesn't
// kill the background loop.
func (g *GC) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := g.RunOnce(ctx); err != nil {
			g.logger.Error("retention pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type purgeFunc func(ctx context.Context, lease storage.Lease, cutoff document.Timestamp, limit int) (int64, error)

// RunOnce advances both retention cursors by one batch and recomputes
// min_snapshot_ts as the lower of the two, per spec.md §4.7: "from cursor
// to now - window, batch-delete ... advancing the cursor only after the
// batch commits. min_snapshot_ts is monotonically advanced after each
// batch."
func (g *GC) RunOnce(ctx context.Context) error {
	docCutoff := retentionCutoff(g.cfg.DocumentRetention)
	idxCutoff := retentionCutoff(g.cfg.IndexRetention)

	docCursor, err := g.advance(ctx, storage.GlobalDocumentRetentionCursor, docCutoff, g.p.PurgeDocumentsBefore)
	if err != nil {
		return fmt.Errorf("retention: document pass: %w", err)
	}
	metrics.RetentionCursorSeconds.WithLabelValues("document").Set(float64(docCursor) / float64(time.Second))

	idxCursor, err := g.advance(ctx, storage.GlobalIndexRetentionCursor, idxCutoff, g.p.PurgeIndexEntriesBefore)
	if err != nil {
		return fmt.Errorf("retention: index pass: %w", err)
	}
	metrics.RetentionCursorSeconds.WithLabelValues("index").Set(float64(idxCursor) / float64(time.Second))

	floor := docCursor
	if idxCursor < floor {
		floor = idxCursor
	}
	if floor > g.db.MinSnapshot() {
		g.db.SetMinSnapshot(floor)
		g.db.TrimCommitLog(floor)
		if err := g.writeCursor(ctx, storage.GlobalMinSnapshotTS, floor); err != nil {
			return fmt.Errorf("retention: persisting min_snapshot_ts: %w", err)
		}
	}

	// The retention pass doubles as the periodic persist point for the
	// bootstrap globals a restarting process seeds from: the highest
	// committed (repeatable) timestamp and the per-table summaries.
	if err := g.writeCursor(ctx, storage.GlobalMaxRepeatableTS, g.db.LastCommitTS()); err != nil {
		return fmt.Errorf("retention: persisting max_repeatable_ts: %w", err)
	}
	summary, err := json.Marshal(g.db.TableSummaries())
	if err != nil {
		return fmt.Errorf("retention: encoding table summary: %w", err)
	}
	if err := g.p.WriteGlobal(ctx, storage.GlobalTableSummary, summary); err != nil {
		return fmt.Errorf("retention: persisting table summary: %w", err)
	}
	return nil
}

// advance reads key's cursor, purges one batch of rows between it and
// cutoff, and — only once the purge has actually committed — advances the
// cursor to cutoff. Returns the cursor's new (or unchanged) position.
func (g *GC) advance(ctx context.Context, key storage.GlobalKey, cutoff document.Timestamp, purge purgeFunc) (document.Timestamp, error) {
	cursor, err := g.readCursor(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("reading cursor %s: %w", key, err)
	}
	if cutoff <= cursor {
		return cursor, nil
	}
	deleted, err := purge(ctx, g.lease, cutoff, g.cfg.BatchSize)
	if err != nil {
		return cursor, fmt.Errorf("purging before %d: %w", cutoff, err)
	}
	g.logger.Info("retention: purged %d stale revisions for %s before ts=%d", deleted, key, cutoff)
	if err := g.writeCursor(ctx, key, cutoff); err != nil {
		return cursor, fmt.Errorf("advancing cursor %s: %w", key, err)
	}
	return cutoff, nil
}

func (g *GC) readCursor(ctx context.Context, key storage.GlobalKey) (document.Timestamp, error) {
	raw, err := g.p.GetGlobal(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	var ts uint64
	if err := json.Unmarshal(raw, &ts); err != nil {
		return 0, err
	}
	return document.Timestamp(ts), nil
}

func (g *GC) writeCursor(ctx context.Context, key storage.GlobalKey, ts document.Timestamp) error {
	raw, err := json.Marshal(uint64(ts))
	if err != nil {
		return err
	}
	return g.p.WriteGlobal(ctx, key, raw)
}

// retentionCutoff computes the oldest timestamp still inside window,
// floored at zero so a window longer than the process uptime never
// underflows.
func retentionCutoff(window time.Duration) document.Timestamp {
	now := int64(document.Now())
	cutoff := now - int64(window)
	if cutoff < 0 {
		cutoff = 0
	}
	return document.Timestamp(cutoff)
}
