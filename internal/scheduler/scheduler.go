// Package scheduler implements the scheduled-jobs executor (C9): scheduled
// jobs are themselves documents in a system table, so they ride the same
// MVCC/index/subscription machinery as any other document — an executor
// task dequeues ready jobs off a by-next-ts index and drives each through
// the Pending -> InProgress -> Success|Failed|Canceled state machine, and a
// garbage collector tombstones terminal jobs once their retention window
// elapses.
//
// Grounded almost directly on
// _examples/original_source/crates/application/src/scheduled_jobs/mod.rs:
// the same two-task (executor + GC) split, the same backoff constants, the
// same "peek one iteration past the concurrency limit" executor behavior,
// and the same at-most-once action-recovery rule. internal/scheduler
// re-expresses the original's hand-rolled Backoff/HashSet/select_biased!
// machinery as github.com/cenkalti/backoff/v4,
// golang.org/x/sync/semaphore, and a three-way Go select, per SPEC_FULL.md
// §4's C9 mapping.
package scheduler

import (
	"context"
	"fmt"

	"github.com/pelagodb/core/internal/convexkey"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
	"github.com/pelagodb/core/internal/txn"
)

// jobsTable is the system table scheduled jobs live in, parallel to the
// teacher's convention of a fixed table name per concern
// (internal/storage/convex's "issues" table).
const jobsTable = "_scheduled_jobs"

const (
	fieldUDFPath     = "udf_path"
	fieldArgs        = "args"
	fieldIdentity    = "identity"
	fieldState       = "state"
	fieldNextTS      = "next_ts"
	fieldCompletedTS = "completed_ts"
	fieldFailureMsg  = "failure_msg"
	fieldKind        = "kind"
)

// State is a scheduled job's lifecycle state, exactly spec.md §4.9's
// diagram: Pending -> InProgress -> Success | Failed | Canceled, with
// Canceled reachable from both Pending and InProgress.
type State string

const (
	StatePending    State = "Pending"
	StateInProgress State = "InProgress"
	StateSuccess    State = "Success"
	StateFailed     State = "Failed"
	StateCanceled   State = "Canceled"
)

func isTerminal(s State) bool {
	switch s {
	case StateSuccess, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

func stateIn(s State, set []State) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// Job is a scheduled job's fields, decoded from its document payload.
type Job struct {
	ID          document.DocumentID
	UDFPath     string
	Kind        string
	Args        map[string]any
	Identity    string
	State       State
	NextTS      *document.Timestamp
	CompletedTS *document.Timestamp
	FailureMsg  string
}

func parseJob(doc *document.Document) (*Job, error) {
	state, _ := doc.Fields[fieldState].(string)
	if state == "" {
		return nil, fmt.Errorf("scheduler: job %s missing state", doc.ID)
	}
	udfPath, _ := doc.Fields[fieldUDFPath].(string)
	kind, _ := doc.Fields[fieldKind].(string)
	identity, _ := doc.Fields[fieldIdentity].(string)
	failureMsg, _ := doc.Fields[fieldFailureMsg].(string)
	args, _ := doc.Fields[fieldArgs].(map[string]any)

	job := &Job{
		ID:         doc.ID,
		UDFPath:    udfPath,
		Kind:       kind,
		Args:       args,
		Identity:   identity,
		State:      State(state),
		FailureMsg: failureMsg,
	}
	if v, ok := doc.Fields[fieldNextTS].(float64); ok {
		ts := document.Timestamp(v)
		job.NextTS = &ts
	}
	if v, ok := doc.Fields[fieldCompletedTS].(float64); ok {
		ts := document.Timestamp(v)
		job.CompletedTS = &ts
	}
	return job, nil
}

// Scheduler owns the scheduled-jobs table and its indexes: by_next_ts (the
// executor's ready queue), by_completed_ts (the GC's expiry queue), and
// by_state (used only to recover jobs stranded InProgress by a crash).
type Scheduler struct {
	db            *txn.Database
	tablet        document.TabletID
	byNextTS      string
	byCompletedTS string
	byState       string
}

// New installs the scheduled-jobs table and its three indexes on db and
// returns a Scheduler bound to them. Call it once per Database: the table
// itself is created idempotently, but its indexes are not.
func New(db *txn.Database) *Scheduler {
	tablet := db.CreateTable(jobsTable)
	now := document.Now()
	s := &Scheduler{
		db:            db,
		tablet:        tablet,
		byNextTS:      jobsTable + ".by_next_ts",
		byCompletedTS: jobsTable + ".by_completed_ts",
		byState:       jobsTable + ".by_state",
	}
	for _, idx := range []struct {
		name   string
		fields []string
	}{
		{s.byNextTS, []string{fieldNextTS}},
		{s.byCompletedTS, []string{fieldCompletedTS}},
		{s.byState, []string{fieldState}},
	} {
		db.RegisterIndex(idx.name, tablet, idx.fields, now, true)
		db.EnableIndex(idx.name)
	}
	return s
}

// Schedule enqueues a new Pending job to invoke udfPath with args at or
// after runAt, staged within tx so the caller's own writes and the new
// job commit atomically.
func (s *Scheduler) Schedule(tx *txn.Transaction, udfPath string, args map[string]any, kind string, identity string, runAt document.Timestamp) (document.DocumentID, error) {
	fields := map[string]any{
		fieldUDFPath:     udfPath,
		fieldArgs:        args,
		fieldKind:        kind,
		fieldIdentity:    identity,
		fieldState:       string(StatePending),
		fieldNextTS:      float64(runAt),
		fieldCompletedTS: nil,
	}
	return tx.Insert(jobsTable, s.tablet, fields)
}

// Load fetches and decodes a scheduled job by id within tx.
func (s *Scheduler) Load(ctx context.Context, tx *txn.Transaction, id document.DocumentID) (*Job, error) {
	doc, err := tx.Get(ctx, jobsTable, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return parseJob(doc)
}

// Cancel transitions id to Canceled if it is not already in a terminal
// state, per spec.md §4.9's "* -> Canceled" transition reachable from any
// non-terminal state.
func (s *Scheduler) Cancel(ctx context.Context, tx *txn.Transaction, id document.DocumentID) error {
	job, err := s.Load(ctx, tx, id)
	if err != nil {
		return err
	}
	if job == nil || isTerminal(job.State) {
		return nil
	}
	return tx.Patch(ctx, jobsTable, id, map[string]any{
		fieldState:       string(StateCanceled),
		fieldNextTS:      nil,
		fieldCompletedTS: float64(document.Now()),
	})
}

func stateValue(s State) convexkey.Value { return convexkey.String(string(s)) }

// exactValueInterval builds the interval matching every index key whose
// sole indexed field encodes exactly to v, by incrementing the last byte
// of the encoding the same way storage.Prefix does for a byte prefix —
// every key for this value shares that encoding as a prefix, differing
// only in the trailing document-id tie-breaker.
func exactValueInterval(v convexkey.Value) storage.Interval {
	return storage.Prefix(convexkey.EncodeValue(nil, v))
}

// notNullInterval covers every index key whose sole indexed field is not
// null, i.e. every key sorting after the encoding of Null() — used to scan
// by_next_ts/by_completed_ts, where a null field means "not currently
// queued on this axis" (spec.md §4.9: "next_ts is null once terminal").
func notNullInterval() storage.Interval {
	null := convexkey.EncodeValue(nil, convexkey.Null())
	start := append([]byte{}, null...)
	start[len(start)-1]++
	return storage.Interval{Start: start}
}
