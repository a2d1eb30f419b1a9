package scheduler

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/pelagodb/core/internal/corelog"
	"github.com/pelagodb/core/internal/corerr"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/metrics"
	fnruntime "github.com/pelagodb/core/internal/runtime"
	"github.com/pelagodb/core/internal/subscribe"
	"github.com/pelagodb/core/internal/txn"
)

// Bounded exponential backoff for both per-job retries and the executor's
// own error-recovery sleep, matching
// _examples/original_source/crates/application/src/scheduled_jobs/mod.rs's
// INITIAL_BACKOFF/MAX_BACKOFF constants.
const (
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = 5 * time.Second
	// checksBetweenYields mirrors the original's CHECKS_BETWEEN_YIELDS:
	// draining a burst of finished jobs yields the goroutine scheduler
	// every 128 items instead of running the drain loop to completion
	// uninterrupted.
	checksBetweenYields = 128
)

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	return b
}

// BackendState gates whether the executor may start new jobs, per spec.md
// §4.9's "reads backend state (Running/Paused/Disabled). If not Running,
// waits on the transaction's subscription for state change." This is
// in-process state rather than a persisted global: spec.md §6's
// enumerated persistence-globals list has no backend-state key, and who
// flips it (an admin surface) is out of scope here.
type BackendState int32

const (
	BackendRunning BackendState = iota
	BackendPaused
	BackendDisabled
)

// Config bounds one Executor, covering spec.md §6's
// scheduled_job_execution_parallelism and udf_executor_occ_max_retries
// knobs.
type Config struct {
	Parallelism   int
	OCCMaxRetries int
	// Identity is the default caller identity attached to job requests
	// that don't carry their own (most scheduled jobs run as "system").
	Identity string
}

// Executor drives the executor loop described in spec.md §4.9: scan the
// ready queue, start as many jobs as the concurrency limit allows, and
// wake on whichever comes first of a job completion, the next ready
// timestamp, or an invalidating write to the jobs index.
type Executor struct {
	sched  *Scheduler
	runner fnruntime.FunctionRunner
	cfg    Config
	logger *corelog.Logger

	// running and sem are touched only by the Run goroutine: running is
	// populated in tick (before spawning each job's goroutine) and
	// cleared in drainCompletions (after receiving that job's id back),
	// matching spec.md §5's "run-set is owned solely by the executor
	// task."
	running map[document.DocumentID]struct{}
	sem     *semaphore.Weighted

	// completions is the single MPSC channel every job-execution
	// goroutine reports its id back on, per spec.md §4.9.
	completions chan document.DocumentID

	stateMu      sync.Mutex
	state        BackendState
	stateChanged chan struct{}
}

// NewExecutor creates an Executor bound to sched, running jobs through
// runner.
func NewExecutor(sched *Scheduler, runner fnruntime.FunctionRunner, cfg Config, logger *corelog.Logger) *Executor {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if logger == nil {
		logger = corelog.Default
	}
	return &Executor{
		sched:        sched,
		runner:       runner,
		cfg:          cfg,
		logger:       logger,
		running:      make(map[document.DocumentID]struct{}),
		sem:          semaphore.NewWeighted(int64(cfg.Parallelism)),
		completions:  make(chan document.DocumentID, cfg.Parallelism),
		state:        BackendRunning,
		stateChanged: make(chan struct{}),
	}
}

// SetState changes the backend's Running/Paused/Disabled state, waking the
// executor loop if it was blocked waiting for Running.
func (e *Executor) SetState(s BackendState) {
	e.stateMu.Lock()
	e.state = s
	ch := e.stateChanged
	e.stateChanged = make(chan struct{})
	e.stateMu.Unlock()
	close(ch)
}

func (e *Executor) currentState() (BackendState, <-chan struct{}) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state, e.stateChanged
}

// Run drives the executor loop until ctx is canceled. It first recovers
// any job a prior process left stranded InProgress (spec.md §4.9's
// at-most-once action guarantee: "if the executor restarts and finds a
// job already in InProgress, it transitions it directly to
// Failed(\"Transient error while executing action\")").
func (e *Executor) Run(ctx context.Context) error {
	if err := e.recoverStaleInProgress(ctx); err != nil {
		e.logger.Error("scheduler: recovering stale in-progress jobs: %v", err)
	}

	tickBackoff := newBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, changed := e.currentState()
		if state != BackendRunning {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			}
			continue
		}

		sub, nextWake, hasWake, err := e.tick(ctx)
		if err != nil {
			e.logger.Error("scheduler: tick failed: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(tickBackoff.NextBackOff()):
			}
			continue
		}
		tickBackoff.Reset()

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasWake {
			d := time.Duration(int64(nextWake) - int64(document.Now()))
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.sched.db.Subscriptions().Unsubscribe(sub)
			return ctx.Err()
		case id := <-e.completions:
			e.drainCompletions(id)
		case <-sub.Done():
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
		e.sched.db.Subscriptions().Unsubscribe(sub)
	}
}

// tick scans the ready queue once, starts every job it can within the
// concurrency limit, and returns a subscription over the scan's read-set
// plus the next known ready timestamp (if any) so Run can wait for
// whichever wakes it first.
func (e *Executor) tick(ctx context.Context) (*subscribe.Subscription, document.Timestamp, bool, error) {
	tx, err := e.sched.db.Begin(ctx)
	if err != nil {
		return nil, 0, false, err
	}

	scanLimit := e.cfg.Parallelism*4 + checksBetweenYields
	docs, err := tx.ScanIndex(ctx, e.sched.byNextTS, notNullInterval(), document.Asc, scanLimit)
	if err != nil {
		tx.Abort()
		return nil, 0, false, err
	}

	now := document.Now()
	var nextWake document.Timestamp
	hasWake := false

	for _, doc := range docs {
		job, err := parseJob(doc)
		if err != nil {
			e.logger.Warn("scheduler: skipping malformed scheduled job %s: %v", doc.ID, err)
			continue
		}
		if job.NextTS == nil {
			continue
		}
		if *job.NextTS > now {
			nextWake, hasWake = *job.NextTS, true
			break
		}
		if _, already := e.running[job.ID]; already {
			continue
		}
		if !e.sem.TryAcquire(1) {
			// Saturated: this job can't start until a completion frees
			// capacity, but keep scanning rather than stopping here — the
			// scanLimit over-fetch past the concurrency cap exists
			// precisely so a saturated tick can still learn the next
			// ready ts (and report accurate lag) off a later job instead
			// of going stale.
			continue
		}
		metrics.ExecutionLagSeconds.Observe(float64(now-*job.NextTS) / float64(time.Second))
		e.running[job.ID] = struct{}{}
		e.startJob(ctx, job)
		metrics.RunningJobs.Set(float64(len(e.running)))
	}

	reads := tx.ReadSet()
	snap := tx.SnapshotTS()
	tx.Commit(ctx)

	sub := e.sched.db.Subscriptions().Subscribe(reads, snap)
	return sub, nextWake, hasWake, nil
}

// startJob spawns the execution task spec.md §4.9 describes: it runs the
// job to completion (including all of its own internal retries) and then
// reports its id back on the completions channel exactly once.
func (e *Executor) startJob(ctx context.Context, job *Job) {
	go func() {
		e.executeJob(ctx, job)
		select {
		case e.completions <- job.ID:
		case <-ctx.Done():
		}
	}()
}

// drainCompletions consumes every completion already queued (there may be
// more than one if several jobs finished between ticks), releasing each
// one's concurrency slot, yielding the goroutine scheduler every
// checksBetweenYields items so a long burst doesn't starve other
// goroutines.
func (e *Executor) drainCompletions(first document.DocumentID) {
	id := first
	drained := 0
	for {
		delete(e.running, id)
		e.sem.Release(1)
		drained++
		if drained%checksBetweenYields == 0 {
			goruntime.Gosched()
		}
		select {
		case id = <-e.completions:
			continue
		default:
			metrics.RunningJobs.Set(float64(len(e.running)))
			return
		}
	}
}

func (e *Executor) executeJob(ctx context.Context, job *Job) {
	kind, err := e.runner.Classify(ctx, job.UDFPath)
	if err != nil || kind == fnruntime.KindUnknown {
		e.failJob(ctx, job.ID, "udf_path is missing or its analyzed type is invalid", StatePending)
		return
	}
	switch kind {
	case fnruntime.KindMutation:
		e.runMutation(ctx, job)
	case fnruntime.KindAction:
		e.runAction(ctx, job)
	}
}

// runMutation implements spec.md §4.9's mutation semantics: on developer
// error, record Failed in a fresh transaction (the failing transaction is
// never committed); on system error, back off and retry, reporting only
// after repeated OCC failures exceed the configured retry budget; on
// success, mark Success and commit in the same transaction as the
// mutation's own writes.
func (e *Executor) runMutation(ctx context.Context, job *Job) {
	b := newBackoff()
	occRetries := 0
	for {
		if ctx.Err() != nil {
			return
		}
		tx, err := e.sched.db.Begin(ctx)
		if err != nil {
			e.logger.Error("scheduler: begin failed for mutation %s: %v", job.ID, err)
			sleep(ctx, b.NextBackOff())
			continue
		}

		req := fnruntime.Request{
			UDFPath:   job.UDFPath,
			Args:      job.Args,
			Identity:  identityOr(job.Identity, e.cfg.Identity),
			RequestID: document.NewInternalID().String(),
		}
		outcome, err := e.runner.RunMutation(ctx, tx, req)
		if err != nil {
			tx.Abort()
			if occRetries >= e.cfg.OCCMaxRetries && e.cfg.OCCMaxRetries > 0 {
				e.failJob(ctx, job.ID, fmt.Sprintf("exceeded OCC retry budget (%d): %v", e.cfg.OCCMaxRetries, err), StatePending)
				return
			}
			occRetries++
			e.logger.Warn("scheduler: mutation %s system error (retry %d): %v", job.UDFPath, occRetries, err)
			sleep(ctx, b.NextBackOff())
			continue
		}
		if !outcome.Success {
			tx.Abort()
			e.failJob(ctx, job.ID, outcome.DevError, StatePending)
			return
		}

		ok, err := e.transitionToTerminal(ctx, tx, job.ID, StateSuccess, "", StatePending)
		if err != nil {
			tx.Abort()
			e.logger.Error("scheduler: staging Success transition for %s: %v", job.ID, err)
			sleep(ctx, b.NextBackOff())
			continue
		}
		if !ok {
			// Canceled or re-queued underneath us: drop the result.
			tx.Abort()
			return
		}
		if _, err := tx.Commit(ctx); err != nil {
			if corerr.IsOCC(err) {
				metrics.CommitOCCRetriesTotal.Inc()
				if occRetries >= e.cfg.OCCMaxRetries && e.cfg.OCCMaxRetries > 0 {
					e.failJob(ctx, job.ID, fmt.Sprintf("exceeded OCC retry budget (%d): %v", e.cfg.OCCMaxRetries, err), StatePending)
					return
				}
				occRetries++
				sleep(ctx, b.NextBackOff())
				continue
			}
			e.logger.Error("scheduler: committing mutation %s: %v", job.ID, err)
			sleep(ctx, b.NextBackOff())
			continue
		}
		metrics.JobsCompletedTotal.WithLabelValues(string(StateSuccess)).Inc()
		return
	}
}

// runAction implements spec.md §4.9's action semantics: first, in a
// dedicated transaction, transition Pending -> InProgress and commit —
// durably recording the attempt before any side effect — then run the
// action asynchronously and retry indefinitely on transient errors until
// a terminal transition commits.
func (e *Executor) runAction(ctx context.Context, job *Job) {
	tx, err := e.sched.db.Begin(ctx)
	if err != nil {
		e.logger.Error("scheduler: begin failed starting action %s: %v", job.ID, err)
		return
	}
	ok, err := e.transitionToInProgress(ctx, tx, job.ID)
	if err != nil {
		tx.Abort()
		e.logger.Error("scheduler: staging InProgress transition for %s: %v", job.ID, err)
		return
	}
	if !ok {
		tx.Abort()
		return
	}
	if _, err := tx.Commit(ctx); err != nil {
		e.logger.Error("scheduler: committing InProgress transition for %s: %v", job.ID, err)
		return
	}

	req := fnruntime.Request{
		UDFPath:   job.UDFPath,
		Args:      job.Args,
		Identity:  identityOr(job.Identity, e.cfg.Identity),
		RequestID: document.NewInternalID().String(),
	}
	b := newBackoff()
	outcome, err := e.runner.RunAction(ctx, req)
	for err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("scheduler: action %s transient error, retrying: %v", job.UDFPath, err)
		sleep(ctx, b.NextBackOff())
		outcome, err = e.runner.RunAction(ctx, req)
	}

	newState, msg := StateSuccess, ""
	if !outcome.Success {
		newState, msg = StateFailed, outcome.Error
	}
	for {
		if ctx.Err() != nil {
			return
		}
		tx, err := e.sched.db.Begin(ctx)
		if err != nil {
			sleep(ctx, b.NextBackOff())
			continue
		}
		ok, err := e.transitionToTerminal(ctx, tx, job.ID, newState, msg, StateInProgress)
		if err != nil {
			tx.Abort()
			sleep(ctx, b.NextBackOff())
			continue
		}
		if !ok {
			tx.Abort()
			return
		}
		if _, err := tx.Commit(ctx); err != nil {
			sleep(ctx, b.NextBackOff())
			continue
		}
		metrics.JobsCompletedTotal.WithLabelValues(string(newState)).Inc()
		return
	}
}

// failJob records a Failed transition in a fresh transaction, as spec.md
// §4.9 requires whenever the job's own attempt transaction must not be
// committed.
func (e *Executor) failJob(ctx context.Context, id document.DocumentID, msg string, expected ...State) {
	tx, err := e.sched.db.Begin(ctx)
	if err != nil {
		e.logger.Error("scheduler: begin failed while failing job %s: %v", id, err)
		return
	}
	ok, err := e.transitionToTerminal(ctx, tx, id, StateFailed, msg, expected...)
	if err != nil {
		tx.Abort()
		e.logger.Error("scheduler: failing job %s: %v", id, err)
		return
	}
	if !ok {
		tx.Abort()
		return
	}
	if _, err := tx.Commit(ctx); err != nil {
		e.logger.Error("scheduler: committing Failed transition for %s: %v", id, err)
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(StateFailed)).Inc()
}

// transitionToTerminal re-reads the job row and compares its state by
// value to expected before applying newState, per spec.md §4.9's
// "re-checking state" rule: a mismatch means the job was canceled or
// re-queued in the interim, and the caller silently drops the result.
func (e *Executor) transitionToTerminal(ctx context.Context, tx *txn.Transaction, id document.DocumentID, newState State, msg string, expected ...State) (bool, error) {
	current, err := e.sched.Load(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if current == nil || !stateIn(current.State, expected) {
		return false, nil
	}
	patch := map[string]any{
		fieldState:       string(newState),
		fieldNextTS:      nil,
		fieldCompletedTS: float64(document.Now()),
	}
	if msg != "" {
		patch[fieldFailureMsg] = msg
	}
	if err := tx.Patch(ctx, jobsTable, id, patch); err != nil {
		return false, err
	}
	return true, nil
}

// transitionToInProgress is Pending -> InProgress: next_ts is cleared here
// too (not just on terminal transitions) so the by_next_ts ready-queue
// scan never re-dequeues a job that is already running — a small
// deliberate departure from spec.md's literal "next_ts is null once
// terminal" wording, necessary so the same index doubles as the ready
// queue without a separate "claimed" marker.
func (e *Executor) transitionToInProgress(ctx context.Context, tx *txn.Transaction, id document.DocumentID) (bool, error) {
	current, err := e.sched.Load(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if current == nil || current.State != StatePending {
		return false, nil
	}
	if err := tx.Patch(ctx, jobsTable, id, map[string]any{
		fieldState:  string(StateInProgress),
		fieldNextTS: nil,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// recoverStaleInProgress implements spec.md's S4: on startup, any job
// still InProgress was orphaned by a prior process crashing mid-action,
// and transitions directly to Failed without re-invoking it — the source
// of the at-most-once guarantee.
func (e *Executor) recoverStaleInProgress(ctx context.Context) error {
	tx, err := e.sched.db.Begin(ctx)
	if err != nil {
		return err
	}
	docs, err := tx.ScanIndex(ctx, e.sched.byState, exactValueInterval(stateValue(StateInProgress)), document.Asc, 0)
	if err != nil {
		tx.Abort()
		return err
	}
	tx.Commit(ctx)

	for _, doc := range docs {
		job, err := parseJob(doc)
		if err != nil {
			e.logger.Warn("scheduler: skipping malformed stale job %s: %v", doc.ID, err)
			continue
		}
		e.failJob(ctx, job.ID, "Transient error while executing action", StateInProgress)
	}
	return nil
}

func identityOr(jobIdentity, fallback string) string {
	if jobIdentity != "" {
		return jobIdentity
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
