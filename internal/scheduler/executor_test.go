package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/registry"
	fnruntime "github.com/pelagodb/core/internal/runtime"
	"github.com/pelagodb/core/internal/scheduler"
	"github.com/pelagodb/core/internal/storage/memstore"
	"github.com/pelagodb/core/internal/subscribe"
	"github.com/pelagodb/core/internal/txn"
)

func newTestDB(t *testing.T) *txn.Database {
	t.Helper()
	db, err := txn.Open(context.Background(), memstore.New(), registry.New(), subscribe.New(), txn.Limits{}, "writer-1", nil)
	if err != nil {
		t.Fatalf("txn.Open: %v", err)
	}
	return db
}

// stubRunner classifies every path as mutation or action by name prefix
// and counts how many times each action actually ran, for the at-most-once
// assertion in TestActionRestartSafety (S4).
type stubRunner struct {
	mu           sync.Mutex
	actionCalls  int32
	mutationFn   func(ctx context.Context, tx *txn.Transaction, req fnruntime.Request) (fnruntime.MutationOutcome, error)
	actionFn     func(ctx context.Context, req fnruntime.Request) (fnruntime.ActionOutcome, error)
	classifyErr  error
	classifyKind fnruntime.Kind
}

func (s *stubRunner) Classify(ctx context.Context, udfPath string) (fnruntime.Kind, error) {
	if s.classifyErr != nil {
		return fnruntime.KindUnknown, s.classifyErr
	}
	if s.classifyKind != 0 {
		return s.classifyKind, nil
	}
	switch {
	case len(udfPath) >= 6 && udfPath[:6] == "action":
		return fnruntime.KindAction, nil
	default:
		return fnruntime.KindMutation, nil
	}
}

func (s *stubRunner) RunMutation(ctx context.Context, tx *txn.Transaction, req fnruntime.Request) (fnruntime.MutationOutcome, error) {
	if s.mutationFn != nil {
		return s.mutationFn(ctx, tx, req)
	}
	return fnruntime.MutationOutcome{Success: true}, nil
}

func (s *stubRunner) RunAction(ctx context.Context, req fnruntime.Request) (fnruntime.ActionOutcome, error) {
	atomic.AddInt32(&s.actionCalls, 1)
	if s.actionFn != nil {
		return s.actionFn(ctx, req)
	}
	return fnruntime.ActionOutcome{Success: true}, nil
}

// S3: a scheduled mutation runs on the next executor tick and commits both
// Success and the mutation's own write.
func TestScheduledMutationSuccess(t *testing.T) {
	db := newTestDB(t)
	sched := scheduler.New(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := sched.Schedule(tx, "mutations:doThing", nil, "mutation", "system", document.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	runner := &stubRunner{}
	exec := scheduler.NewExecutor(sched, runner, scheduler.Config{Parallelism: 2, OCCMaxRetries: 3}, nil)

	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rtx, err := db.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		job, err := sched.Load(ctx, rtx, id)
		rtx.Commit(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if job != nil && job.State == scheduler.StateSuccess {
			cancel()
			<-done
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("job never reached Success")
}

// S4: if the executor restarts and finds a job already InProgress, it
// transitions directly to Failed without re-invoking the action.
func TestActionRestartSafety(t *testing.T) {
	db := newTestDB(t)
	sched := scheduler.New(db)
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := sched.Schedule(tx, "actions:charge", nil, "action", "system", document.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Simulate a prior process having started the action and crashed
	// mid-flight: patch the job directly to InProgress.
	mtx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := mtx.Patch(ctx, "_scheduled_jobs", id, map[string]any{
		"state":   string(scheduler.StateInProgress),
		"next_ts": nil,
	}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if _, err := mtx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	runner := &stubRunner{}
	exec := scheduler.NewExecutor(sched, runner, scheduler.Config{Parallelism: 2, OCCMaxRetries: 3}, nil)

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	exec.Run(runCtx)

	rtx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	job, err := sched.Load(ctx, rtx, id)
	rtx.Commit(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if job == nil || job.State != scheduler.StateFailed {
		t.Fatalf("expected job Failed after restart-recovery, got %+v", job)
	}
	if job.FailureMsg != "Transient error while executing action" {
		t.Errorf("FailureMsg = %q, want the transient-error recovery message", job.FailureMsg)
	}
	if atomic.LoadInt32(&runner.actionCalls) != 0 {
		t.Errorf("action invoked %d times on restart recovery, want 0 (at-most-once)", runner.actionCalls)
	}
}

// A mutation whose UDF path fails classification is marked Failed without
// ever being run.
func TestScheduledMutationUnknownUDFFails(t *testing.T) {
	db := newTestDB(t)
	sched := scheduler.New(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := sched.Schedule(tx, "mutations:ghost", nil, "mutation", "system", document.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	runner := &stubRunner{classifyErr: fmt.Errorf("no such function")}
	exec := scheduler.NewExecutor(sched, runner, scheduler.Config{Parallelism: 2}, nil)

	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rtx, _ := db.Begin(ctx)
		job, _ := sched.Load(ctx, rtx, id)
		rtx.Commit(ctx)
		if job != nil && job.State == scheduler.StateFailed {
			cancel()
			<-done
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("job never reached Failed")
}

// Canceling a Pending job keeps the executor from ever running it.
func TestCancelPreventsExecution(t *testing.T) {
	db := newTestDB(t)
	sched := scheduler.New(db)
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := sched.Schedule(tx, "mutations:doThing", nil, "mutation", "system", document.Now()+document.Timestamp(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	cancelTx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := sched.Cancel(ctx, cancelTx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := cancelTx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	job, err := sched.Load(ctx, rtx, id)
	rtx.Commit(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if job == nil || job.State != scheduler.StateCanceled {
		t.Fatalf("expected Canceled, got %+v", job)
	}
}

