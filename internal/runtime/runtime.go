// Package runtime defines the external function-runtime collaborator the
// scheduled-jobs executor (internal/scheduler) calls through to invoke
// user-defined mutations and actions, per spec.md §6's "Function runtime
// (collaborator): given (udf_path, args, identity, request_id), returns
// either a mutation transaction with an outcome, or an action outcome with
// log lines." User-function language semantics are an explicit Non-goal,
// so FunctionRunner has no production implementation here — it is the
// seam a host process wires in; internal/scheduler's tests exercise it
// against a stub.
package runtime

import (
	"context"

	"github.com/pelagodb/core/internal/txn"
)

// Request identifies one function invocation.
type Request struct {
	UDFPath   string
	Args      map[string]any
	Identity  string
	RequestID string
}

// Kind classifies a scheduled job's analyzed UDF type, mirroring spec.md
// §4.9's "mutation (single commit) or action (external side effects,
// at-most-once)" split.
type Kind int

const (
	// KindUnknown means the UDF's analyzed type is missing or invalid;
	// the executor treats this as an immediate Failed transition rather
	// than an execution attempt.
	KindUnknown Kind = iota
	KindMutation
	KindAction
)

// MutationOutcome is the result of running a mutation's user code inside
// the caller-supplied transaction. The executor commits tx (with the
// job's own state transition staged alongside, in the same commit) only
// when Success is true; on a developer error the transaction is aborted
// and the failure recorded in a fresh transaction instead, per spec.md
// §4.9.
type MutationOutcome struct {
	Success bool
	// DevError is set when !Success: a deterministic, non-retryable
	// developer-code failure (as opposed to a transient system error,
	// which RunMutation reports via its error return instead).
	DevError string
}

// ActionOutcome is the result of running an action. Actions run outside
// any storage-core transaction — at-most-once side effects are not
// repeatable — so there is no transaction parameter here.
type ActionOutcome struct {
	Success  bool
	Error    string
	LogLines []string
}

// FunctionRunner is the seam between the storage core and user-function
// execution.
type FunctionRunner interface {
	// Classify reports a job's analyzed UDF kind before the executor
	// decides how to run it. An error or KindUnknown both mean "cannot
	// run this job"; the executor fails the job without retrying.
	Classify(ctx context.Context, udfPath string) (Kind, error)

	// RunMutation executes udfPath's mutation body against tx, staging
	// whatever document writes it performs. A non-nil error means a
	// transient system failure (the caller retries in a fresh
	// transaction); a returned MutationOutcome with Success=false means a
	// deterministic developer error (the caller aborts tx and records
	// Failed instead of retrying).
	RunMutation(ctx context.Context, tx *txn.Transaction, req Request) (MutationOutcome, error)

	// RunAction executes udfPath's action body. A non-nil error means a
	// transient failure the caller retries indefinitely with backoff.
	RunAction(ctx context.Context, req Request) (ActionOutcome, error)
}
