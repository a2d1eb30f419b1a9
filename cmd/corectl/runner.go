package main

import (
	"context"
	"fmt"

	fnruntime "github.com/pelagodb/core/internal/runtime"
	"github.com/pelagodb/core/internal/txn"
)

// unimplementedRunner satisfies fnruntime.FunctionRunner without executing
// any user code: the function-runtime language binding is an explicit
// Non-goal of this repo (spec.md §1), so corectl serve has no production
// runner to wire in. Every scheduled job classifies as unknown and fails
// immediately rather than hanging, which keeps `corectl serve` runnable
// end-to-end (storage, transactions, indexes, retention) without a real
// user-function host attached.
type unimplementedRunner struct{}

func (unimplementedRunner) Classify(ctx context.Context, udfPath string) (fnruntime.Kind, error) {
	return fnruntime.KindUnknown, fmt.Errorf("corectl: no function runtime configured for %q", udfPath)
}

func (unimplementedRunner) RunMutation(ctx context.Context, tx *txn.Transaction, req fnruntime.Request) (fnruntime.MutationOutcome, error) {
	return fnruntime.MutationOutcome{}, fmt.Errorf("corectl: no function runtime configured")
}

func (unimplementedRunner) RunAction(ctx context.Context, req fnruntime.Request) (fnruntime.ActionOutcome, error) {
	return fnruntime.ActionOutcome{}, fmt.Errorf("corectl: no function runtime configured")
}
