// Package reconcile establishes the truth about side effects whose
// outcome the process did not observe.
//
// A mutating capability that fails with an indeterminate error (network,
// auth) may or may not have landed on the external system. The engine
// never re-issues such a call blindly: a probe re-checks the system under
// the original idempotency key until it reports applied or failed, and
// whatever stays inconclusive is journaled unknown and surfaced to the
// operator instead.
package reconcile

import (
	"context"

	"github.com/basket/minder/internal/store"
)

type Status string

const (
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
	StatusRetry   Status = "retry"
	StatusUnknown Status = "unknown"
)

// Outcome is a verdict for one idempotency key. Probes answer applied,
// failed or retry; Runner.Resolve narrows retry to unknown when the
// attempt budget runs out.
type Outcome struct {
	Status Status

	// Result carries the recovered result for applied outcomes when the
	// external system can return one.
	Result any
}

func Applied(result any) Outcome { return Outcome{Status: StatusApplied, Result: result} }
func Failed() Outcome            { return Outcome{Status: StatusFailed} }
func Retry() Outcome             { return Outcome{Status: StatusRetry} }

// Probe re-checks one mutation against the external system it targeted.
// The journaled row carries the idempotency key and the recorded call
/// parameters. Implementations must be read-only: a probe observes, it
// never mutates.
type Probe interface {
	Reconcile(ctx context.Context, effect store.SideEffect) Outcome
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, effect store.SideEffect) Outcome

func (f ProbeFunc) Reconcile(ctx context.Context, effect store.SideEffect) Outcome {
	return f(ctx, effect)
}
