package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/minder/internal/shared"
	"github.com/basket/minder/internal/store"
)

const kindIndeterminateOutcome = "indeterminate_outcome"

// Config bounds how hard the runner chases an answer.
type Config struct {
	// ImmediateTimeout caps the first probe, issued without delay.
	ImmediateTimeout time.Duration

	// BackoffBase and BackoffCap shape the delay between re-checks.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxAttempts is the number of re-checks after the immediate probe.
	MaxAttempts int
}

// Runner drives unsettled side effects to a verdict and keeps the journal
// honest about what it found.
type Runner struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger
}

func NewRunner(st *store.Store, cfg Config, log *slog.Logger) *Runner {
	if cfg.ImmediateTimeout <= 0 {
		cfg.ImmediateTimeout = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 600 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: st, cfg: cfg, log: log}
}

// Resolve probes one journaled side effect until the external system
// answers or the attempt budget runs out. applied and failed settle the
// row and return as-is; anything still inconclusive settles unknown and
// raises an indeterminate_outcome notification. The journal writes use a
// detached context so bookkeeping lands even when the caller's context
// has expired.
func (r *Runner) Resolve(ctx context.Context, probe Probe, effect store.SideEffect) Outcome {
	ictx, cancel := context.WithTimeout(ctx, r.cfg.ImmediateTimeout)
	out := probe.Reconcile(ictx, effect)
	cancel()

	for attempt := 1; out.Status == StatusRetry && attempt <= r.cfg.MaxAttempts; attempt++ {
		delay := shared.Backoff(r.cfg.BackoffBase, r.cfg.BackoffCap, attempt)
		r.log.Debug("reconcile re-check",
			"key", effect.IdempotencyKey, "tool", effect.ToolName,
			"attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			break
		}
		out = probe.Reconcile(ctx, effect)
	}

	wctx := context.WithoutCancel(ctx)
	switch out.Status {
	case StatusApplied:
		r.settle(wctx, effect.IdempotencyKey, store.EffectApplied, encodeResult(r.log, out.Result))
		r.log.Info("side effect reconciled as applied", "key", effect.IdempotencyKey, "tool", effect.ToolName)
		return out
	case StatusFailed:
		r.settle(wctx, effect.IdempotencyKey, store.EffectFailed, "")
		r.log.Info("side effect reconciled as failed", "key", effect.IdempotencyKey, "tool", effect.ToolName)
		return out
	default:
		r.settle(wctx, effect.IdempotencyKey, store.EffectUnknown, "")
		body := fmt.Sprintf(
			"The outcome of %s could not be established after %d checks. The call is journaled under key %s; inspect the external system before re-running.",
			effect.ToolName, r.cfg.MaxAttempts+1, effect.IdempotencyKey)
		if _, err := r.store.CreateNotification(wctx, effect.UnitID, kindIndeterminateOutcome, body); err != nil {
			r.log.Error("create indeterminate outcome notification", "key", effect.IdempotencyKey, "error", err)
		}
		r.log.Warn("side effect remains unknown after reconciliation",
			"key", effect.IdempotencyKey, "tool", effect.ToolName)
		return Outcome{Status: StatusUnknown}
	}
}

// Sweep resolves every side effect left unsettled by prior runs. lookup
// maps a tool name to its probe; tools without one (or no longer
// registered) settle unknown immediately so the operator sees them.
// Returns how many rows reached a definite state.
func (r *Runner) Sweep(ctx context.Context, lookup func(tool string) (Probe, bool)) (int, error) {
	effects, err := r.store.UnsettledSideEffects(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unsettled side effects: %w", err)
	}
	if len(effects) == 0 {
		return 0, nil
	}
	r.log.Info("reconcile sweep started", "unsettled", len(effects))

	settled := 0
	for _, effect := range effects {
		probe, ok := lookup(effect.ToolName)
		if !ok {
			r.settle(ctx, effect.IdempotencyKey, store.EffectUnknown, "")
			body := fmt.Sprintf(
				"A journaled call to %s has no reconciliation probe; its outcome is unknown (key %s).",
				effect.ToolName, effect.IdempotencyKey)
			if _, err := r.store.CreateNotification(ctx, effect.UnitID, kindIndeterminateOutcome, body); err != nil {
				r.log.Error("create sweep notification", "key", effect.IdempotencyKey, "error", err)
			}
			continue
		}
		switch r.Resolve(ctx, probe, effect).Status {
		case StatusApplied, StatusFailed:
			settled++
		}
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
	}
	r.log.Info("reconcile sweep finished", "settled", settled, "of", len(effects))
	return settled, nil
}

func (r *Runner) settle(ctx context.Context, key, status, resultJSON string) {
	err := r.store.SettleSideEffect(ctx, key, status, resultJSON)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		r.log.Error("settle side effect", "key", key, "status", status, "error", err)
	}
}

func encodeResult(log *slog.Logger, result any) string {
	if result == nil {
		return ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		log.Warn("reconciled result is not JSON-encodable", "error", err)
		return ""
	}
	return string(data)
}
