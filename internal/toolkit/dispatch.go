package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/minder/internal/fault"
	"github.com/basket/minder/internal/reconcile"
	"github.com/basket/minder/internal/store"
)

// Bound dispatches capability calls for one run. The sandbox predeclares
// its builtins from Names and routes every invocation through Dispatch.
type Bound struct {
	reg        *Registry
	unit       *store.Unit
	runID      string
	occurrence string
}

// Names lists the capabilities this unit may call. A unit with an empty
// grant list sees everything registered; guards still apply per call.
func (b *Bound) Names() []string {
	all := b.reg.Names()
	if b.unit == nil || len(b.unit.Tools) == 0 {
		return all
	}
	granted := make(map[string]bool, len(b.unit.Tools))
	for _, t := range b.unit.Tools {
		granted[t] = true
	}
	var names []string
	for _, name := range all {
		if granted[name] {
			names = append(names, name)
		}
	}
	return names
}

// Dispatch validates and executes one capability call. Mutating
// capabilities run under the side-effect journal: replays of an applied
// call return the recorded result, in-doubt rows reconcile before
// anything re-executes, and an indeterminate failure mid-call settles the
// row before the error surfaces to the script.
func (b *Bound) Dispatch(ctx context.Context, name string, params map[string]any) (any, error) {
	reg, ok := b.reg.caps[name]
	if !ok {
		return nil, fault.Errorf(fault.Logic, "unknown capability %q", name).At("toolkit")
	}
	if !b.granted(name) {
		return nil, fault.Errorf(fault.Logic, "capability %q not granted to this unit", name).At("toolkit")
	}

	if params == nil {
		params = map[string]any{}
	}
	canonical, err := json.Marshal(params)
	if err != nil {
		return nil, fault.Wrap(fault.Logic, "capability parameters are not JSON-encodable", err).At("toolkit")
	}
	if reg.schema != nil {
		if err := validateParams(reg.schema, canonical); err != nil {
			return nil, fault.Wrap(fault.Logic, fmt.Sprintf("invalid %s parameters", name), err).At("toolkit")
		}
	}

	call := Call{
		Unit:       b.unit,
		RunID:      b.runID,
		Occurrence: b.occurrence,
		Tool:       name,
		Params:     params,
		ParamsJSON: string(canonical),
	}

	if g, ok := reg.cap.(Guard); ok {
		if err := g.PreCallGuard(ctx, call); err != nil {
			if _, typed := fault.As(err); typed {
				return nil, err
			}
			return nil, fault.Wrap(fault.Logic, fmt.Sprintf("%s rejected the call", name), err).At("toolkit")
		}
	}

	if m, ok := reg.cap.(Mutator); ok {
		return b.dispatchMutation(ctx, reg.cap, m, call)
	}
	return reg.cap.Execute(ctx, call)
}

func (b *Bound) granted(name string) bool {
	if b.unit == nil || len(b.unit.Tools) == 0 {
		return true
	}
	for _, t := range b.unit.Tools {
		if t == name {
			return true
		}
	}
	return false
}

func (b *Bound) dispatchMutation(ctx context.Context, c Capability, m Mutator, call Call) (any, error) {
	key := m.IdempotencyKey(call)
	if key == "" {
		key = DefaultIdempotencyKey(call)
	}

	rec, fresh, err := b.reg.store.RecordIntent(ctx, key, call.Unit.ID, call.Tool, call.ParamsJSON)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "journal side effect intent", err).At("toolkit")
	}

	if !fresh {
		switch rec.Status {
		case store.EffectApplied:
			// Replay of a call that already landed.
			b.reg.log.Info("side effect replayed from journal", "tool", call.Tool, "key", key)
			return decodeRecordedResult(rec), nil

		case store.EffectPending, store.EffectUnknown:
			// A prior attempt died without a verdict. Establish the truth
			// before anything else happens under this key.
			out := b.reg.runner.Resolve(ctx, probeAdapter{m}, *rec)
			switch out.Status {
			case reconcile.StatusApplied:
				return out.Result, nil
			case reconcile.StatusFailed:
				if err := b.reg.store.ReissueSideEffect(ctx, key); err != nil {
					return nil, fault.Wrap(fault.Internal, "reissue side effect", err).At("toolkit")
				}
			default:
				return nil, fault.Errorf(fault.Internal,
					"outcome of %s is unknown under key %s; refusing to re-issue", call.Tool, key).At("toolkit")
			}

		case store.EffectFailed:
			// Definite failure: the call may run again under the same key.
			if err := b.reg.store.ReissueSideEffect(ctx, key); err != nil {
				return nil, fault.Wrap(fault.Internal, "reissue side effect", err).At("toolkit")
			}
		}
	}

	result, execErr := c.Execute(ctx, call)
	if execErr == nil {
		b.settleJournal(ctx, key, store.EffectApplied, encodeExecResult(b.reg, result))
		return result, nil
	}

	if fault.IsDefiniteFailure(execErr) {
		b.settleJournal(ctx, key, store.EffectFailed, "")
		return nil, execErr
	}

	// Indeterminate: journal the doubt, then reconcile before the error
	// surfaces so the script can never blindly retry a call that landed.
	b.settleJournal(ctx, key, store.EffectUnknown, "")
	if refreshed, err := b.reg.store.GetSideEffect(ctx, key); err == nil {
		if out := b.reg.runner.Resolve(ctx, probeAdapter{m}, *refreshed); out.Status == reconcile.StatusApplied {
			return out.Result, nil
		}
	}
	return nil, execErr
}

func (b *Bound) settleJournal(ctx context.Context, key, status, resultJSON string) {
	if err := b.reg.store.SettleSideEffect(context.WithoutCancel(ctx), key, status, resultJSON); err != nil {
		b.reg.log.Error("settle side effect journal", "key", key, "status", status, "error", err)
	}
}

func encodeExecResult(r *Registry, result any) string {
	if result == nil {
		return ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		r.log.Warn("capability result is not JSON-encodable", "error", err)
		return ""
	}
	return string(data)
}

func decodeRecordedResult(rec *store.SideEffect) any {
	if rec.ResultJSON == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(rec.ResultJSON), &v); err != nil {
		return rec.ResultJSON
	}
	return v
}

func validateParams(schema *jsonschema.Schema, canonical []byte) error {
	// jsonschema v6 wants instances decoded with json.Number, so the
	// canonical bytes round-trip through its own decoder.
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(canonical)))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
