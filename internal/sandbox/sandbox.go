// Package sandbox runs unit step scripts in an embedded Starlark
// interpreter. The dialect allows set literals, while loops, top-level
// control flow and global reassignment; recursion stays off so a
// runaway script fails instead of spinning. Scripts see their carried
// state as a `state` dict and the unit's granted capabilities as
// namespace modules (`chat.send(body=...)`). A script that misbehaves
// fails its step with a `logic` fault; typed faults raised by
// capabilities pass through the interpreter untouched.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/basket/minder/internal/fault"
)

// DefaultStepTimeout is the wall-clock budget for one script step.
const DefaultStepTimeout = 30 * time.Second

// DefaultExecSteps caps interpreter steps per evaluation. A pathological
// loop trips this long before the wall clock does.
const DefaultExecSteps uint64 = 100_000_000

// Dispatcher is the capability surface a script can reach. toolkit.Bound
// satisfies it.
type Dispatcher interface {
	Names() []string
	Dispatch(ctx context.Context, name string, params map[string]any) (any, error)
}

// Options shape one evaluation.
type Options struct {
	// Name labels the script in tracebacks. Empty uses "step.star".
	Name string
	// Timeout caps wall-clock time. Zero uses the interpreter default.
	Timeout time.Duration
	// ExecSteps caps interpreter steps. Zero uses DefaultExecSteps.
	ExecSteps uint64
	// State is the carried state exposed as the `state` dict.
	State map[string]any
	// Tools is the capability surface. Nil means the script gets none.
	Tools Dispatcher
}

// Result is what a completed step hands back.
type Result struct {
	// Value is the script's print output, followed by the JSON encoding
	// of a top-level `result` binding when the script sets one.
	Value string
	// State is the carried state read back after execution.
	State map[string]any
}

type Interpreter struct {
	timeout time.Duration
	log     *slog.Logger
}

func New(timeout time.Duration, log *slog.Logger) *Interpreter {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Interpreter{timeout: timeout, log: log}
}

// Same dialect the scripts are written against everywhere: set literals,
// while, top-level if/for, reassignable globals. Recursion stays off.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Eval executes one script step. The error is always a typed fault: a
// parse error, runtime error, or blown step budget is `logic`; an
// interrupted run is `internal`; a fault raised by a capability keeps
// the type the capability gave it.
func (in *Interpreter) Eval(ctx context.Context, source string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = in.timeout
	}
	name := opts.Name
	if name == "" {
		name = "step.star"
	}

	var prints []string
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			prints = append(prints, msg)
		},
	}
	steps := opts.ExecSteps
	if steps == 0 {
		steps = DefaultExecSteps
	}
	thread.SetMaxExecutionSteps(steps)

	stateDict := starlark.NewDict(len(opts.State))
	for k, v := range opts.State {
		if err := stateDict.SetKey(starlark.String(k), goToStarlark(v)); err != nil {
			return nil, fault.Wrap(fault.Internal, "seed state dict", err).At("sandbox")
		}
	}
	// The state dict claims its name last: no capability namespace may
	// shadow the carried state.
	predeclared := toolModules(ctx, opts.Tools)
	predeclared["state"] = stateDict

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		thread.Cancel("step budget exceeded")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel("run canceled")
	})
	defer stop()

	start := time.Now()
	globals, err := starlark.ExecFileOptions(fileOptions, thread, name, source, predeclared)
	if err != nil {
		in.log.Debug("script step failed", "script", name, "elapsed", time.Since(start), "error", err)
		return nil, classifyEvalError(err, timedOut.Load(), ctx.Err(), timeout)
	}

	// A top-level `state = {...}` rebinding wins over in-place mutation
	// of the predeclared dict.
	stateVal := starlark.Value(stateDict)
	if g, ok := globals["state"]; ok {
		stateVal = g
	}
	readState, err := stateFromStarlark(stateVal)
	if err != nil {
		return nil, fault.Wrap(fault.Logic, "carried state must be a dict with string keys and JSON values", err).At("sandbox")
	}

	var parts []string
	if len(prints) > 0 {
		parts = append(parts, strings.Join(prints, "\n"))
	}
	if res, ok := globals["result"]; ok && res != starlark.None {
		goVal, err := fromStarlark(res)
		if err != nil {
			return nil, fault.Wrap(fault.Logic, "result must be a JSON-shaped value", err).At("sandbox")
		}
		encoded, err := json.Marshal(goVal)
		if err != nil {
			return nil, fault.Wrap(fault.Logic, "encode result", err).At("sandbox")
		}
		parts = append(parts, string(encoded))
	}

	return &Result{Value: strings.Join(parts, "\n"), State: readState}, nil
}

func classifyEvalError(err error, timedOut bool, ctxErr error, timeout time.Duration) error {
	if timedOut {
		return fault.Errorf(fault.Logic, "script exceeded the %s step budget", timeout).At("sandbox")
	}
	if _, ok := fault.As(err); ok {
		return err
	}
	if ctxErr != nil {
		return fault.Wrap(fault.Internal, "script interrupted", ctxErr).At("sandbox")
	}
	return fault.Wrap(fault.Logic, "script failed", err).At("sandbox")
}

// toolModules groups dotted capability names into namespace modules, so
// a registry entry `chat.send` becomes the Starlark call chat.send(...).
func toolModules(ctx context.Context, tools Dispatcher) starlark.StringDict {
	out := starlark.StringDict{}
	if tools == nil {
		return out
	}
	mods := map[string]*starlarkstruct.Module{}
	for _, full := range tools.Names() {
		ns, op, ok := strings.Cut(full, ".")
		if !ok {
			continue
		}
		mod := mods[ns]
		if mod == nil {
			mod = &starlarkstruct.Module{Name: ns, Members: starlark.StringDict{}}
			mods[ns] = mod
			out[ns] = mod
		}
		mod.Members[op] = toolBuiltin(ctx, tools, full)
	}
	return out
}

func toolBuiltin(ctx context.Context, tools Dispatcher, name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("%s: pass arguments by keyword", b.Name())
		}
		params := make(map[string]any, len(kwargs))
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			val, err := fromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: argument %q: %w", b.Name(), key, err)
			}
			params[key] = val
		}
		out, err := tools.Dispatch(ctx, b.Name(), params)
		if err != nil {
			return nil, err
		}
		return goToStarlark(out), nil
	})
}
