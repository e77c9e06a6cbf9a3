// Package toolkit is the capability registry agent scripts call into.
//
// Capabilities are namespace-keyed (`chat.send`, `state.get`). Input is
// validated against a per-capability JSON Schema compiled at registration;
// guards veto calls before execution; mutators run under the side-effect
// journal so a crash or an indeterminate transport error never turns into
// a blind re-issue. A script that addresses the engine wrongly (unknown
// capability, schema violation, guard rejection) gets a logic fault.
package toolkit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/minder/internal/reconcile"
	"github.com/basket/minder/internal/store"
)

// Call is one capability invocation on behalf of a unit's run.
type Call struct {
	Unit       *store.Unit
	RunID      string
	Occurrence string
	Tool       string
	Params     map[string]any

	// ParamsJSON is the canonical encoding of Params: json.Marshal output,
	// map keys sorted. Idempotency keys derive from it.
	ParamsJSON string
}

// Capability is one engine-side operation scripts can invoke.
type Capability interface {
	Name() string
	Execute(ctx context.Context, call Call) (any, error)
}

// Schemaed capabilities declare a JSON Schema for their input. Calls that
// fail validation never reach Execute.
type Schemaed interface {
	InputSchema() string
}

// Guard lets a capability veto a call before execution. Role checks and
// phase restrictions live here.
type Guard interface {
	PreCallGuard(ctx context.Context, call Call) error
}

// Mutator marks a capability whose execution changes externally visible
// state. IdempotencyKey may return "" to accept the default derivation
// from (unit, occurrence, tool, canonical params). Reconcile makes a
// mutator its own reconciliation probe.
type Mutator interface {
	IdempotencyKey(call Call) string
	Reconcile(ctx context.Context, effect store.SideEffect) reconcile.Outcome
}

type registration struct {
	cap    Capability
	schema *jsonschema.Schema
}

// Registry holds the registered capabilities. Register everything during
// startup, then Bind per run; registration is not safe to interleave with
// dispatch.
type Registry struct {
	store  *store.Store
	runner *reconcile.Runner
	log    *slog.Logger
	caps   map[string]*registration
}

func NewRegistry(st *store.Store, runner *reconcile.Runner, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:  st,
		runner: runner,
		log:    log,
		caps:   make(map[string]*registration),
	}
}

// Register adds a capability under its namespaced name and compiles its
// input schema when it declares one.
func (r *Registry) Register(c Capability) error {
	name := c.Name()
	if err := validateName(name); err != nil {
		return err
	}
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}

	reg := &registration{cap: c}
	if s, ok := c.(Schemaed); ok {
		if raw := s.InputSchema(); raw != "" {
			schema, err := compileSchema(name, raw)
			if err != nil {
				return err
			}
			reg.schema = schema
		}
	}
	r.caps[name] = reg
	r.log.Debug("capability registered", "tool", name)
	return nil
}

// Names returns every registered capability name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProbeFor returns the reconciliation probe for a mutating capability.
// The startup sweep uses it to settle journal rows left by a crash.
func (r *Registry) ProbeFor(tool string) (reconcile.Probe, bool) {
	reg, ok := r.caps[tool]
	if !ok {
		return nil, false
	}
	m, ok := reg.cap.(Mutator)
	if !ok {
		return nil, false
	}
	return probeAdapter{m}, true
}

type probeAdapter struct{ m Mutator }

func (p probeAdapter) Reconcile(ctx context.Context, effect store.SideEffect) reconcile.Outcome {
	return p.m.Reconcile(ctx, effect)
}

// Bind scopes the registry to one run of one unit.
func (r *Registry) Bind(unit *store.Unit, runID, occurrence string) *Bound {
	return &Bound{reg: r, unit: unit, runID: runID, occurrence: occurrence}
}

// DefaultIdempotencyKey derives the journal key for a mutating call:
// the same unit, occurrence, tool and parameters always hash to the same
// key, so a retried run replays instead of re-issuing.
func DefaultIdempotencyKey(call Call) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", call.Unit.ID, call.Occurrence, call.Tool, call.ParamsJSON)
	return hex.EncodeToString(h.Sum(nil))
}

func validateName(name string) error {
	ns, op, ok := strings.Cut(name, ".")
	if !ok || ns == "" || op == "" || strings.Contains(op, ".") {
		return fmt.Errorf("capability name %q is not namespace.operation", name)
	}
	return nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return schema, nil
}
