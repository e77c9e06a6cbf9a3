// Package agent executes one unit occurrence as a conversation with the
// model: prompt, reply, script, observation, repeated until the model
// declares done or wait. The worker owns the run record, the unit's
// transcript and its lifecycle transition at the end; everything the
// scheduler needs to know about the outcome travels as exactly one
// signal.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/minder/internal/completion"
	"github.com/basket/minder/internal/cron"
	"github.com/basket/minder/internal/fault"
	"github.com/basket/minder/internal/otel"
	"github.com/basket/minder/internal/pricing"
	"github.com/basket/minder/internal/sandbox"
	"github.com/basket/minder/internal/shared"
	"github.com/basket/minder/internal/signal"
	"github.com/basket/minder/internal/store"
	"github.com/basket/minder/internal/tokenutil"
	"github.com/basket/minder/internal/toolkit"
)

const (
	DefaultMaxSteps     = 100
	DefaultHistoryLimit = 40

	errDisplayLimit = 1000
)

// Evaluator executes one script under the sandbox contract.
type Evaluator interface {
	Eval(ctx context.Context, source string, opts sandbox.Options) (*sandbox.Result, error)
}

// Announcer publishes run outcomes on the operator chat surface.
type Announcer interface {
	Notify(ctx context.Context, unitID, kind, body string) (string, error)
}

// Config bounds one worker.
type Config struct {
	Model       string
	Temperature float64

	// Instructions is operator-authored text prepended to every unit's
	// system prompt. UpdateInstructions swaps it while running.
	Instructions string

	// MaxSteps caps model turns per run. Exceeding it means the loop is
	// not converging, which is an engine fault, not the unit's.
	MaxSteps int

	// RunTimeout caps a run's wall clock across all steps. Like the step
	// ceiling it classifies internal; a run that cannot converge in time
	// must not look like a provider outage. Zero means unbounded.
	RunTimeout time.Duration

	// StepTimeout caps one script evaluation. Zero uses the sandbox default.
	StepTimeout time.Duration

	// ExecSteps caps interpreter steps per script evaluation. Zero uses
	// the sandbox default.
	ExecSteps uint64

	// HistoryLimit is how many transcript rows feed the prompt.
	HistoryLimit int

	// DisableRepair routes workflow logic failures straight to the
	// operator instead of opening a maintenance episode.
	DisableRepair bool
}

// Deps are the worker's collaborators. Announcer, Telemetry and Metrics
// may be nil; everything else must be set.
type Deps struct {
	Store     *store.Store
	LLM       completion.Client
	Sandbox   Evaluator
	Tools     *toolkit.Registry
	Signals   *signal.Dispatcher
	Announcer Announcer
	Telemetry *otel.Provider
	Metrics   *otel.Metrics
	Log       *slog.Logger
}

type Worker struct {
	store     *store.Store
	llm       completion.Client
	sandbox   Evaluator
	tools     *toolkit.Registry
	signals   *signal.Dispatcher
	announcer Announcer
	tracer    trace.Tracer
	metrics   *otel.Metrics
	log       *slog.Logger
	cfg       Config

	instrMu      sync.RWMutex
	instructions string
}

func NewWorker(d Deps, cfg Config) *Worker {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	var tracer trace.Tracer
	if d.Telemetry != nil {
		tracer = d.Telemetry.Tracer
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = otel.NewNoopMetrics()
	}
	return &Worker{
		store:        d.Store,
		llm:          d.LLM,
		sandbox:      d.Sandbox,
		tools:        d.Tools,
		signals:      d.Signals,
		announcer:    d.Announcer,
		tracer:       tracer,
		metrics:      metrics,
		log:          d.Log,
		cfg:          cfg,
		instructions: cfg.Instructions,
	}
}

// UpdateInstructions replaces the operator instructions picked up by
// later runs. A run already past prompt assembly keeps what it started
// with.
func (w *Worker) UpdateInstructions(s string) {
	w.instrMu.Lock()
	w.instructions = s
	w.instrMu.Unlock()
}

func (w *Worker) currentInstructions() string {
	w.instrMu.RLock()
	defer w.instrMu.RUnlock()
	return w.instructions
}

// runEnv carries the per-run working set through the step loop.
type runEnv struct {
	unit   *store.Unit
	runID  string
	opened time.Time
	state  map[string]any
	msgs   []completion.Message
	system string
	bound  *toolkit.Bound
}

// Execute runs one occurrence of the unit to a terminal outcome. The
// returned error reports the failure the run was finished with; the
// scheduler only logs it, because the outcome already traveled as a
// signal and as store writes.
func (w *Worker) Execute(ctx context.Context, unit *store.Unit) error {
	now := time.Now().UTC()
	occurrence := occurrenceFor(unit, now)

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
		ctx = shared.WithTraceID(ctx, traceID)
	}

	// Fetched before StartRun on purpose: the previous run's start time
	// is the fold boundary for operator answers.
	prevRun, err := w.store.LatestRunForUnit(ctx, unit.ID)
	if err != nil {
		return fault.Wrap(fault.Internal, "load previous run", err).At("agent")
	}

	runID, err := w.store.StartRun(ctx, unit.ID, occurrence, traceID)
	if err != nil {
		// ErrRunInFlight included: nothing started, nothing to unwind,
		// the unit stays eligible for the next admission pass.
		return err
	}

	ctx = shared.WithUnitID(ctx, unit.ID)
	ctx = shared.WithRunID(ctx, runID)
	ctx = shared.WithOccurrence(ctx, occurrence)

	ctx, span := otel.StartSpan(ctx, w.tracer, "agent.run",
		otel.AttrUnitID.String(unit.ID),
		otel.AttrUnitRole.String(string(unit.Role)),
		otel.AttrRunID.String(runID),
	)
	defer span.End()

	w.metrics.ActiveRuns.Add(ctx, 1)
	started := time.Now()
	defer func() {
		w.metrics.ActiveRuns.Add(ctx, -1)
		w.metrics.RunDuration.Record(ctx, time.Since(started).Seconds())
	}()

	w.log.Info("run started",
		"unit", unit.ID, "name", unit.Name, "role", string(unit.Role),
		"run_id", runID, "occurrence", occurrence)

	env := &runEnv{unit: unit, runID: runID, opened: now}
	env.state = w.loadState(ctx, unit)
	env.bound = w.tools.Bind(unit, runID, occurrence)
	env.system = systemPrompt(unit, w.currentInstructions(), env.bound.Names())

	rows, err := w.store.LiveMessages(ctx, unit.ID, w.cfg.HistoryLimit)
	if err != nil {
		w.log.Warn("load transcript history", "unit", unit.ID, "error", err)
	}
	env.msgs = historyMessages(rows)

	open := opening{now: now, state: env.state}
	open.answer = w.freshAnswer(ctx, unit, prevRun)
	open.fix = w.acceptedFix(ctx, unit)
	if item, err := w.store.OpenInboxItemForUnit(ctx, unit.ID); err != nil {
		w.log.Warn("load open inbox item", "unit", unit.ID, "error", err)
	} else if item != nil && item.Kind != store.InboxEscalation {
		open.pending = item
	}
	openMsg := open.message()
	env.msgs = append(env.msgs, openMsg)
	w.record(ctx, env, store.MsgUser, openMsg.Content)

	stepCtx := ctx
	if w.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, w.cfg.RunTimeout)
		defer cancel()
	}
	out, ferr := w.runSteps(stepCtx, env)
	if ferr != nil && stepCtx.Err() != nil && ctx.Err() == nil {
		// The run's own deadline fired, not the caller's. Whatever error
		// the expiring context surfaced as, the truth is that the loop ran
		// out of wall clock.
		ferr = fault.Errorf(fault.Internal,
			"run exceeded %s wall clock without done or wait", w.cfg.RunTimeout).At("agent")
	}
	if ferr != nil {
		span.SetAttributes(
			otel.AttrErrType.String(string(fault.TypeOf(ferr))),
			otel.AttrOutcome.String("failed"),
		)
		return w.failRun(ctx, env, ferr)
	}

	switch v := out.(type) {
	case Done:
		span.SetAttributes(otel.AttrOutcome.String("done"))
		return w.finishDone(ctx, env, v)
	case Wait:
		span.SetAttributes(otel.AttrOutcome.String("wait"))
		return w.finishWait(ctx, env, v)
	default:
		return w.failRun(ctx, env,
			fault.Errorf(fault.Internal, "unexpected terminal output %T", out).At("agent"))
	}
}

// runSteps drives the conversation until the model declares a terminal
// action or the ceiling trips. Parse failures return untyped and are
// classified internal at the failure boundary.
func (w *Worker) runSteps(ctx context.Context, env *runEnv) (StepOutput, error) {
	for step := 1; step <= w.cfg.MaxSteps; step++ {
		resp, err := w.complete(ctx, env)
		if err != nil {
			return nil, err
		}
		w.bill(ctx, env, resp.Usage)

		if leaks := shared.ScanLeaks(resp.Text); len(leaks) > 0 {
			w.log.Warn("model reply carries secret-shaped text",
				"unit", env.unit.ID, "step", step, "patterns", leaks)
		}
		w.record(ctx, env, store.MsgAssistant, resp.Text)
		env.msgs = append(env.msgs, completion.Message{Role: completion.RoleAssistant, Content: resp.Text})

		out, err := ParseReply(resp.Text)
		if err != nil {
			return nil, fmt.Errorf("model reply on step %d: %w", step, err)
		}

		code, ok := out.(Code)
		if !ok {
			return out, nil
		}
		if err := w.runScript(ctx, env, step, code); err != nil {
			return nil, err
		}
	}
	return nil, fault.Errorf(fault.Internal,
		"run exceeded %d steps without done or wait", w.cfg.MaxSteps).At("agent")
}

func (w *Worker) complete(ctx context.Context, env *runEnv) (*completion.Response, error) {
	cctx, span := otel.StartClientSpan(ctx, w.tracer, "llm.complete",
		otel.AttrModel.String(w.cfg.Model))
	defer span.End()

	start := time.Now()
	resp, err := w.llm.Stream(cctx, completion.Request{
		Model:       w.cfg.Model,
		Temperature: w.cfg.Temperature,
		System:      env.system,
		Messages:    env.msgs,
	}, nil)
	w.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		otel.AttrTokensInput.Int(resp.Usage.PromptTokens),
		otel.AttrTokensOutput.Int(resp.Usage.CompletionTokens),
	)
	return resp, nil
}

func (w *Worker) bill(ctx context.Context, env *runEnv, u completion.Usage) {
	cost := pricing.EstimateCost(w.cfg.Model, u.PromptTokens, u.CompletionTokens)
	if err := w.store.RecordRunProgress(ctx, env.runID, 1, u.PromptTokens, u.CompletionTokens, cost); err != nil {
		w.log.Warn("record run progress", "run_id", env.runID, "error", err)
	}
	w.metrics.StepsTotal.Add(ctx, 1)
	w.metrics.TokensUsed.Add(ctx, int64(u.PromptTokens+u.CompletionTokens))
}

func (w *Worker) runScript(ctx context.Context, env *runEnv, step int, code Code) error {
	if code.Note != "" {
		w.log.Info("step note", "unit", env.unit.ID, "step", step, "note", code.Note)
	}
	// The script memo always holds the latest attempt, so a repair round
	// sees exactly what was running when the workflow broke.
	if err := w.store.MemoSet(ctx, store.ScriptMemoKey(env.unit.ID), code.Source, env.unit.ID); err != nil {
		w.log.Warn("persist last script", "unit", env.unit.ID, "error", err)
	}

	sctx, span := otel.StartSpan(ctx, w.tracer, "sandbox.eval", otel.AttrStep.Int(step))
	start := time.Now()
	res, err := w.sandbox.Eval(sctx, code.Source, sandbox.Options{
		Name:      fmt.Sprintf("step-%d.star", step),
		Timeout:   w.cfg.StepTimeout,
		ExecSteps: w.cfg.ExecSteps,
		State:     env.state,
		Tools:     env.bound,
	})
	w.metrics.SandboxDuration.Record(ctx, time.Since(start).Seconds())
	span.End()
	if err != nil {
		return err
	}

	env.state = res.State
	if env.state == nil {
		env.state = map[string]any{}
	}
	w.record(ctx, env, store.MsgTool, res.Value)
	env.msgs = append(env.msgs, observationMessage(res.Value))
	return nil
}

// finishDone closes a successful run. Tasks are finished for good,
// workflows book their next occurrence, maintainers go back to sleep
// until the next repair round reactivates them.
func (w *Worker) finishDone(ctx context.Context, env *runEnv, out Done) error {
	bctx := context.WithoutCancel(ctx)
	unit := env.unit

	if err := w.store.FinishRun(bctx, env.runID, store.RunDone, out.Reply, "", ""); err != nil {
		w.log.Error("finish run", "run_id", env.runID, "error", err)
	}
	w.saveState(bctx, env)

	switch unit.Role {
	case store.RoleWorkflow:
		w.advanceWorkflow(bctx, env)
	case store.RoleMaintainer:
		moved, err := w.store.TransitionUnit(bctx, unit.ID, []store.UnitStatus{store.UnitActive}, store.UnitPaused,
			"maintenance.maintainer_idle", "")
		if err != nil {
			w.log.Error("park maintainer", "unit", unit.ID, "error", err)
		} else if !moved {
			w.log.Warn("maintainer not active at run end", "unit", unit.ID)
		}
		if err := w.store.AdvanceSchedule(bctx, unit.ID, time.Time{}); err != nil {
			w.log.Warn("clear maintainer schedule", "unit", unit.ID, "error", err)
		}
	default:
		moved, err := w.store.TransitionUnit(bctx, unit.ID, []store.UnitStatus{store.UnitActive}, store.UnitDone,
			"run.done", "")
		if err != nil {
			w.log.Error("finish task unit", "unit", unit.ID, "error", err)
		} else if !moved {
			w.log.Warn("task not active at run end", "unit", unit.ID)
		}
	}

	w.announce(bctx, unit.ID, "chat", out.Reply)
	w.signals.Send(signal.Signal{Type: signal.Done, UnitID: unit.ID})
	w.log.Info("run done", "unit", unit.ID, "run_id", env.runID)
	return nil
}

// finishWait parks the unit on a question, a resume time, or both. The
// run itself succeeded: the signal is done and the retry ledger clears.
func (w *Worker) finishWait(ctx context.Context, env *runEnv, out Wait) error {
	bctx := context.WithoutCancel(ctx)
	unit := env.unit

	if err := w.store.FinishRun(bctx, env.runID, store.RunWait, out.Question, "", ""); err != nil {
		w.log.Error("finish run", "run_id", env.runID, "error", err)
	}
	w.saveState(bctx, env)

	resumeHint := ""
	if !out.Resume.IsZero() {
		resumeHint = out.Resume.UTC().Format(time.RFC3339)
	}
	if out.Question != "" {
		if _, err := w.store.CreateInboxItem(bctx, unit.ID, env.runID, store.InboxQuestion, out.Question, resumeHint); err != nil {
			w.log.Error("open question item", "unit", unit.ID, "error", err)
		}
		w.announce(bctx, unit.ID, "question", out.Question)
	}

	// Schedule before the status flips: a waiting unit with a due
	// next_run_at is what the wake pass reactivates.
	if err := w.store.AdvanceSchedule(bctx, unit.ID, out.Resume); err != nil {
		w.log.Error("set resume time", "unit", unit.ID, "error", err)
	}
	moved, err := w.store.TransitionUnit(bctx, unit.ID, []store.UnitStatus{store.UnitActive}, store.UnitWaiting,
		"run.waiting", waitPayload(out))
	if err != nil {
		w.log.Error("park waiting unit", "unit", unit.ID, "error", err)
	} else if !moved {
		w.log.Warn("unit not active while parking to waiting", "unit", unit.ID)
	}

	w.signals.Send(signal.Signal{Type: signal.Done, UnitID: unit.ID})
	w.log.Info("run waiting", "unit", unit.ID, "run_id", env.runID, "resume", resumeHint)
	return nil
}

// failRun closes a failed run and routes the outcome: network retries,
// billing pauses admission, a broken workflow opens maintenance, and
// everything else parks for the operator.
func (w *Worker) failRun(ctx context.Context, env *runEnv, ferr error) error {
	bctx := context.WithoutCancel(ctx)
	unit := env.unit
	ftype := fault.TypeOf(ferr)
	msg := clipText(ferr.Error(), errDisplayLimit)

	if err := w.store.FinishRun(bctx, env.runID, store.RunFailed, "", string(ftype), msg); err != nil {
		w.log.Error("finish failed run", "run_id", env.runID, "error", err)
	}
	w.log.Warn("run failed", "unit", unit.ID, "run_id", env.runID, "fault", string(ftype), "error", msg)

	switch {
	case ftype == fault.Network:
		w.signals.Send(signal.Signal{Type: signal.Retry, UnitID: unit.ID, ErrType: ftype, Err: msg})
	case ftype == fault.APIKey || ftype == fault.Balance:
		w.signals.Send(signal.Signal{Type: signal.PaymentRequired, UnitID: unit.ID, ErrType: ftype, Err: msg})
	case ftype == fault.Logic && unit.Role == store.RoleWorkflow && !w.cfg.DisableRepair:
		w.signals.Send(signal.Signal{Type: signal.Maintenance, UnitID: unit.ID, ErrType: ftype, Err: msg})
	default:
		// auth, permission, internal, logic outside a repairable workflow
		w.parkForOperator(bctx, env, ftype, msg)
		w.signals.Send(signal.Signal{Type: signal.NeedsAttention, UnitID: unit.ID, ErrType: ftype, Err: msg})
	}
	return ferr
}

// parkForOperator takes the unit out of rotation and leaves the
// operator a handle. Internal faults are the engine's own bugs and park
// as error; everything else is serviceable and parks as
// needs_attention. It never signals; the caller decides that.
func (w *Worker) parkForOperator(ctx context.Context, env *runEnv, ftype fault.Type, msg string) {
	unit := env.unit
	status, reason := store.UnitNeedsAttention, "run.needs_attention"
	if ftype == fault.Internal {
		status, reason = store.UnitError, "run.error"
	}
	moved, err := w.store.TransitionUnit(ctx, unit.ID, []store.UnitStatus{store.UnitActive}, status,
		reason, fmt.Sprintf(`{"fault":%q}`, ftype))
	if err != nil {
		w.log.Error("park unit for operator", "unit", unit.ID, "error", err)
	} else if !moved {
		w.log.Warn("unit not active while parking for operator", "unit", unit.ID)
	}
	body := fmt.Sprintf("%s needs attention after %s failure: %s", unit.Name, ftype, msg)
	if _, err := w.store.CreateInboxItem(ctx, unit.ID, env.runID, store.InboxEscalation, body, ""); err != nil {
		w.log.Warn("open escalation item", "unit", unit.ID, "error", err)
	}
	w.announce(ctx, unit.ID, "needs_attention", body)
}

// advanceWorkflow books the next occurrence after a successful run. A
// schedule that no longer parses cannot advance; the workflow parks for
// the operator instead of spinning on the same occurrence.
func (w *Worker) advanceWorkflow(ctx context.Context, env *runEnv) {
	unit := env.unit
	if unit.Schedule == "" {
		moved, err := w.store.TransitionUnit(ctx, unit.ID, []store.UnitStatus{store.UnitActive}, store.UnitDone,
			"run.done", "")
		if err != nil {
			w.log.Error("finish unscheduled workflow", "unit", unit.ID, "error", err)
		} else if !moved {
			w.log.Warn("workflow not active at run end", "unit", unit.ID)
		}
		return
	}
	next, err := cron.NextRunTime(unit.Schedule, env.opened)
	if err != nil {
		w.log.Error("workflow schedule no longer parses",
			"unit", unit.ID, "schedule", unit.Schedule, "error", err)
		w.parkForOperator(ctx, env, fault.Internal,
			fmt.Sprintf("schedule %q does not parse: %v", unit.Schedule, err))
		return
	}
	if err := w.store.AdvanceSchedule(ctx, unit.ID, next); err != nil {
		w.log.Error("advance workflow schedule", "unit", unit.ID, "error", err)
		return
	}
	w.log.Info("workflow rescheduled", "unit", unit.ID, "next_run_at", next.Format(time.RFC3339))
}

// loadState reads the carried-state memo. Corruption starts the unit
// fresh instead of blocking it; the memo rewrites on the next success.
func (w *Worker) loadState(ctx context.Context, unit *store.Unit) map[string]any {
	raw, ok, err := w.store.MemoGet(ctx, store.StateMemoKey(unit.ID))
	if err != nil {
		w.log.Warn("load carried state", "unit", unit.ID, "error", err)
		return map[string]any{}
	}
	if !ok || raw == "" {
		return map[string]any{}
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		w.log.Warn("carried state memo is not valid JSON, starting fresh", "unit", unit.ID, "error", err)
		return map[string]any{}
	}
	if state == nil {
		state = map[string]any{}
	}
	return state
}

// saveState persists carried state. Only terminal success reaches here;
// a failed run keeps the last good snapshot.
func (w *Worker) saveState(ctx context.Context, env *runEnv) {
	js, err := json.Marshal(env.state)
	if err != nil {
		w.log.Warn("carried state is not JSON-encodable", "unit", env.unit.ID, "error", err)
		return
	}
	if err := w.store.MemoSet(ctx, store.StateMemoKey(env.unit.ID), string(js), env.unit.ID); err != nil {
		w.log.Warn("persist carried state", "unit", env.unit.ID, "error", err)
	}
}

// acceptedFix returns the corrected script a maintainer submitted while
// the workflow was out of rotation, or "". A cleared maintenance flag
// with fix attempts still on the counter means a fix was accepted and
// this run is the one that has to prove it; the script memo holds the
// maintainer's submission until the first CODE step overwrites it.
func (w *Worker) acceptedFix(ctx context.Context, unit *store.Unit) string {
	if unit.Role != store.RoleWorkflow || unit.Maintenance || unit.FixAttempts == 0 {
		return ""
	}
	script, ok, err := w.store.MemoGet(ctx, store.ScriptMemoKey(unit.ID))
	if err != nil {
		w.log.Warn("load corrected script", "unit", unit.ID, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return script
}

// freshAnswer returns the operator response resolved since the previous
// run started, or nil. Folding happens once: the answer lands in this
// run's opening turn, which persists as a transcript row, so later runs
// see it as history rather than as something new.
func (w *Worker) freshAnswer(ctx context.Context, unit *store.Unit, prevRun *store.Run) *store.InboxItem {
	if prevRun == nil {
		return nil
	}
	item, err := w.store.LatestResolvedItemForUnit(ctx, unit.ID)
	if err != nil {
		w.log.Warn("load resolved inbox item", "unit", unit.ID, "error", err)
		return nil
	}
	if item == nil || item.Kind != store.InboxQuestion {
		return nil
	}
	if item.ResolvedAt == nil || !item.ResolvedAt.After(prevRun.StartedAt) {
		return nil
	}
	return item
}

// record appends a transcript row. Transcript writes are bookkeeping; a
// failure is logged and the run continues on the in-memory conversation.
func (w *Worker) record(ctx context.Context, env *runEnv, role, content string) {
	if _, err := w.store.AppendMessage(ctx, env.unit.ID, env.runID, role, content, tokenutil.EstimateTokens(content)); err != nil {
		w.log.Warn("append transcript row", "unit", env.unit.ID, "role", role, "error", err)
	}
}

func (w *Worker) announce(ctx context.Context, unitID, kind, body string) {
	if w.announcer == nil {
		return
	}
	if _, err := w.announcer.Notify(ctx, unitID, kind, body); err != nil {
		w.log.Warn("announce run outcome", "unit", unitID, "kind", kind, "error", err)
	}
}

// occurrenceFor names the slot this run serves. A retry keeps
// next_run_at in place, so the retried run reuses the occurrence and
// replayed mutations dedupe in the side-effect journal.
func occurrenceFor(unit *store.Unit, now time.Time) string {
	if unit.NextRunAt != nil {
		return unit.NextRunAt.UTC().Format(time.RFC3339)
	}
	return now.UTC().Format(time.RFC3339)
}

func waitPayload(out Wait) string {
	m := map[string]string{}
	if out.Question != "" {
		m["question"] = clipText(out.Question, 200)
	}
	if !out.Resume.IsZero() {
		m["resume"] = out.Resume.UTC().Format(time.RFC3339)
	}
	js, _ := json.Marshal(m)
	return string(js)
}
