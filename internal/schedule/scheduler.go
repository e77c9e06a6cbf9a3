// Package schedule owns admission: which unit runs next, and whether
// anything may run at all. One pass at a time drains outcome signals
// into the retry ledger, wakes due waiting units, and hands the single
// best candidate to the worker. The ledger is deliberately volatile; a
// restart forgets failure streaks and the store's state machine is the
// durable truth.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/fault"
	"github.com/basket/minder/internal/otel"
	"github.com/basket/minder/internal/shared"
	"github.com/basket/minder/internal/signal"
	"github.com/basket/minder/internal/store"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultRetryBase    = 10 * time.Second
	DefaultRetryCap     = 10 * time.Minute
	DefaultPauseWindow  = 10 * time.Minute

	// candidateBatch bounds one eligibility query. Large enough that a
	// handful of backoff-skipped units cannot starve the rest.
	candidateBatch = 10

	// longStreak is the consecutive-failure count past which retry
	// scheduling logs at WARN instead of INFO.
	longStreak = 10
)

// Runner executes one unit occurrence to a terminal outcome.
type Runner interface {
	Execute(ctx context.Context, unit *store.Unit) error
}

// Repairer reacts to maintenance signals and clean runs.
type Repairer interface {
	HandleLogicFailure(ctx context.Context, unit *store.Unit, failure error) error
	NoteSuccess(ctx context.Context, unit *store.Unit) error
}

// Config tunes admission.
type Config struct {
	// PollInterval is the timer fallback between admission passes. Bus
	// events from the store trigger passes immediately; the timer only
	// catches schedules and backoffs coming due with nothing else going on.
	PollInterval time.Duration

	// RetryBase and RetryCap shape the per-unit failure backoff:
	// base doubling per consecutive failure, capped.
	RetryBase time.Duration
	RetryCap  time.Duration

	// PauseWindow is how long a payment_required signal suspends all
	// admission.
	PauseWindow time.Duration
}

// Deps are the scheduler's collaborators. Metrics may be nil; everything
// else must be set.
type Deps struct {
	Store   *store.Store
	Bus     *bus.Bus
	Signals *signal.Dispatcher
	Runner  Runner
	Repair  Repairer
	Metrics *otel.Metrics
	Log     *slog.Logger
}

// retryState is one unit's failure streak.
type retryState struct {
	count          int
	nextEligibleAt time.Time
}

type Scheduler struct {
	st      *store.Store
	bus     *bus.Bus
	signals *signal.Dispatcher
	runner  Runner
	repair  Repairer
	metrics *otel.Metrics
	log     *slog.Logger
	cfg     Config

	mu          sync.Mutex
	running     bool
	closed      bool
	retries     map[string]retryState
	pausedUntil time.Time

	runCtx context.Context // cancellation-free; in-flight runs outlive Close
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(d Deps, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRetryCap
	}
	if cfg.PauseWindow <= 0 {
		cfg.PauseWindow = DefaultPauseWindow
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = otel.NewNoopMetrics()
	}
	return &Scheduler{
		st:      d.Store,
		bus:     d.Bus,
		signals: d.Signals,
		runner:  d.Runner,
		repair:  d.Repair,
		metrics: metrics,
		log:     d.Log,
		cfg:     cfg,
		retries: make(map[string]retryState),
		runCtx:  context.Background(),
	}
}

// Start launches the admission loop: an immediate catch-up pass, then a
// pass per timer tick or store event.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.runCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("scheduler started", "poll_interval", s.cfg.PollInterval)
}

// Close halts the loop and waits for it. An in-flight run finishes on
// its own; startup recovery owns runs that die with the process.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for _, sig := range s.signals.Drain() {
		s.log.Info("signal discarded at shutdown",
			"signal", string(sig.Type), "unit", sig.UnitID)
	}
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	unitSub := s.bus.Subscribe("unit.")
	inboxSub := s.bus.Subscribe("inbox.")
	defer s.bus.Unsubscribe(unitSub)
	defer s.bus.Unsubscribe(inboxSub)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.CheckWork()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckWork()
		case <-unitSub.Ch():
			s.CheckWork()
		case <-inboxSub.Ch():
			s.CheckWork()
		}
	}
}

// CheckWork runs one admission pass. It never reports errors to the
// caller: a unit that could not run stays eligible and the next pass
// tries again. Concurrent calls collapse into the running pass, which
// repeats until it finds nothing to admit.
func (s *Scheduler) CheckWork() {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx := s.runCtx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	for {
		s.applySignals(ctx)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if !s.admissible(time.Now().UTC()) {
			return
		}
		if !s.admitOne(ctx) {
			return
		}
	}
}

// applySignals folds every pending outcome into scheduler state. Signal
// handling never fails a pass; a handler error is logged and the next
// failure of the same unit raises the same signal again.
func (s *Scheduler) applySignals(ctx context.Context) {
	for _, sig := range s.signals.Drain() {
		switch sig.Type {
		case signal.Done:
			s.clearRetries(sig.UnitID)
			s.noteCleanRun(ctx, sig.UnitID)

		case signal.Retry:
			s.scheduleRetry(sig)

		case signal.PaymentRequired:
			s.engagePause(sig)

		case signal.NeedsAttention:
			// The unit is parked; nothing is eligible until the operator
			// acts, so the streak has nothing left to gate.
			s.clearRetries(sig.UnitID)

		case signal.Maintenance:
			s.clearRetries(sig.UnitID)
			s.openMaintenance(ctx, sig)

		default:
			s.log.Warn("unknown signal ignored", "signal", string(sig.Type), "unit", sig.UnitID)
		}
	}
}

func (s *Scheduler) clearRetries(unitID string) {
	if unitID == "" {
		return
	}
	s.mu.Lock()
	delete(s.retries, unitID)
	s.mu.Unlock()
}

func (s *Scheduler) scheduleRetry(sig signal.Signal) {
	at := sig.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	rs := s.retries[sig.UnitID]
	rs.count++
	rs.nextEligibleAt = at.Add(shared.Backoff(s.cfg.RetryBase, s.cfg.RetryCap, rs.count))
	s.retries[sig.UnitID] = rs
	s.mu.Unlock()

	s.metrics.RetriesScheduled.Add(context.Background(), 1)
	s.bus.Publish(bus.TopicRunRetrying, bus.RunRetryingEvent{
		UnitID:  sig.UnitID,
		Attempt: rs.count,
		ErrType: string(sig.ErrType),
		NextTry: rs.nextEligibleAt.Format(time.RFC3339),
	})
	logAt := s.log.Info
	if rs.count > longStreak {
		// Retries are unbounded past the backoff cap, so a streak this
		// long only ends when something outside the process changes.
		logAt = s.log.Warn
	}
	logAt("retry scheduled",
		"unit", sig.UnitID, "attempt", rs.count,
		"err_type", string(sig.ErrType), "next_try", rs.nextEligibleAt.Format(time.RFC3339))
}

func (s *Scheduler) engagePause(sig signal.Signal) {
	until := time.Now().UTC().Add(s.cfg.PauseWindow)
	s.mu.Lock()
	s.pausedUntil = until
	s.mu.Unlock()

	s.metrics.PausesEngaged.Add(context.Background(), 1)
	s.bus.Publish(bus.TopicPauseChanged, bus.PauseChangedEvent{
		Paused: true,
		Until:  until.Format(time.RFC3339),
		Reason: string(signal.PaymentRequired),
	})
	s.log.Warn("admission paused",
		"until", until.Format(time.RFC3339),
		"unit", sig.UnitID, "err", sig.Err)
}

// noteCleanRun closes a repair episode when the unit that just ran clean
// was mid-episode. Harmless for everything else.
func (s *Scheduler) noteCleanRun(ctx context.Context, unitID string) {
	unit, err := s.st.GetUnit(ctx, unitID)
	if err != nil {
		s.log.Warn("load unit after done signal", "unit", unitID, "error", err)
		return
	}
	if unit.FixAttempts == 0 {
		return
	}
	if err := s.repair.NoteSuccess(ctx, unit); err != nil {
		s.log.Error("close repair episode", "unit", unitID, "error", err)
	}
}

func (s *Scheduler) openMaintenance(ctx context.Context, sig signal.Signal) {
	unit, err := s.st.GetUnit(ctx, sig.UnitID)
	if err != nil {
		s.log.Error("load unit after maintenance signal", "unit", sig.UnitID, "error", err)
		return
	}
	failure := fault.New(sig.ErrType, sig.Err)
	if err := s.repair.HandleLogicFailure(ctx, unit, failure); err != nil {
		s.log.Error("open maintenance", "unit", sig.UnitID, "error", err)
	}
}

// admissible reports whether the global pause allows running anything.
// The release is announced once, on the first pass after expiry.
func (s *Scheduler) admissible(now time.Time) bool {
	s.mu.Lock()
	until := s.pausedUntil
	released := !until.IsZero() && !now.Before(until)
	if released {
		s.pausedUntil = time.Time{}
	}
	s.mu.Unlock()

	if released {
		s.bus.Publish(bus.TopicPauseChanged, bus.PauseChangedEvent{Paused: false})
		s.log.Info("admission resumed")
		return true
	}
	if !until.IsZero() {
		s.log.Debug("admission paused, skipping pass", "until", until.Format(time.RFC3339))
		return false
	}
	return true
}

// admitOne wakes due waiting units, picks the best eligible candidate
// not held back by the retry ledger, and runs it. Reports whether a unit
// was processed, so the pass knows to go around again.
func (s *Scheduler) admitOne(ctx context.Context) bool {
	now := time.Now().UTC()

	if woken, err := s.st.WakeDueWaiting(ctx, now); err != nil {
		s.log.Warn("wake due waiting units", "error", err)
	} else if len(woken) > 0 {
		s.log.Info("waiting units resumed", "count", len(woken))
	}

	candidates, err := s.st.NextEligibleUnits(ctx, now, candidateBatch)
	if err != nil {
		s.log.Error("load eligible units", "error", err)
		return false
	}

	winner := s.pickEligible(candidates, now)
	if winner == nil {
		return false
	}

	s.log.Info("unit admitted",
		"unit", winner.ID, "name", winner.Name, "role", string(winner.Role))
	if err := s.runner.Execute(ctx, winner); err != nil {
		switch {
		case errors.Is(err, store.ErrRunInFlight):
			// Should be unreachable while admission is single-flight.
			s.log.Warn("unit already had a run in flight", "unit", winner.ID)
		default:
			// The worker already classified, recorded and signaled the
			// failure; admission only notes it happened.
			s.log.Info("run ended in failure",
				"unit", winner.ID, "err_type", string(fault.TypeOf(err)))
		}
	}
	return true
}

// pickEligible returns the first candidate whose backoff has lapsed.
// Candidates arrive pre-ranked from the store; the ledger only holds
// units back, never reorders them.
func (s *Scheduler) pickEligible(candidates []store.Unit, now time.Time) *store.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range candidates {
		rs, ok := s.retries[candidates[i].ID]
		if ok && now.Before(rs.nextEligibleAt) {
			continue
		}
		return &candidates[i]
	}
	return nil
}
