package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/store"
)

func TestStartRun_OnePerUnit(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	unitID := mustCreateTask(t, st, "single", "only one at a time")

	runID, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "trace-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	if _, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "trace-2"); !errors.Is(err, store.ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight, got %v", err)
	}

	// Finishing releases the slot.
	if err := st.FinishRun(ctx, runID, store.RunDone, "all good", "", ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if _, err := st.StartRun(ctx, unitID, "2026-08-24T10:00:00Z", "trace-3"); err != nil {
		t.Fatalf("start after finish: %v", err)
	}
}

func TestFinishRun_SecondFinishIsNoOp(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	unitID := mustCreateTask(t, st, "once", "finish once")

	runID, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := st.FinishRun(ctx, runID, store.RunFailed, "", "network", "dial tcp: timeout"); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	err = st.FinishRun(ctx, runID, store.RunDone, "late success", "", "")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on double finish, got %v", err)
	}

	r, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.Status != store.RunFailed || r.ErrType != "network" {
		t.Fatalf("first outcome must stand: %s/%s", r.Status, r.ErrType)
	}
	if r.FinishedAt == nil {
		t.Fatalf("expected finished_at to be set")
	}
}

func TestFinishRun_RejectsNonTerminalStatus(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	unitID := mustCreateTask(t, st, "bad-status", "p")

	runID, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := st.FinishRun(ctx, runID, store.RunInProgress, "", "", ""); err == nil {
		t.Fatalf("expected error for non-terminal status")
	}
}

func TestRecordRunProgress_Accumulates(t *testing.T) {
	st, b := openTestStoreWithBus(t)
	ctx := context.Background()
	sub := b.Subscribe(bus.TopicUnitTokens)
	defer b.Unsubscribe(sub)

	unitID := mustCreateTask(t, st, "billed", "count tokens")
	runID, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	if err := st.RecordRunProgress(ctx, runID, 1, 120, 40, 0.0005); err != nil {
		t.Fatalf("progress 1: %v", err)
	}
	if err := st.RecordRunProgress(ctx, runID, 1, 80, 20, 0.0003); err != nil {
		t.Fatalf("progress 2: %v", err)
	}

	r, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.Steps != 2 || r.PromptTokens != 200 || r.CompletionTokens != 60 {
		t.Fatalf("counters did not accumulate: steps=%d prompt=%d completion=%d", r.Steps, r.PromptTokens, r.CompletionTokens)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.UnitTokensEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.RunID != runID || payload.PromptTokens != 120 {
			t.Fatalf("unexpected token event %+v", payload)
		}
	default:
		t.Fatalf("expected a token event on the bus")
	}
}

func TestRecordRunProgress_RefusesFinishedRun(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	unitID := mustCreateTask(t, st, "closed", "p")

	runID, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := st.FinishRun(ctx, runID, store.RunDone, "", "", ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := st.RecordRunProgress(ctx, runID, 1, 10, 10, 0); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestMarkInterruptedRuns_RecoversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "minder.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()

	unitID, err := st.CreateTask(ctx, "crashy", "never finishes", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	runID, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Simulate crash/restart recovery.
	reopened, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	orphans, err := reopened.MarkInterruptedRuns(ctx)
	if err != nil {
		t.Fatalf("mark interrupted: %v", err)
	}
	if len(orphans) != 1 || orphans[0].RunID != runID || orphans[0].UnitID != unitID {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}

	r, err := reopened.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.Status != store.RunInterrupted {
		t.Fatalf("expected interrupted, got %s", r.Status)
	}
	if r.FinishedAt == nil {
		t.Fatalf("expected finished_at on interrupted run")
	}

	// A second sweep finds nothing.
	orphans, err = reopened.MarkInterruptedRuns(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected empty second sweep, got %+v", orphans)
	}
}

func TestLatestRunForUnit_ReturnsNewest(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	unitID := mustCreateTask(t, st, "history", "run twice")

	first, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "")
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	if err := st.FinishRun(ctx, first, store.RunFailed, "", "network", "oops"); err != nil {
		t.Fatalf("finish first: %v", err)
	}
	second, err := st.StartRun(ctx, unitID, "2026-08-24T09:00:00Z", "")
	if err != nil {
		t.Fatalf("start second: %v", err)
	}

	latest, err := st.LatestRunForUnit(ctx, unitID)
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	if latest == nil || latest.ID != second {
		t.Fatalf("expected latest run %s, got %+v", second, latest)
	}
	// A retried occurrence keeps the failed slot's timestamp.
	if latest.Occurrence != "2026-08-24T09:00:00Z" {
		t.Fatalf("occurrence mismatch: %q", latest.Occurrence)
	}

	runs, err := st.ListRunsForUnit(ctx, unitID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second {
		t.Fatalf("expected newest-first listing, got %+v", runs)
	}
}

func TestLatestRunForUnit_NilWhenNone(t *testing.T) {
	st, _ := openTestStore(t)
	unitID := mustCreateTask(t, st, "fresh", "no runs yet")

	latest, err := st.LatestRunForUnit(context.Background(), unitID)
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil, got %+v", latest)
	}
}
