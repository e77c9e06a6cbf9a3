package maintain

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/minder/internal/fault"
	"github.com/basket/minder/internal/store"
)

type recordedNote struct {
	unitID, kind, body string
}

type fakeNotifier struct {
	notes []recordedNote
	said  []string
}

func (f *fakeNotifier) Notify(ctx context.Context, unitID, kind, body string) (string, error) {
	f.notes = append(f.notes, recordedNote{unitID, kind, body})
	return "n-1", nil
}

func (f *fakeNotifier) Say(ctx context.Context, unitID, runID, role, content string) error {
	f.said = append(f.said, content)
	return nil
}

func openMaintainStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "minder.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedWorkflow(t *testing.T, st *store.Store, name string) *store.Unit {
	t.Helper()
	id, err := st.SeedWorkflow(context.Background(), name, "0 9 * * *", "summarize the morning feeds", nil, false, time.Now())
	if err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	u, err := st.GetUnit(context.Background(), id)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	return u
}

func wantFaultType(t *testing.T, err error, want fault.Type) *fault.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s fault, got nil", want)
	}
	fe, ok := fault.As(err)
	if !ok {
		t.Fatalf("want %s fault, got untyped %v", want, err)
	}
	if fe.Type != want {
		t.Fatalf("fault type = %s, want %s (err: %v)", fe.Type, want, err)
	}
	return fe
}

func TestHandleLogicFailure_OpensRepairRound(t *testing.T) {
	st := openMaintainStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st, "digest")
	if err := st.MemoSet(ctx, store.ScriptMemoKey(wf.ID), `feeds = fetch("news")`, wf.ID); err != nil {
		t.Fatalf("seed script: %v", err)
	}

	ctl := NewController(st, &fakeNotifier{}, 3, nil)
	failure := fault.New(fault.Logic, "name 'fetch' is not defined").At("sandbox")
	if err := ctl.HandleLogicFailure(ctx, wf, failure); err != nil {
		t.Fatalf("handle failure: %v", err)
	}

	got, err := st.GetUnit(ctx, wf.ID)
	if err != nil {
		t.Fatalf("reload workflow: %v", err)
	}
	if !got.Maintenance || got.MaintenanceToken == "" {
		t.Fatalf("workflow not flagged: %+v", got)
	}
	if got.FixAttempts != 1 {
		t.Fatalf("fix attempts = %d, want 1", got.FixAttempts)
	}

	maintainer, err := st.MaintainerFor(ctx, wf.ID)
	if err != nil {
		t.Fatalf("maintainer lookup: %v", err)
	}
	if maintainer == nil {
		t.Fatal("no maintainer created")
	}
	if maintainer.Status != store.UnitActive {
		t.Fatalf("maintainer status = %s, want active", maintainer.Status)
	}
	if maintainer.NextRunAt == nil {
		t.Fatal("maintainer not scheduled")
	}

	item, err := st.OpenInboxItemForUnit(ctx, maintainer.ID)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if item == nil || item.Kind != store.InboxRepair {
		t.Fatalf("no repair item: %+v", item)
	}
	for _, want := range []string{
		"attempt 1 of 3",
		"name 'fetch' is not defined",
		got.MaintenanceToken,
		`feeds = fetch("news")`,
	} {
		if !strings.Contains(item.Body, want) {
			t.Fatalf("repair request missing %q:\n%s", want, item.Body)
		}
	}
}

func TestHandleLogicFailure_SecondRoundGetsFreshToken(t *testing.T) {
	st := openMaintainStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st, "digest-2")
	ctl := NewController(st, &fakeNotifier{}, 3, nil)
	failure := fault.New(fault.Logic, "key error").At("sandbox")

	if err := ctl.HandleLogicFailure(ctx, wf, failure); err != nil {
		t.Fatalf("first round: %v", err)
	}
	first, _ := st.GetUnit(ctx, wf.ID)
	if err := ctl.HandleLogicFailure(ctx, first, failure); err != nil {
		t.Fatalf("second round: %v", err)
	}
	second, _ := st.GetUnit(ctx, wf.ID)

	if second.FixAttempts != 2 {
		t.Fatalf("fix attempts = %d, want 2", second.FixAttempts)
	}
	if second.MaintenanceToken == first.MaintenanceToken {
		t.Fatal("second round reused the episode token")
	}

	maintainer, _ := st.MaintainerFor(ctx, wf.ID)
	item, err := st.OpenInboxItemForUnit(ctx, maintainer.ID)
	if err != nil || item == nil {
		t.Fatalf("no open repair item after second round: %v", err)
	}
	if !strings.Contains(item.Body, "attempt 2 of 3") {
		t.Fatalf("open item is not the second round's:\n%s", item.Body)
	}
	superseded, err := st.LatestResolvedItemForUnit(ctx, maintainer.ID)
	if err != nil || superseded == nil || superseded.Response != "superseded by a newer repair round" {
		t.Fatalf("first round's item was not superseded: %+v %v", superseded, err)
	}
}

func TestHandleLogicFailure_EscalatesAtCeiling(t *testing.T) {
	st := openMaintainStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st, "flaky")
	for range 2 {
		if _, err := st.IncrementFixAttempts(ctx, wf.ID); err != nil {
			t.Fatalf("seed attempts: %v", err)
		}
	}

	fn := &fakeNotifier{}
	ctl := NewController(st, fn, 3, nil)
	failure := fault.New(fault.Logic, "still wrong after two fixes").At("sandbox")
	if err := ctl.HandleLogicFailure(ctx, wf, failure); err != nil {
		t.Fatalf("handle failure: %v", err)
	}

	got, err := st.GetUnit(ctx, wf.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != store.UnitError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.Maintenance || got.MaintenanceToken != "" {
		t.Fatalf("flag not cleared: %+v", got)
	}
	if got.FixAttempts != 0 {
		t.Fatalf("fix attempts = %d, want 0 after escalation", got.FixAttempts)
	}

	if len(fn.notes) != 1 {
		t.Fatalf("%d notifications, want exactly 1", len(fn.notes))
	}
	if fn.notes[0].kind != "escalated" || fn.notes[0].unitID != wf.ID {
		t.Fatalf("unexpected notification: %+v", fn.notes[0])
	}
	if len(fn.said) != 1 || !strings.Contains(fn.said[0], "3") {
		t.Fatalf("conversation summary missing: %+v", fn.said)
	}
}

func TestApplyFix_AcceptsAndCloses(t *testing.T) {
	st := openMaintainStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st, "repairable")
	ctl := NewController(st, &fakeNotifier{}, 3, nil)
	failure := fault.New(fault.Logic, "bad slice index").At("sandbox")
	if err := ctl.HandleLogicFailure(ctx, wf, failure); err != nil {
		t.Fatalf("open round: %v", err)
	}

	flagged, _ := st.GetUnit(ctx, wf.ID)
	maintainer, err := st.MaintainerFor(ctx, wf.ID)
	if err != nil || maintainer == nil {
		t.Fatalf("maintainer: %v %v", maintainer, err)
	}

	corrected := `items = feeds[:3]`
	if err := ctl.ApplyFix(ctx, maintainer, flagged.MaintenanceToken, corrected, "bounded the slice"); err != nil {
		t.Fatalf("apply fix: %v", err)
	}

	repaired, _ := st.GetUnit(ctx, wf.ID)
	if repaired.Maintenance {
		t.Fatal("flag still set after accepted fix")
	}
	if repaired.FixAttempts != 1 {
		t.Fatalf("fix attempts = %d; the counter closes only on a clean run", repaired.FixAttempts)
	}
	if repaired.NextRunAt == nil || time.Until(*repaired.NextRunAt) > time.Minute {
		t.Fatalf("workflow not rescheduled for the next poll: %v", repaired.NextRunAt)
	}

	script, ok, err := st.MemoGet(ctx, store.ScriptMemoKey(wf.ID))
	if err != nil || !ok || script != corrected {
		t.Fatalf("corrected script not stored: %q %v %v", script, ok, err)
	}

	raw, ok, err := st.MemoGet(ctx, store.RepairLogMemoKey(wf.ID))
	if err != nil || !ok {
		t.Fatalf("repair changelog missing: %v", err)
	}
	var log []repairNote
	if err := json.Unmarshal([]byte(raw), &log); err != nil {
		t.Fatalf("decode changelog: %v", err)
	}
	if len(log) != 1 || log[0].Attempt != 1 || log[0].Notes != "bounded the slice" {
		t.Fatalf("unexpected changelog: %+v", log)
	}

	if item, err := st.OpenInboxItemForUnit(ctx, maintainer.ID); err != nil || item != nil {
		t.Fatalf("repair item still open after accepted fix: %+v %v", item, err)
	}
	resolved, err := st.LatestResolvedItemForUnit(ctx, maintainer.ID)
	if err != nil || resolved == nil || resolved.Response != "fix accepted" {
		t.Fatalf("repair item not closed as accepted: %+v %v", resolved, err)
	}
}

func TestApplyFix_StaleTokenDiscarded(t *testing.T) {
	st := openMaintainStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st, "raced")
	ctl := NewController(st, &fakeNotifier{}, 3, nil)
	if err := ctl.HandleLogicFailure(ctx, wf, fault.New(fault.Logic, "boom").At("sandbox")); err != nil {
		t.Fatalf("open round: %v", err)
	}
	maintainer, _ := st.MaintainerFor(ctx, wf.ID)

	err := ctl.ApplyFix(ctx, maintainer, "not-the-token", "script", "")
	wantFaultType(t, err, fault.Logic)

	got, _ := st.GetUnit(ctx, wf.ID)
	if !got.Maintenance {
		t.Fatal("stale fix must not close the episode")
	}
	if _, ok, _ := st.MemoGet(ctx, store.ScriptMemoKey(wf.ID)); ok {
		t.Fatal("stale fix must not store a script")
	}
}

func TestApplyFix_ClosedEpisodeDiscarded(t *testing.T) {
	st := openMaintainStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st, "already-fine")
	ctl := NewController(st, &fakeNotifier{}, 3, nil)
	if err := ctl.HandleLogicFailure(ctx, wf, fault.New(fault.Logic, "boom").At("sandbox")); err != nil {
		t.Fatalf("open round: %v", err)
	}
	flagged, _ := st.GetUnit(ctx, wf.ID)
	maintainer, _ := st.MaintainerFor(ctx, wf.ID)

	if err := ctl.ApplyFix(ctx, maintainer, flagged.MaintenanceToken, "first fix", ""); err != nil {
		t.Fatalf("first fix: %v", err)
	}
	err := ctl.ApplyFix(ctx, maintainer, flagged.MaintenanceToken, "second fix", "")
	fe := wantFaultType(t, err, fault.Logic)
	if !strings.Contains(fe.Message, "already closed") {
		t.Fatalf("message = %q", fe.Message)
	}

	script, _, _ := st.MemoGet(ctx, store.ScriptMemoKey(wf.ID))
	if script != "first fix" {
		t.Fatalf("second fix overwrote the accepted one: %q", script)
	}
}

func TestNoteSuccess_ClosesEpisode(t *testing.T) {
	st := openMaintainStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st, "recovered")
	for range 2 {
		if _, err := st.IncrementFixAttempts(ctx, wf.ID); err != nil {
			t.Fatalf("seed attempts: %v", err)
		}
	}
	withAttempts, _ := st.GetUnit(ctx, wf.ID)

	ctl := NewController(st, &fakeNotifier{}, 3, nil)
	if err := ctl.NoteSuccess(ctx, withAttempts); err != nil {
		t.Fatalf("note success: %v", err)
	}
	got, _ := st.GetUnit(ctx, wf.ID)
	if got.FixAttempts != 0 {
		t.Fatalf("fix attempts = %d, want 0", got.FixAttempts)
	}

	// A unit with no open episode is a no-op.
	if err := ctl.NoteSuccess(ctx, got); err != nil {
		t.Fatalf("no-op note success: %v", err)
	}
}
