// Package maintain bounds self-repair for workflows that fail with a
// logic fault. Each failure opens (or continues) a repair episode: the
// workflow is flagged out of admission, a repair request lands in the
// maintainer's inbox, and a maintainer unit is activated to submit a
// corrected script. The episode ends when a fix is accepted or the
// attempt ceiling escalates the workflow to the operator. The attempt
// counter survives fixes on purpose; only a subsequent successful run
// of the workflow itself closes the episode.
package maintain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/minder/internal/fault"
	"github.com/basket/minder/internal/store"
)

// DefaultMaxFixAttempts is the repair ceiling per episode.
const DefaultMaxFixAttempts = 3

// logTailLimit bounds how much of the workflow's recent transcript is
// quoted in a repair request.
const logTailLimit = 12

// Notifier is the slice of the notification service the controller
// needs: structured notifications plus conversation lines.
type Notifier interface {
	Notify(ctx context.Context, unitID, kind, body string) (string, error)
	Say(ctx context.Context, unitID, runID, role, content string) error
}

type Controller struct {
	store       *store.Store
	notifier    Notifier
	log         *slog.Logger
	maxAttempts int
}

func NewController(st *store.Store, notifier Notifier, maxAttempts int, log *slog.Logger) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxFixAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{store: st, notifier: notifier, log: log, maxAttempts: maxAttempts}
}

// HandleLogicFailure is the entry point for a maintenance signal. It
// bumps the attempt counter and either opens the next repair round or,
// at the ceiling, escalates the workflow and closes the episode.
func (c *Controller) HandleLogicFailure(ctx context.Context, unit *store.Unit, failure error) error {
	attempts, err := c.store.IncrementFixAttempts(ctx, unit.ID)
	if err != nil {
		return fmt.Errorf("count fix attempt: %w", err)
	}
	if attempts >= c.maxAttempts {
		return c.escalate(ctx, unit, attempts, failure)
	}
	return c.openRepairRound(ctx, unit, attempts, failure)
}

// NoteSuccess closes an open episode after the workflow itself ran
// clean. Harmless when no episode is open.
func (c *Controller) NoteSuccess(ctx context.Context, unit *store.Unit) error {
	if unit.FixAttempts == 0 {
		return nil
	}
	if err := c.store.ResetFixAttempts(ctx, unit.ID); err != nil {
		return fmt.Errorf("reset fix attempts: %w", err)
	}
	c.log.Info("repair episode closed by successful run",
		"unit", unit.ID, "name", unit.Name, "attempts", unit.FixAttempts)
	return nil
}

func (c *Controller) openRepairRound(ctx context.Context, unit *store.Unit, attempt int, failure error) error {
	token := uuid.NewString()
	if err := c.store.FlagMaintenance(ctx, unit.ID, token); err != nil {
		return fmt.Errorf("flag maintenance: %w", err)
	}

	body := c.buildRepairRequest(ctx, unit, token, attempt, failure)
	maintainerID, err := c.store.EnsureMaintainer(ctx, unit, maintainerInstructions(unit))
	if err != nil {
		return fmt.Errorf("ensure maintainer: %w", err)
	}
	c.closeRepairItem(ctx, maintainerID, "superseded by a newer repair round")
	if _, err := c.store.CreateInboxItem(ctx, maintainerID, "", store.InboxRepair, body, ""); err != nil {
		return fmt.Errorf("open repair request: %w", err)
	}

	// A freshly created maintainer starts paused; a prior episode may
	// have left it in another resting status. Active maintainers pass
	// through untouched.
	from := []store.UnitStatus{store.UnitPaused, store.UnitWaiting, store.UnitNeedsAttention, store.UnitError}
	if _, err := c.store.TransitionUnit(ctx, maintainerID, from, store.UnitActive,
		"maintenance.maintainer_activated", fmt.Sprintf(`{"subject":%q}`, unit.ID)); err != nil {
		return fmt.Errorf("activate maintainer: %w", err)
	}
	if err := c.store.AdvanceSchedule(ctx, maintainerID, time.Now().UTC()); err != nil {
		return fmt.Errorf("schedule maintainer: %w", err)
	}

	c.log.Info("repair round opened",
		"unit", unit.ID, "name", unit.Name,
		"attempt", attempt, "max_attempts", c.maxAttempts,
		"maintainer", maintainerID)
	return nil
}

// escalate ends the episode: the workflow is parked in error, the flag
// and counter are cleared so a manual re-enable starts fresh, and the
// operator hears about it exactly once.
func (c *Controller) escalate(ctx context.Context, unit *store.Unit, attempts int, failure error) error {
	from := []store.UnitStatus{store.UnitActive, store.UnitWaiting, store.UnitNeedsAttention}
	moved, err := c.store.TransitionUnit(ctx, unit.ID, from, store.UnitError,
		"maintenance.escalated", fmt.Sprintf(`{"attempts":%d}`, attempts))
	if err != nil {
		return fmt.Errorf("park escalated unit: %w", err)
	}
	if !moved {
		c.log.Warn("escalated unit was not in a running status", "unit", unit.ID)
	}
	if err := c.store.ClearMaintenance(ctx, unit.ID); err != nil {
		return fmt.Errorf("clear maintenance on escalation: %w", err)
	}
	if err := c.store.ResetFixAttempts(ctx, unit.ID); err != nil {
		return fmt.Errorf("reset fix attempts on escalation: %w", err)
	}

	if m, err := c.store.MaintainerFor(ctx, unit.ID); err == nil && m != nil {
		c.closeRepairItem(ctx, m.ID, "closed by escalation")
	}

	summary := c.escalationSummary(ctx, unit, attempts, failure)
	if _, err := c.notifier.Notify(ctx, unit.ID, "escalated", summary); err != nil {
		return fmt.Errorf("escalation notification: %w", err)
	}
	// Conversation bookkeeping; the notification above is the part
	// that must not be lost.
	if err := c.notifier.Say(ctx, unit.ID, "", store.MsgSystem, summary); err != nil {
		c.log.Warn("append escalation summary", "unit", unit.ID, "error", err)
	}

	c.log.Warn("workflow escalated after repeated repair failures",
		"unit", unit.ID, "name", unit.Name, "attempts", attempts)
	return nil
}

// escalationSummary is the operator-facing wrap-up: what broke, what
// was tried, and that auto-repair has stopped.
func (c *Controller) escalationSummary(ctx context.Context, unit *store.Unit, attempts int, failure error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automatic repair of %q stopped after %d attempts; the workflow is parked until someone looks at it.\n",
		unit.Name, attempts)
	fmt.Fprintf(&b, "Last error (%s): %s\n", fault.TypeOf(failure), clip(failure.Error(), 400))
	if log := c.loadRepairLog(ctx, unit.ID); len(log) > 0 {
		b.WriteString("Fixes tried:\n")
		for _, n := range log {
			note := n.Notes
			if note == "" {
				note = "(no notes)"
			}
			fmt.Fprintf(&b, "- attempt %d: %s\n", n.Attempt, note)
		}
	}
	return b.String()
}

// ApplyFix accepts a corrected script from the maintainer. Stale
// submissions, identified by a token mismatch or an already-closed
// episode, are discarded with a logic fault so the maintainer's run
// records why nothing happened.
func (c *Controller) ApplyFix(ctx context.Context, maintainer *store.Unit, token, script, notes string) error {
	if maintainer.SubjectUnitID == "" {
		return fault.New(fault.Logic, "maintainer has no subject workflow").At("maintain")
	}
	subject, err := c.store.GetUnit(ctx, maintainer.SubjectUnitID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.Errorf(fault.Logic, "subject workflow %s no longer exists", maintainer.SubjectUnitID).At("maintain")
		}
		return fault.Wrap(fault.Internal, "load subject workflow", err).At("maintain")
	}
	if !subject.Maintenance {
		return fault.New(fault.Logic, "maintenance episode already closed; fix discarded").At("maintain")
	}
	if subject.MaintenanceToken != token {
		return fault.New(fault.Logic, "stale maintenance token; a newer repair round superseded this fix").At("maintain")
	}

	if err := c.store.MemoSet(ctx, store.ScriptMemoKey(subject.ID), script, subject.ID); err != nil {
		return fault.Wrap(fault.Internal, "store corrected script", err).At("maintain")
	}
	if err := c.appendRepairNote(ctx, subject, notes); err != nil {
		c.log.Warn("append repair changelog", "unit", subject.ID, "error", err)
	}
	if err := c.store.ClearMaintenance(ctx, subject.ID); err != nil {
		return fault.Wrap(fault.Internal, "clear maintenance flag", err).At("maintain")
	}
	if err := c.store.AdvanceSchedule(ctx, subject.ID, time.Now().UTC()); err != nil {
		return fault.Wrap(fault.Internal, "reschedule repaired workflow", err).At("maintain")
	}
	c.closeRepairItem(ctx, maintainer.ID, "fix accepted")

	c.log.Info("fix accepted",
		"unit", subject.ID, "name", subject.Name,
		"maintainer", maintainer.ID, "attempt", subject.FixAttempts)
	return nil
}

// closeRepairItem resolves the maintainer's open repair request, if
// any. Pure bookkeeping: a maintainer never parks waiting on its own
// repair item, so no wake-up rides on the resolve.
func (c *Controller) closeRepairItem(ctx context.Context, maintainerID, response string) {
	item, err := c.store.OpenInboxItemForUnit(ctx, maintainerID)
	if err != nil {
		c.log.Warn("load open repair item", "maintainer", maintainerID, "error", err)
		return
	}
	if item == nil || item.Kind != store.InboxRepair {
		return
	}
	if err := c.store.ResolveInboxItem(ctx, item.ID, response); err != nil {
		c.log.Warn("resolve repair item", "maintainer", maintainerID, "error", err)
	}
}

// repairNote is one changelog entry in the repair memo.
type repairNote struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Notes   string    `json:"notes,omitempty"`
}

// keptRepairNotes bounds the changelog memo.
const keptRepairNotes = 10

func (c *Controller) appendRepairNote(ctx context.Context, subject *store.Unit, notes string) error {
	log := c.loadRepairLog(ctx, subject.ID)
	log = append(log, repairNote{At: time.Now().UTC(), Attempt: subject.FixAttempts, Notes: notes})
	if len(log) > keptRepairNotes {
		log = log[len(log)-keptRepairNotes:]
	}
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode repair changelog: %w", err)
	}
	return c.store.MemoSet(ctx, store.RepairLogMemoKey(subject.ID), string(raw), subject.ID)
}

func (c *Controller) loadRepairLog(ctx context.Context, unitID string) []repairNote {
	raw, ok, err := c.store.MemoGet(ctx, store.RepairLogMemoKey(unitID))
	if err != nil || !ok {
		if err != nil {
			c.log.Warn("load repair changelog", "unit", unitID, "error", err)
		}
		return nil
	}
	var log []repairNote
	if err := json.Unmarshal([]byte(raw), &log); err != nil {
		c.log.Warn("decode repair changelog", "unit", unitID, "error", err)
		return nil
	}
	return log
}

// buildRepairRequest assembles everything the maintainer needs in one
// inbox body: the fault, the failing script, a transcript tail, and
// what earlier fixes already tried.
func (c *Controller) buildRepairRequest(ctx context.Context, unit *store.Unit, token string, attempt int, failure error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %q needs repair (attempt %d of %d).\n\n", unit.Name, attempt, c.maxAttempts)
	fmt.Fprintf(&b, "error type: %s\nerror: %s\n\n", fault.TypeOf(failure), failure.Error())
	fmt.Fprintf(&b, "maintenance token: %s\n", token)
	fmt.Fprintf(&b, "Submit the corrected script with maintenance.submit_fix, quoting this token.\n")

	b.WriteString("\n## Workflow instructions\n")
	b.WriteString(strings.TrimSpace(unit.Prompt))
	b.WriteString("\n")

	b.WriteString("\n## Failing script\n")
	if script, ok, err := c.store.MemoGet(ctx, store.ScriptMemoKey(unit.ID)); err == nil && ok {
		b.WriteString(script)
		b.WriteString("\n")
	} else {
		b.WriteString("(no script recorded for this workflow)\n")
	}

	if tail := c.transcriptTail(ctx, unit.ID); tail != "" {
		b.WriteString("\n## Recent activity\n")
		b.WriteString(tail)
	}

	if log := c.loadRepairLog(ctx, unit.ID); len(log) > 0 {
		b.WriteString("\n## Prior fixes this episode\n")
		for _, n := range log {
			fmt.Fprintf(&b, "- attempt %d at %s: %s\n", n.Attempt, n.At.Format(time.RFC3339), n.Notes)
		}
	}
	return b.String()
}

func (c *Controller) transcriptTail(ctx context.Context, unitID string) string {
	msgs, err := c.store.LiveMessages(ctx, unitID, logTailLimit)
	if err != nil {
		c.log.Warn("load transcript tail", "unit", unitID, "error", err)
		return ""
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, clip(m.Content, 400))
	}
	return b.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func maintainerInstructions(subject *store.Unit) string {
	return fmt.Sprintf(
		"You maintain the workflow %q. Repair requests arrive in your inbox with the failing "+
			"script, the error, and a maintenance token. Diagnose the fault, write a corrected "+
			"script, and submit it with maintenance.submit_fix(token=..., script=..., notes=...). "+
			"Keep the workflow's original intent; change only what the error requires.",
		subject.Name)
}
