package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/minder/internal/bus"
)

type Run struct {
	ID               string     `json:"id"`
	UnitID           string     `json:"unit_id"`
	Occurrence       string     `json:"occurrence"`
	Status           RunStatus  `json:"status"`
	Steps            int        `json:"steps"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd"`
	Result           string     `json:"result,omitempty"`
	ErrType          string     `json:"err_type,omitempty"`
	Error            string     `json:"error,omitempty"`
	TraceID          string     `json:"trace_id,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// ErrRunInFlight is returned by StartRun when the unit already has an
// unfinished run. The partial unique index is the enforcement point.
var ErrRunInFlight = errors.New("unit already has a run in progress")

const runColumns = `id, unit_id, occurrence, status, steps, prompt_tokens, completion_tokens,
	estimated_cost_usd, COALESCE(result, ''), COALESCE(err_type, ''), COALESCE(error, ''),
	COALESCE(trace_id, ''), started_at, finished_at`

func scanRun(scanFn func(dest ...any) error, r *Run) error {
	var finished sql.NullTime
	if err := scanFn(
		&r.ID,
		&r.UnitID,
		&r.Occurrence,
		&r.Status,
		&r.Steps,
		&r.PromptTokens,
		&r.CompletionTokens,
		&r.EstimatedCostUSD,
		&r.Result,
		&r.ErrType,
		&r.Error,
		&r.TraceID,
		&r.StartedAt,
		&finished,
	); err != nil {
		return err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	} else {
		r.FinishedAt = nil
	}
	return nil
}

// StartRun opens a run for the given occurrence. At most one run per
// unit may be in progress; a second insert fails on the unique index
// and surfaces as ErrRunInFlight.
func (s *Store) StartRun(ctx context.Context, unitID, occurrence, traceID string) (string, error) {
	runID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin start run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// started_at carries Go clock precision: answer folding orders
		// inbox resolutions against it, and CURRENT_TIMESTAMP's whole
		// seconds cannot break the tie.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, unit_id, occurrence, status, trace_id, started_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?);
		`, runID, unitID, occurrence, RunInProgress, traceID, time.Now().UTC()); err != nil {
			if isUniqueViolation(err) {
				return ErrRunInFlight
			}
			return fmt.Errorf("insert run: %w", err)
		}
		if err := s.appendUnitEventTx(ctx, tx, unitID, "", "", "run.started",
			fmt.Sprintf(`{"run_id":%q,"occurrence":%q}`, runID, occurrence)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRunStarted, bus.RunStartedEvent{
			UnitID: unitID, RunID: runID, Occurrence: occurrence,
		})
	}
	return runID, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FinishRun closes an in-progress run with a terminal status. The guard
// on status makes double-finish a no-op reported as sql.ErrNoRows, so a
// late worker cannot overwrite the outcome a recovery pass recorded.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, result, errType, errMsg string) error {
	if !terminalRunStatus(status) {
		return fmt.Errorf("finish run: %q is not a terminal status", status)
	}
	var unitID string
	var steps int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, result = NULLIF(?, ''), err_type = NULLIF(?, ''), error = NULLIF(?, ''),
				finished_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, status, result, errType, errMsg, runID, RunInProgress)
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish run rows affected: %w", err)
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT unit_id, steps FROM runs WHERE id = ?;
		`, runID).Scan(&unitID, &steps); err != nil {
			return fmt.Errorf("select finished run: %w", err)
		}
		if err := s.appendUnitEventTx(ctx, tx, unitID, "", "", "run.finished",
			fmt.Sprintf(`{"run_id":%q,"status":%q,"err_type":%q}`, runID, status, errType)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRunFinished, bus.RunFinishedEvent{
			UnitID: unitID, RunID: runID, Status: string(status), Steps: steps,
		})
	}
	return nil
}

// RecordRunProgress accumulates step and token counters on an open run.
// Token deltas also feed the usage topic so observers see spend live.
func (s *Store) RecordRunProgress(ctx context.Context, runID string, stepDelta, promptTokens, completionTokens int, costDelta float64) error {
	var unitID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin run progress tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET steps = steps + ?, prompt_tokens = prompt_tokens + ?,
				completion_tokens = completion_tokens + ?, estimated_cost_usd = estimated_cost_usd + ?
			WHERE id = ? AND status = ?;
		`, stepDelta, promptTokens, completionTokens, costDelta, runID, RunInProgress)
		if err != nil {
			return fmt.Errorf("record run progress: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("run progress rows affected: %w", err)
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		if err := tx.QueryRowContext(ctx, `SELECT unit_id FROM runs WHERE id = ?;`, runID).Scan(&unitID); err != nil {
			return fmt.Errorf("select run unit: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil && (promptTokens > 0 || completionTokens > 0) {
		s.bus.Publish(bus.TopicUnitTokens, bus.UnitTokensEvent{
			UnitID: unitID, RunID: runID,
			PromptTokens: promptTokens, CompletionTokens: completionTokens,
			EstimatedCostUSD: costDelta,
		})
	}
	return nil
}

// InterruptedRun identifies a run orphaned by an unclean shutdown.
type InterruptedRun struct {
	RunID  string
	UnitID string
}

// MarkInterruptedRuns closes every run still marked in progress. Called
// once at startup, before the scheduler admits anything, so the recovery
// sweep sees a consistent picture.
func (s *Store) MarkInterruptedRuns(ctx context.Context) ([]InterruptedRun, error) {
	var orphans []InterruptedRun
	err := retryOnBusy(ctx, 5, func() error {
		orphans = orphans[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin interrupt sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, unit_id FROM runs WHERE status = ? ORDER BY started_at ASC;
		`, RunInProgress)
		if err != nil {
			return fmt.Errorf("select orphaned runs: %w", err)
		}
		for rows.Next() {
			var o InterruptedRun
			if err := rows.Scan(&o.RunID, &o.UnitID); err != nil {
				rows.Close()
				return fmt.Errorf("scan orphaned run: %w", err)
			}
			orphans = append(orphans, o)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate orphaned runs: %w", err)
		}
		rows.Close()

		if len(orphans) == 0 {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP WHERE status = ?;
		`, RunInterrupted, RunInProgress); err != nil {
			return fmt.Errorf("mark interrupted runs: %w", err)
		}
		for _, o := range orphans {
			if err := s.appendUnitEventTx(ctx, tx, o.UnitID, "", "", "recovery.interrupted",
				fmt.Sprintf(`{"run_id":%q}`, o.RunID)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, runID)
	var r Run
	if err := scanRun(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("select run: %w", err)
	}
	return &r, nil
}

// LatestRunForUnit returns the most recently started run, finished or
// not. Retry admission reuses its occurrence so a retried occurrence is
// billed to the slot that failed, not to a fresh one.
func (s *Store) LatestRunForUnit(ctx context.Context, unitID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE unit_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1;
	`, unitID)
	var r Run
	if err := scanRun(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select latest run: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRunsForUnit(ctx context.Context, unitID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE unit_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?;
	`, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := scanRun(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
