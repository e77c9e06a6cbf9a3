package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Unit struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Role             UnitRole   `json:"role"`
	Status           UnitStatus `json:"status"`
	Prompt           string     `json:"prompt"`
	Schedule         string     `json:"schedule,omitempty"`
	Tools            []string   `json:"tools,omitempty"`
	Rank             int        `json:"rank"`
	SubjectUnitID    string     `json:"subject_unit_id,omitempty"`
	Maintenance      bool       `json:"maintenance"`
	MaintenanceToken string     `json:"maintenance_token,omitempty"`
	FixAttempts      int        `json:"fix_attempts"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const unitColumns = `id, name, role, status, prompt, COALESCE(schedule, ''), tools, rank,
	COALESCE(subject_unit_id, ''), maintenance, COALESCE(maintenance_token, ''), fix_attempts,
	next_run_at, created_at, updated_at`

func scanUnit(scanFn func(dest ...any) error, u *Unit) error {
	var toolsJSON string
	var nextRun sql.NullTime
	var maintenance int
	if err := scanFn(
		&u.ID,
		&u.Name,
		&u.Role,
		&u.Status,
		&u.Prompt,
		&u.Schedule,
		&toolsJSON,
		&u.Rank,
		&u.SubjectUnitID,
		&maintenance,
		&u.MaintenanceToken,
		&u.FixAttempts,
		&nextRun,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return err
	}
	u.Maintenance = maintenance != 0
	if nextRun.Valid {
		t := nextRun.Time
		u.NextRunAt = &t
	} else {
		u.NextRunAt = nil
	}
	if toolsJSON != "" && toolsJSON != "[]" {
		if err := json.Unmarshal([]byte(toolsJSON), &u.Tools); err != nil {
			return fmt.Errorf("decode unit tools: %w", err)
		}
	}
	return nil
}

// CreateTask inserts a one-shot unit that is immediately eligible.
func (s *Store) CreateTask(ctx context.Context, name, prompt string, tools []string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("task prompt is required")
	}
	if strings.TrimSpace(name) == "" {
		name = "task-" + uuid.NewString()[:8]
	}
	return s.createUnit(ctx, unitRow{
		name:      name,
		role:      RoleTask,
		status:    UnitActive,
		prompt:    prompt,
		tools:     tools,
		nextRunAt: time.Now().UTC(),
	})
}

// SeedWorkflow upserts a recurring unit by name. New workflows start at
// the given first occurrence; existing workflows keep their status and
// schedule position but pick up prompt, tools, and schedule changes.
func (s *Store) SeedWorkflow(ctx context.Context, name, schedule, prompt string, tools []string, paused bool, firstRun time.Time) (string, error) {
	existing, err := s.GetUnitByName(ctx, name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if existing == nil {
		status := UnitActive
		if paused {
			status = UnitPaused
		}
		return s.createUnit(ctx, unitRow{
			name:      name,
			role:      RoleWorkflow,
			status:    status,
			prompt:    prompt,
			schedule:  schedule,
			tools:     tools,
			nextRunAt: firstRun,
		})
	}

	toolsJSON, err := encodeTools(tools)
	if err != nil {
		return "", err
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin seed tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE units
			SET prompt = ?, schedule = ?, tools = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, prompt, schedule, toolsJSON, existing.ID); err != nil {
			return fmt.Errorf("update seeded workflow: %w", err)
		}
		// Schedule changes reposition the next occurrence.
		if existing.Schedule != schedule {
			if _, err := tx.ExecContext(ctx, `
				UPDATE units SET next_run_at = ? WHERE id = ?;
			`, firstRun.UTC(), existing.ID); err != nil {
				return fmt.Errorf("reposition seeded workflow: %w", err)
			}
		}
		if err := s.appendUnitEventTx(ctx, tx, existing.ID, existing.Status, existing.Status, "unit.seeded", `{"reason":"config_seed"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return existing.ID, nil
}

// EnsureMaintainer finds or creates the maintainer unit for a workflow.
// The maintainer starts paused; the maintenance controller activates it
// when it opens an episode.
func (s *Store) EnsureMaintainer(ctx context.Context, subject *Unit, prompt string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM units WHERE role = ? AND subject_unit_id = ?;
	`, RoleMaintainer, subject.ID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("select maintainer: %w", err)
	}
	return s.createUnit(ctx, unitRow{
		name:          "maintainer-" + subject.Name,
		role:          RoleMaintainer,
		status:        UnitPaused,
		prompt:        prompt,
		subjectUnitID: subject.ID,
	})
}

type unitRow struct {
	name          string
	role          UnitRole
	status        UnitStatus
	prompt        string
	schedule      string
	tools         []string
	subjectUnitID string
	nextRunAt     time.Time
}

func encodeTools(tools []string) (string, error) {
	if len(tools) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tools)
	if err != nil {
		return "", fmt.Errorf("encode unit tools: %w", err)
	}
	return string(b), nil
}

func (s *Store) createUnit(ctx context.Context, row unitRow) (string, error) {
	unitID := uuid.NewString()
	toolsJSON, err := encodeTools(row.tools)
	if err != nil {
		return "", err
	}
	var nextRun any
	if !row.nextRunAt.IsZero() {
		nextRun = row.nextRunAt.UTC()
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create unit tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO units (
				id, name, role, status, prompt, schedule, tools, rank,
				subject_unit_id, next_run_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, unitID, row.name, row.role, row.status, row.prompt, row.schedule, toolsJSON,
			RankFor(row.role), row.subjectUnitID, nextRun); err != nil {
			return fmt.Errorf("create unit: %w", err)
		}
		if err := s.appendUnitEventTx(ctx, tx, unitID, "", row.status, "unit.created",
			fmt.Sprintf(`{"role":%q}`, row.role)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return unitID, nil
}

func (s *Store) GetUnit(ctx context.Context, unitID string) (*Unit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?;`, unitID)
	var u Unit
	if err := scanUnit(row.Scan, &u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("select unit: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUnitByName(ctx context.Context, name string) (*Unit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE name = ?;`, name)
	var u Unit
	if err := scanUnit(row.Scan, &u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("select unit by name: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUnits(ctx context.Context) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM units
		ORDER BY rank DESC, created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := scanUnit(rows.Scan, &u); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// NextEligibleUnits returns active units whose next occurrence has
// arrived, highest rank first. Workflows under maintenance are excluded;
// they come back only after a fix clears the flag. Retry backoff is not
// persisted here: the scheduler applies its in-memory ledger on top.
func (s *Store) NextEligibleUnits(ctx context.Context, now time.Time, limit int) ([]Unit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM units
		WHERE status = ? AND maintenance = 0 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY rank DESC, next_run_at ASC, created_at ASC, id ASC
		LIMIT ?;
	`, UnitActive, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := scanUnit(rows.Scan, &u); err != nil {
			return nil, fmt.Errorf("scan eligible unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// WakeDueWaiting reactivates waiting units whose resume time has passed.
// Run before the eligibility query so a unit parked on a question with a
// deadline comes back even when the operator never answers.
func (s *Store) WakeDueWaiting(ctx context.Context, now time.Time) ([]string, error) {
	var woken []string
	err := retryOnBusy(ctx, 5, func() error {
		woken = woken[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin wake tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM units
			WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?;
		`, UnitWaiting, now.UTC())
		if err != nil {
			return fmt.Errorf("select due waiting units: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan due waiting unit: %w", err)
			}
			woken = append(woken, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate due waiting units: %w", err)
		}
		rows.Close()

		for _, id := range woken {
			if _, err := tx.ExecContext(ctx, `
				UPDATE units SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, UnitActive, id); err != nil {
				return fmt.Errorf("wake waiting unit: %w", err)
			}
			if err := s.appendUnitEventTx(ctx, tx, id, UnitWaiting, UnitActive, "unit.resumed",
				`{"reason":"resume_due"}`); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return woken, nil
}

// AdvanceSchedule moves a unit's next occurrence. A zero next clears it,
// which makes the unit ineligible until something sets it again.
func (s *Store) AdvanceSchedule(ctx context.Context, unitID string, next time.Time) error {
	var value any
	if !next.IsZero() {
		value = next.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE units SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, value, unitID)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance schedule rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateUnitSpec applies a repair to a workflow's prompt and/or schedule.
// Empty arguments leave the corresponding field unchanged.
func (s *Store) UpdateUnitSpec(ctx context.Context, unitID, prompt, schedule string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update spec tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status UnitStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM units WHERE id = ?;`, unitID).Scan(&status); err != nil {
			return fmt.Errorf("select unit for spec update: %w", err)
		}
		if prompt != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE units SET prompt = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, prompt, unitID); err != nil {
				return fmt.Errorf("update unit prompt: %w", err)
			}
		}
		if schedule != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE units SET schedule = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, schedule, unitID); err != nil {
				return fmt.Errorf("update unit schedule: %w", err)
			}
		}
		if err := s.appendUnitEventTx(ctx, tx, unitID, status, status, "unit.spec_updated",
			fmt.Sprintf(`{"prompt_changed":%t,"schedule_changed":%t}`, prompt != "", schedule != "")); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// FlagMaintenance marks a workflow broken and stamps the episode token.
// While flagged the workflow is excluded from admission.
func (s *Store) FlagMaintenance(ctx context.Context, unitID, token string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin flag maintenance tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status UnitStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM units WHERE id = ?;`, unitID).Scan(&status); err != nil {
			return fmt.Errorf("select unit for maintenance flag: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE units
			SET maintenance = 1, maintenance_token = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, token, unitID); err != nil {
			return fmt.Errorf("flag maintenance: %w", err)
		}
		if err := s.appendUnitEventTx(ctx, tx, unitID, status, status, "maintenance.opened",
			fmt.Sprintf(`{"token":%q}`, token)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ClearMaintenance lifts the flag so the workflow can be admitted again.
func (s *Store) ClearMaintenance(ctx context.Context, unitID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear maintenance tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status UnitStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM units WHERE id = ?;`, unitID).Scan(&status); err != nil {
			return fmt.Errorf("select unit for maintenance clear: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE units
			SET maintenance = 0, maintenance_token = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, unitID); err != nil {
			return fmt.Errorf("clear maintenance: %w", err)
		}
		if err := s.appendUnitEventTx(ctx, tx, unitID, status, status, "maintenance.cleared", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// IncrementFixAttempts bumps the per-episode repair counter and returns
// the new value.
func (s *Store) IncrementFixAttempts(ctx context.Context, unitID string) (int, error) {
	var attempts int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fix attempts tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE units SET fix_attempts = fix_attempts + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, unitID); err != nil {
			return fmt.Errorf("increment fix attempts: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT fix_attempts FROM units WHERE id = ?;`, unitID).Scan(&attempts); err != nil {
			return fmt.Errorf("read fix attempts: %w", err)
		}
		return tx.Commit()
	})
	return attempts, err
}

// ResetFixAttempts zeroes the repair counter. Called only when a
// subsequent workflow run succeeds, closing the episode.
func (s *Store) ResetFixAttempts(ctx context.Context, unitID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE units SET fix_attempts = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, unitID)
	if err != nil {
		return fmt.Errorf("reset fix attempts: %w", err)
	}
	return nil
}

// MaintainerFor returns the maintainer unit bound to a subject workflow,
// or nil when none exists.
func (s *Store) MaintainerFor(ctx context.Context, subjectID string) (*Unit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+unitColumns+` FROM units WHERE role = ? AND subject_unit_id = ?;
	`, RoleMaintainer, subjectID)
	var u Unit
	if err := scanUnit(row.Scan, &u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select maintainer for subject: %w", err)
	}
	return &u, nil
}
