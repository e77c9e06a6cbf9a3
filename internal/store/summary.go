package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UnitSummary is one row of the status command's unit table.
type UnitSummary struct {
	Unit
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	OpenItems     int        `json:"open_items"`
}

// Summary is the operator-facing roll-up behind `minder status`.
type Summary struct {
	Units             []UnitSummary `json:"units"`
	OpenInbox         int           `json:"open_inbox"`
	UnsettledEffects  int           `json:"unsettled_effects"`
	UndeliveredNotify int           `json:"undelivered_notify"`
	TotalRuns         int64         `json:"total_runs"`
	TotalCostUSD      float64       `json:"total_cost_usd"`
}

func (s *Store) StatusSummary(ctx context.Context) (*Summary, error) {
	units, err := s.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{}
	for _, u := range units {
		us := UnitSummary{Unit: u}

		var status sql.NullString
		var startedAt sql.NullTime
		err := s.db.QueryRowContext(ctx, `
			SELECT status, started_at FROM runs
			WHERE unit_id = ?
			ORDER BY started_at DESC, rowid DESC
			LIMIT 1;
		`, u.ID).Scan(&status, &startedAt)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("summarize last run: %w", err)
		}
		if status.Valid {
			us.LastRunStatus = status.String
		}
		if startedAt.Valid {
			t := startedAt.Time
			us.LastRunAt = &t
		}

		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM inbox_items WHERE unit_id = ? AND status = ?;
		`, u.ID, InboxOpen).Scan(&us.OpenItems); err != nil {
			return nil, fmt.Errorf("summarize open items: %w", err)
		}
		sum.Units = append(sum.Units, us)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM inbox_items WHERE status = ?;
	`, InboxOpen).Scan(&sum.OpenInbox); err != nil {
		return nil, fmt.Errorf("summarize inbox: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM side_effects WHERE status IN (?, ?);
	`, EffectPending, EffectUnknown).Scan(&sum.UnsettledEffects); err != nil {
		return nil, fmt.Errorf("summarize side effects: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM notifications WHERE delivered = 0;
	`).Scan(&sum.UndeliveredNotify); err != nil {
		return nil, fmt.Errorf("summarize notifications: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(estimated_cost_usd), 0) FROM runs;
	`).Scan(&sum.TotalRuns, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("summarize runs: %w", err)
	}
	return sum, nil
}
