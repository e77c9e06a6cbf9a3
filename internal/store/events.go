package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UnitEvent is one append-only audit row. Events are never updated or
// deleted; the event_id ordering is the authoritative history.
type UnitEvent struct {
	EventID   int64     `json:"event_id"`
	UnitID    string    `json:"unit_id"`
	RunID     string    `json:"run_id,omitempty"`
	TraceID   string    `json:"trace_id"`
	EventType string    `json:"event_type"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to,omitempty"`
	Payload   string    `json:"payload_json"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) ListUnitEventsFrom(ctx context.Context, unitID string, fromEventID int64, limit int) ([]UnitEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, unit_id, COALESCE(run_id, ''), COALESCE(trace_id, unit_id), event_type,
			COALESCE(state_from, ''), COALESCE(state_to, ''), payload_json, created_at
		FROM unit_events
		WHERE unit_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, unitID, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unit events: %w", err)
	}
	defer rows.Close()

	var out []UnitEvent
	for rows.Next() {
		var ev UnitEvent
		if err := rows.Scan(
			&ev.EventID,
			&ev.UnitID,
			&ev.RunID,
			&ev.TraceID,
			&ev.EventType,
			&ev.StateFrom,
			&ev.StateTo,
			&ev.Payload,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan unit event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unit event rows: %w", err)
	}
	return out, nil
}

// TotalEventCount is a cheap health probe for the status command.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM unit_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

// UnitEventBounds returns the first and last event ids for a unit, or
// zeros when it has none.
func (s *Store) UnitEventBounds(ctx context.Context, unitID string) (minEventID, maxEventID int64, err error) {
	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(event_id), MAX(event_id)
		FROM unit_events
		WHERE unit_id = ?;
	`, unitID).Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("unit event bounds: %w", err)
	}
	if lo.Valid {
		minEventID = lo.Int64
	}
	if hi.Valid {
		maxEventID = hi.Int64
	}
	return minEventID, maxEventID, nil
}
