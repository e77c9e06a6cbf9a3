package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/minder/internal/bus"
)

const (
	InboxQuestion   = "question"
	InboxRepair     = "repair"
	InboxEscalation = "escalation"

	InboxOpen     = "open"
	InboxResolved = "resolved"
)

type InboxItem struct {
	ID         string     `json:"id"`
	UnitID     string     `json:"unit_id"`
	RunID      string     `json:"run_id,omitempty"`
	Kind       string     `json:"kind"`
	Body       string     `json:"body"`
	ResumeHint string     `json:"resume_hint,omitempty"`
	Status     string     `json:"status"`
	Response   string     `json:"response,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

const inboxColumns = `id, unit_id, COALESCE(run_id, ''), kind, body, COALESCE(resume_hint, ''),
	status, COALESCE(response, ''), created_at, resolved_at`

func scanInboxItem(scanFn func(dest ...any) error, it *InboxItem) error {
	var resolved sql.NullTime
	if err := scanFn(
		&it.ID,
		&it.UnitID,
		&it.RunID,
		&it.Kind,
		&it.Body,
		&it.ResumeHint,
		&it.Status,
		&it.Response,
		&it.CreatedAt,
		&resolved,
	); err != nil {
		return err
	}
	if resolved.Valid {
		t := resolved.Time
		it.ResolvedAt = &t
	} else {
		it.ResolvedAt = nil
	}
	return nil
}

// CreateInboxItem opens an item addressed to the operator. Question
// items carry a resume hint so the next run can pick up where the
// asking run left off.
func (s *Store) CreateInboxItem(ctx context.Context, unitID, runID, kind, body, resumeHint string) (string, error) {
	switch kind {
	case InboxQuestion, InboxRepair, InboxEscalation:
	default:
		return "", fmt.Errorf("unknown inbox kind %q", kind)
	}
	itemID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin inbox tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inbox_items (id, unit_id, run_id, kind, body, resume_hint, status, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, itemID, unitID, runID, kind, body, resumeHint, InboxOpen); err != nil {
			return fmt.Errorf("insert inbox item: %w", err)
		}
		if err := s.appendUnitEventTx(ctx, tx, unitID, "", "", "inbox.opened",
			fmt.Sprintf(`{"item_id":%q,"kind":%q}`, itemID, kind)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicInboxCreated, bus.InboxEvent{ItemID: itemID, UnitID: unitID, Kind: kind})
	}
	return itemID, nil
}

// ResolveInboxItem records the operator's response and closes the item.
// A unit parked in waiting on this item goes back to active and becomes
// immediately eligible. Resolving twice reports sql.ErrNoRows.
func (s *Store) ResolveInboxItem(ctx context.Context, itemID, response string) error {
	var unitID, kind, role string
	var resumed bool
	err := retryOnBusy(ctx, 5, func() error {
		resumed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT i.unit_id, i.kind, u.role
			FROM inbox_items i JOIN units u ON u.id = i.unit_id
			WHERE i.id = ?;
		`, itemID).Scan(&unitID, &kind, &role); err != nil {
			return fmt.Errorf("select inbox item: %w", err)
		}
		// resolved_at must order against runs.started_at at Go clock
		// precision; see StartRun.
		res, err := tx.ExecContext(ctx, `
			UPDATE inbox_items
			SET status = ?, response = NULLIF(?, ''), resolved_at = ?
			WHERE id = ? AND status = ?;
		`, InboxResolved, response, time.Now().UTC(), itemID, InboxOpen)
		if err != nil {
			return fmt.Errorf("resolve inbox item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve rows affected: %w", err)
		}
		if n == 0 {
			return sql.ErrNoRows
		}

		resumed, err = s.transitionUnitTx(ctx, tx, unitID, []UnitStatus{UnitWaiting}, UnitActive,
			"unit.resumed", fmt.Sprintf(`{"item_id":%q}`, itemID))
		if err != nil {
			return err
		}
		if resumed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE units SET next_run_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, unitID); err != nil {
				return fmt.Errorf("reschedule resumed unit: %w", err)
			}
		}
		if err := s.appendUnitEventTx(ctx, tx, unitID, "", "", "inbox.resolved",
			fmt.Sprintf(`{"item_id":%q,"kind":%q}`, itemID, kind)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicInboxResolved, bus.InboxEvent{ItemID: itemID, UnitID: unitID, Kind: kind})
		if resumed {
			s.bus.Publish(bus.TopicUnitStateChanged, bus.UnitStateChangedEvent{
				UnitID:    unitID,
				Role:      role,
				OldStatus: string(UnitWaiting),
				NewStatus: string(UnitActive),
			})
		}
	}
	return nil
}

func (s *Store) GetInboxItem(ctx context.Context, itemID string) (*InboxItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_items WHERE id = ?;`, itemID)
	var it InboxItem
	if err := scanInboxItem(row.Scan, &it); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("select inbox item: %w", err)
	}
	return &it, nil
}

func (s *Store) OpenInboxItems(ctx context.Context) ([]InboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inboxColumns+`
		FROM inbox_items
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC;
	`, InboxOpen)
	if err != nil {
		return nil, fmt.Errorf("list open inbox items: %w", err)
	}
	defer rows.Close()

	var items []InboxItem
	for rows.Next() {
		var it InboxItem
		if err := scanInboxItem(rows.Scan, &it); err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// OpenInboxItemForUnit returns the oldest open item for a unit, or nil.
// The worker uses it to fold the operator's answer into the next prompt.
func (s *Store) OpenInboxItemForUnit(ctx context.Context, unitID string) (*InboxItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+inboxColumns+`
		FROM inbox_items
		WHERE unit_id = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1;
	`, unitID, InboxOpen)
	var it InboxItem
	if err := scanInboxItem(row.Scan, &it); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select open inbox item: %w", err)
	}
	return &it, nil
}

// LatestResolvedItemForUnit returns the most recently resolved item, or
// nil. Resumed runs read the response from here.
func (s *Store) LatestResolvedItemForUnit(ctx context.Context, unitID string) (*InboxItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+inboxColumns+`
		FROM inbox_items
		WHERE unit_id = ? AND status = ?
		ORDER BY resolved_at DESC, rowid DESC
		LIMIT 1;
	`, unitID, InboxResolved)
	var it InboxItem
	if err := scanInboxItem(row.Scan, &it); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select resolved inbox item: %w", err)
	}
	return &it, nil
}
