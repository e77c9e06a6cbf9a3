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

type Notification struct {
	ID          string     `json:"id"`
	UnitID      string     `json:"unit_id,omitempty"`
	Kind        string     `json:"kind"`
	Body        string     `json:"body"`
	Delivered   bool       `json:"delivered"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// CreateNotification stores an outbound message and announces it on the
// bus. Forwarders that are down miss the announcement; they catch up
// from UndeliveredNotifications instead.
func (s *Store) CreateNotification(ctx context.Context, unitID, kind, body string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO notifications (id, unit_id, kind, body, delivered, created_at)
			VALUES (?, NULLIF(?, ''), ?, ?, 0, CURRENT_TIMESTAMP);
		`, id, unitID, kind, body)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicNotify, bus.NotifyEvent{
			NotificationID: id, UnitID: unitID, Kind: kind, Text: body,
		})
	}
	return id, nil
}

func (s *Store) MarkNotificationDelivered(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE notifications
			SET delivered = 1, delivered_at = CURRENT_TIMESTAMP
			WHERE id = ? AND delivered = 0;
		`, id)
		if err != nil {
			return fmt.Errorf("mark notification delivered: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delivered rows affected: %w", err)
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *Store) UndeliveredNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(unit_id, ''), kind, body, delivered, created_at, delivered_at
		FROM notifications
		WHERE delivered = 0
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(rows *sql.Rows) (Notification, error) {
	var n Notification
	var delivered int
	var deliveredAt sql.NullTime
	if err := rows.Scan(&n.ID, &n.UnitID, &n.Kind, &n.Body, &delivered, &n.CreatedAt, &deliveredAt); err != nil {
		return Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	n.Delivered = delivered != 0
	if deliveredAt.Valid {
		t := deliveredAt.Time
		n.DeliveredAt = &t
	}
	return n, nil
}

// NotificationByBody returns the newest notification for a unit with this
// exact body. Reconcile probes for local sinks use it to decide whether a
// journaled send actually landed.
func (s *Store) NotificationByBody(ctx context.Context, unitID, body string) (*Notification, error) {
	var n Notification
	var delivered int
	var deliveredAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(unit_id, ''), kind, body, delivered, created_at, delivered_at
		FROM notifications
		WHERE unit_id = ? AND body = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, unitID, body).Scan(&n.ID, &n.UnitID, &n.Kind, &n.Body, &delivered, &n.CreatedAt, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("select notification by body: %w", err)
	}
	n.Delivered = delivered != 0
	if deliveredAt.Valid {
		t := deliveredAt.Time
		n.DeliveredAt = &t
	}
	return &n, nil
}

// GetNotification is used by tests and the status command.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	var delivered int
	var deliveredAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(unit_id, ''), kind, body, delivered, created_at, delivered_at
		FROM notifications
		WHERE id = ?;
	`, id).Scan(&n.ID, &n.UnitID, &n.Kind, &n.Body, &delivered, &n.CreatedAt, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("select notification: %w", err)
	}
	n.Delivered = delivered != 0
	if deliveredAt.Valid {
		t := deliveredAt.Time
		n.DeliveredAt = &t
	}
	return &n, nil
}
