package store

import (
	"context"
	"fmt"
	"time"
)

const (
	MsgSystem    = "system"
	MsgUser      = "user"
	MsgAssistant = "assistant"
	MsgTool      = "tool"
)

type Message struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unit_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AppendMessage(ctx context.Context, unitID, runID, role, content string, tokens int) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (unit_id, run_id, role, content, tokens, created_at)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP);
		`, unitID, runID, role, content, tokens)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message insert id: %w", err)
		}
		return nil
	})
	return id, err
}

// LiveMessages returns the unarchived tail of a unit's conversation in
// chronological order.
func (s *Store) LiveMessages(ctx context.Context, unitID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unit_id, COALESCE(run_id, ''), role, content, tokens, created_at
		FROM (
			SELECT id, unit_id, run_id, role, content, tokens, created_at
			FROM messages
			WHERE unit_id = ? AND archived_at IS NULL
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC;
	`, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UnitID, &m.RunID, &m.Role, &m.Content, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LiveMessageTokens sums the token estimate of the unarchived tail.
func (s *Store) LiveMessageTokens(ctx context.Context, unitID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens), 0) FROM messages WHERE unit_id = ? AND archived_at IS NULL;
	`, unitID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum message tokens: %w", err)
	}
	return total, nil
}

// ArchiveMessagesBefore stamps archived_at on every live message with an
// id at or below the watermark. The rows stay queryable for audit; only
// prompt assembly skips them.
func (s *Store) ArchiveMessagesBefore(ctx context.Context, unitID string, watermark int64) (int64, error) {
	var archived int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET archived_at = CURRENT_TIMESTAMP
			WHERE unit_id = ? AND archived_at IS NULL AND id <= ?;
		`, unitID, watermark)
		if err != nil {
			return fmt.Errorf("archive messages: %w", err)
		}
		archived, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archive rows affected: %w", err)
		}
		return nil
	})
	return archived, err
}
