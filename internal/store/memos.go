package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Memo is a durable key-value note surviving across runs. Units use
// memos to carry state between occurrences without growing the
// conversation ledger.
type Memo struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UnitID    string    `json:"unit_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reserved memo key spaces. The engine keeps a unit's carried state,
// its most recent script, and the repair changelog under these keys;
// the kv builtins write under "unit:<id>:<key>" and cannot collide.
func StateMemoKey(unitID string) string     { return "state:" + unitID }
func ScriptMemoKey(unitID string) string    { return "script:" + unitID }
func RepairLogMemoKey(unitID string) string { return "repair:" + unitID }

func (s *Store) MemoSet(ctx context.Context, key, value, unitID string) error {
	if key == "" {
		return errors.New("memo key is required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memos (key, value, unit_id, updated_at)
			VALUES (?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				unit_id = excluded.unit_id,
				updated_at = CURRENT_TIMESTAMP;
		`, key, value, unitID)
		if err != nil {
			return fmt.Errorf("upsert memo: %w", err)
		}
		return nil
	})
}

func (s *Store) MemoGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM memos WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select memo: %w", err)
	}
	return value, true, nil
}

// MemoList returns memos whose key starts with the given prefix, in key
// order. An empty prefix lists everything.
func (s *Store) MemoList(ctx context.Context, prefix string) ([]Memo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, COALESCE(unit_id, ''), updated_at
		FROM memos
		WHERE key LIKE ?
		ORDER BY key ASC;
	`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list memos: %w", err)
	}
	defer rows.Close()

	var memos []Memo
	for rows.Next() {
		var m Memo
		if err := rows.Scan(&m.Key, &m.Value, &m.UnitID, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memo: %w", err)
		}
		memos = append(memos, m)
	}
	return memos, rows.Err()
}

func (s *Store) MemoDelete(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM memos WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("delete memo: %w", err)
		}
		return nil
	})
}
