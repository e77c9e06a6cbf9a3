package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Side effect journal statuses. Pending rows are intents whose outcome
// the process did not observe; the reconcile sweep settles them.
const (
	EffectPending = "pending"
	EffectApplied = "applied"
	EffectFailed  = "failed"
	EffectUnknown = "unknown"
)

type SideEffect struct {
	IdempotencyKey string    `json:"idempotency_key"`
	UnitID         string    `json:"unit_id"`
	ToolName       string    `json:"tool_name"`
	ParamsJSON     string    `json:"params_json"`
	RequestHash    string    `json:"request_hash"`
	Status         string    `json:"status"`
	ResultJSON     string    `json:"result_json,omitempty"`
	ResultHash     string    `json:"result_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DecodedParams unmarshals the journaled call parameters.
func (se SideEffect) DecodedParams() (map[string]any, error) {
	if se.ParamsJSON == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(se.ParamsJSON), &params); err != nil {
		return nil, fmt.Errorf("decode journaled params: %w", err)
	}
	return params, nil
}

const sideEffectColumns = `idempotency_key, unit_id, tool_name, params_json, request_hash,
	status, COALESCE(result_json, ''), COALESCE(result_hash, ''), created_at, updated_at`

func scanSideEffect(scanFn func(dest ...any) error, se *SideEffect) error {
	return scanFn(
		&se.IdempotencyKey,
		&se.UnitID,
		&se.ToolName,
		&se.ParamsJSON,
		&se.RequestHash,
		&se.Status,
		&se.ResultJSON,
		&se.ResultHash,
		&se.CreatedAt,
		&se.UpdatedAt,
	)
}

// RecordIntent journals a mutating call before it is attempted. The
// first caller for a key gets a fresh pending row; replays get the
// existing row back so they can skip an already-applied effect instead
// of repeating it.
func (s *Store) RecordIntent(ctx context.Context, key, unitID, toolName, paramsJSON string) (*SideEffect, bool, error) {
	requestHash := hashString(toolName + "\x00" + paramsJSON)
	var fresh bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO side_effects (idempotency_key, unit_id, tool_name, params_json, request_hash, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(idempotency_key) DO NOTHING;
		`, key, unitID, toolName, paramsJSON, requestHash, EffectPending)
		if err != nil {
			return fmt.Errorf("insert side effect intent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("intent rows affected: %w", err)
		}
		fresh = n == 1
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	se, err := s.GetSideEffect(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !fresh && se.RequestHash != requestHash {
		return se, false, fmt.Errorf("idempotency key %q reused with different request", key)
	}
	return se, fresh, nil
}

// SettleSideEffect records the observed outcome of a journaled call.
// resultJSON carries the applied result so replays can return it without
// re-executing; it is hashed for quick comparison. Settling is monotonic:
// a row settles once, and later attempts to move it report sql.ErrNoRows.
// Unknown is the one exception; the reconcile sweep may settle an unknown
// row once the truth is established.
func (s *Store) SettleSideEffect(ctx context.Context, key, status, resultJSON string) error {
	switch status {
	case EffectApplied, EffectFailed, EffectUnknown:
	default:
		return fmt.Errorf("invalid side effect status %q", status)
	}
	resultHash := ""
	if resultJSON != "" {
		resultHash = hashString(resultJSON)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE side_effects
			SET status = ?, result_json = NULLIF(?, ''), result_hash = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE idempotency_key = ? AND status IN (?, ?);
		`, status, resultJSON, resultHash, key, EffectPending, EffectUnknown)
		if err != nil {
			return fmt.Errorf("settle side effect: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("settle rows affected: %w", err)
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ReissueSideEffect reopens a definitively failed intent so the call can
// run again under the same idempotency key. Only failed rows reopen;
// applied and unknown rows never re-execute blindly.
func (s *Store) ReissueSideEffect(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE side_effects
			SET status = ?, result_json = NULL, result_hash = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE idempotency_key = ? AND status = ?;
		`, EffectPending, key, EffectFailed)
		if err != nil {
			return fmt.Errorf("reissue side effect: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reissue rows affected: %w", err)
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *Store) GetSideEffect(ctx context.Context, key string) (*SideEffect, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sideEffectColumns+` FROM side_effects WHERE idempotency_key = ?;
	`, key)
	var se SideEffect
	if err := scanSideEffect(row.Scan, &se); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("select side effect: %w", err)
	}
	return &se, nil
}

// UnsettledSideEffects returns pending and unknown rows oldest first.
// The startup sweep and the post-run check both read from here.
func (s *Store) UnsettledSideEffects(ctx context.Context) ([]SideEffect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sideEffectColumns+`
		FROM side_effects
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, rowid ASC;
	`, EffectPending, EffectUnknown)
	if err != nil {
		return nil, fmt.Errorf("list unsettled side effects: %w", err)
	}
	defer rows.Close()

	var effects []SideEffect
	for rows.Next() {
		var se SideEffect
		if err := scanSideEffect(rows.Scan, &se); err != nil {
			return nil, fmt.Errorf("scan side effect: %w", err)
		}
		effects = append(effects, se)
	}
	return effects, rows.Err()
}

// UnsettledSideEffectsForUnit narrows the sweep to one unit.
func (s *Store) UnsettledSideEffectsForUnit(ctx context.Context, unitID string) ([]SideEffect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sideEffectColumns+`
		FROM side_effects
		WHERE unit_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC, rowid ASC;
	`, unitID, EffectPending, EffectUnknown)
	if err != nil {
		return nil, fmt.Errorf("list unit side effects: %w", err)
	}
	defer rows.Close()

	var effects []SideEffect
	for rows.Next() {
		var se SideEffect
		if err := scanSideEffect(rows.Scan, &se); err != nil {
			return nil, fmt.Errorf("scan side effect: %w", err)
		}
		effects = append(effects, se)
	}
	return effects, rows.Err()
}
