// Package store is the SQLite persistence layer: units, runs, the audit
// trail, inbox items, memos, side-effect intents, and notifications.
// Every status change goes through a guarded transition that appends an
// audit event in the same transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/shared"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "md-v1-2026-08-20-initial-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// UnitRole classifies what admits a unit and how it is prioritized.
type UnitRole string

const (
	RoleTask       UnitRole = "task"
	RoleWorkflow   UnitRole = "workflow"
	RoleMaintainer UnitRole = "maintainer"
)

// RankFor returns the admission rank for a role. Higher wins ties.
func RankFor(role UnitRole) int {
	switch role {
	case RoleMaintainer:
		return 2
	case RoleTask:
		return 1
	default:
		return 0
	}
}

type UnitStatus string

const (
	UnitActive         UnitStatus = "active"
	UnitWaiting        UnitStatus = "waiting"
	UnitPaused         UnitStatus = "paused"
	UnitNeedsAttention UnitStatus = "needs_attention"
	UnitError          UnitStatus = "error"
	UnitDone           UnitStatus = "done"
)

var allowedUnitTransitions = map[UnitStatus]map[UnitStatus]struct{}{
	UnitActive: {
		UnitWaiting:        {},
		UnitPaused:         {},
		UnitNeedsAttention: {},
		UnitError:          {},
		UnitDone:           {},
	},
	UnitWaiting: {
		UnitActive:         {},
		UnitPaused:         {},
		UnitNeedsAttention: {},
		UnitError:          {},
	},
	UnitPaused: {
		UnitActive: {},
	},
	UnitNeedsAttention: {
		UnitActive: {},
		UnitPaused: {},
	},
	UnitError: {
		UnitActive: {},
		UnitPaused: {},
	},
	// done is terminal.
}

func canTransitionUnit(from, to UnitStatus) bool {
	next, ok := allowedUnitTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type RunStatus string

const (
	RunInProgress  RunStatus = "in_progress"
	RunDone        RunStatus = "done"
	RunWait        RunStatus = "wait"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// Runs move from in_progress to exactly one terminal status; records are
// never rewritten after that.
func terminalRunStatus(to RunStatus) bool {
	switch to {
	case RunDone, RunWait, RunFailed, RunInterrupted:
		return true
	}
	return false
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".minder", "minder.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Phase 1: tables.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS units (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL CHECK(role IN ('task', 'workflow', 'maintainer')),
			status TEXT NOT NULL CHECK(status IN ('active', 'waiting', 'paused', 'needs_attention', 'error', 'done')),
			prompt TEXT NOT NULL,
			schedule TEXT,
			tools TEXT NOT NULL DEFAULT '[]',
			rank INTEGER NOT NULL DEFAULT 0,
			subject_unit_id TEXT REFERENCES units(id),
			maintenance INTEGER NOT NULL DEFAULT 0,
			maintenance_token TEXT,
			fix_attempts INTEGER NOT NULL DEFAULT 0,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			unit_id TEXT NOT NULL REFERENCES units(id),
			occurrence TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('in_progress', 'done', 'wait', 'failed', 'interrupted')),
			steps INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0.0,
			result TEXT,
			err_type TEXT,
			error TEXT,
			trace_id TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS unit_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			unit_id TEXT NOT NULL REFERENCES units(id),
			run_id TEXT,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS inbox_items (
			id TEXT PRIMARY KEY,
			unit_id TEXT NOT NULL REFERENCES units(id),
			run_id TEXT,
			kind TEXT NOT NULL CHECK(kind IN ('question', 'repair', 'escalation')),
			body TEXT NOT NULL,
			resume_hint TEXT,
			status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'resolved')),
			response TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			unit_id TEXT NOT NULL REFERENCES units(id),
			run_id TEXT,
			role TEXT NOT NULL CHECK(role IN ('system', 'user', 'assistant', 'tool')),
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			archived_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS memos (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			unit_id TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS side_effects (
			idempotency_key TEXT PRIMARY KEY,
			unit_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			params_json TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'applied', 'failed', 'unknown')),
			result_json TEXT,
			result_hash TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			unit_id TEXT,
			kind TEXT NOT NULL,
			body TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			delivered_at DATETIME
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: indexes.
	indexStatements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_in_progress ON runs(unit_id) WHERE status = 'in_progress';`,
		`CREATE INDEX IF NOT EXISTS idx_units_eligibility ON units(status, maintenance, next_run_at, rank);`,
		`CREATE INDEX IF NOT EXISTS idx_units_subject ON units(subject_unit_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_unit_started ON runs(unit_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_unit_events_unit ON unit_events(unit_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_status ON inbox_items(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_unit ON inbox_items(unit_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unit ON messages(unit_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_undelivered ON notifications(delivered, created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) appendUnitEventTx(ctx context.Context, tx *sql.Tx, unitID string, from, to UnitStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	// Use trace_id from context, fall back to the unit id.
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = unitID
	}
	runID := shared.RunID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO unit_events (unit_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, unitID, runID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert unit_event: %w", err)
	}
	return nil
}

// transitionUnitTx moves a unit between statuses if the current status is
// in allowedFrom and the transition is legal, appending an audit event in
// the same transaction. Returns false (no error) when the unit is missing
// or not in an allowed source status.
func (s *Store) transitionUnitTx(
	ctx context.Context,
	tx *sql.Tx,
	unitID string,
	allowedFrom []UnitStatus,
	to UnitStatus,
	eventType string,
	payload string,
) (bool, error) {
	var current UnitStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM units
		WHERE id = ?;
	`, unitID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select unit for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransitionUnit(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE units
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, unitID, current)
	if err != nil {
		return false, fmt.Errorf("update unit transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendUnitEventTx(ctx, tx, unitID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// TransitionUnit is the single-statement form of transitionUnitTx for
// callers outside the store.
func (s *Store) TransitionUnit(ctx context.Context, unitID string, allowedFrom []UnitStatus, to UnitStatus, eventType, payload string) (bool, error) {
	var ok bool
	var from UnitStatus
	var role string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT status, role FROM units WHERE id = ?;
		`, unitID).Scan(&from, &role); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return fmt.Errorf("select unit: %w", err)
		}
		ok, err = s.transitionUnitTx(ctx, tx, unitID, allowedFrom, to, eventType, payload)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil && ok && s.bus != nil {
		// Publish after commit (best-effort, in-process).
		s.bus.Publish(bus.TopicUnitStateChanged, bus.UnitStateChangedEvent{
			UnitID:    unitID,
			Role:      role,
			OldStatus: string(from),
			NewStatus: string(to),
		})
	}
	return ok, err
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}
