package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowline-io/flowline/flow/model"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps run checkpoints, approval requests, and cancel flags in a
// single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring durability across restarts
//   - Prototyping before migrating to a shared server store
//
// The store uses WAL mode for concurrent reads and wraps every
// compare-and-swap save in a transaction; UNIQUE(run_id, version) backstops
// the version check.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
//
// The path is a database file location ("./flowline.db", ":memory:" for a
// throwaway database). Tables are created on first use, WAL mode and a busy
// timeout are configured automatically.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			cost REAL NOT NULL DEFAULT 0,
			owner TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			UNIQUE(run_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON run_checkpoints(run_id, version)`,
		`CREATE TABLE IF NOT EXISTS run_cancels (
			run_id TEXT NOT NULL PRIMARY KEY,
			requested_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			preview TEXT NOT NULL DEFAULT '{}',
			decision TEXT NOT NULL DEFAULT 'pending',
			deadline TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_open
			ON approval_requests(run_id, node_id) WHERE decision = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_pending
			ON approval_requests(decision, deadline)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Save implements Store. The version check and the insert run in one
// transaction; with SQLite's single writer this makes the compare-and-swap
// atomic.
func (s *SQLiteStore) Save(ctx context.Context, cp model.Checkpoint, expectedVersion int) error {
	if err := s.guard(); err != nil {
		return err
	}
	if cp.Version != expectedVersion+1 {
		return ErrVersionConflict
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM run_checkpoints WHERE run_id = ?`,
		cp.RunID).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}
	if latest != expectedVersion {
		return ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_checkpoints
			(run_id, version, definition_id, status, node_id, state, cost, owner, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.Version, cp.DefinitionID, string(cp.Status), cp.NodeID,
		string(stateJSON), cp.Cost, cp.Owner, cp.Reason,
		formatSQLTime(cp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanCheckpoint(row *sql.Row) (model.Checkpoint, error) {
	var (
		cp        model.Checkpoint
		status    string
		stateJSON string
		updatedAt string
	)
	err := row.Scan(&cp.RunID, &cp.Version, &cp.DefinitionID, &status, &cp.NodeID,
		&stateJSON, &cp.Cost, &cp.Owner, &cp.Reason, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.Status = model.Status(status)
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if cp.UpdatedAt, err = parseSQLTime(updatedAt); err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return cp, nil
}

const checkpointColumns = `run_id, version, definition_id, status, node_id, state, cost, owner, reason, updated_at`

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (model.Checkpoint, error) {
	if err := s.guard(); err != nil {
		return model.Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM run_checkpoints WHERE run_id = ?
		ORDER BY version DESC LIMIT 1`, runID)
	return s.scanCheckpoint(row)
}

// LoadVersion implements Store.
func (s *SQLiteStore) LoadVersion(ctx context.Context, runID string, version int) (model.Checkpoint, error) {
	if err := s.guard(); err != nil {
		return model.Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM run_checkpoints WHERE run_id = ? AND version = ?`, runID, version)
	return s.scanCheckpoint(row)
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, statuses ...model.Status) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT c.run_id FROM run_checkpoints c
		JOIN (SELECT run_id, MAX(version) AS v FROM run_checkpoints GROUP BY run_id) latest
			ON c.run_id = latest.run_id AND c.version = latest.v`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE c.status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY c.run_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, runID)
	}
	return runs, rows.Err()
}

// RequestCancel implements Store.
func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_cancels (run_id, requested_at) VALUES (?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		runID, formatSQLTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record cancel request: %w", err)
	}
	return nil
}

// CancelRequested implements Store.
func (s *SQLiteStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_cancels WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check cancel flag: %w", err)
	}
	return count > 0, nil
}

// CreateApproval implements Store. The partial unique index on open
// requests turns a duplicate into ErrApprovalOpen.
func (s *SQLiteStore) CreateApproval(ctx context.Context, req model.ApprovalRequest) error {
	if err := s.guard(); err != nil {
		return err
	}
	previewJSON, err := json.Marshal(req.Preview)
	if err != nil {
		return fmt.Errorf("failed to marshal preview: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, run_id, node_id, preview, decision, deadline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.NodeID, string(previewJSON), string(model.DecisionPending),
		formatSQLTime(req.Deadline), formatSQLTime(req.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrApprovalOpen
		}
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

// GetApproval implements Store.
func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (model.ApprovalRequest, error) {
	if err := s.guard(); err != nil {
		return model.ApprovalRequest{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, node_id, preview, decision, deadline, created_at
		FROM approval_requests WHERE id = ?`, approvalID)
	return scanApproval(row.Scan)
}

// ResolveApproval implements Store. The conditional UPDATE is the CAS: only
// a pending row is decided, so exactly one of two racing resolvers wins.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, approvalID string, decision model.Decision) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET decision = ?
		WHERE id = ? AND decision = 'pending'`,
		string(decision), approvalID)
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read resolve result: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_requests WHERE id = ?`, approvalID).Scan(&count); err != nil {
		return fmt.Errorf("failed to check approval existence: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrApprovalResolved
}

// ListApprovals implements Store.
func (s *SQLiteStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, run_id, node_id, preview, decision, deadline, created_at
		FROM approval_requests WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Decision != "" {
		query += ` AND decision = ?`
		args = append(args, string(filter.Decision))
	}
	query += ` ORDER BY created_at ASC`
	return s.queryApprovals(ctx, query, args...)
}

// ExpiredApprovals implements Store.
func (s *SQLiteStore) ExpiredApprovals(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryApprovals(ctx, `
		SELECT id, run_id, node_id, preview, decision, deadline, created_at
		FROM approval_requests
		WHERE decision = 'pending' AND deadline < ?
		ORDER BY created_at ASC`,
		formatSQLTime(now))
}

func (s *SQLiteStore) queryApprovals(ctx context.Context, query string, args ...any) ([]model.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path, for logging and debugging.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
