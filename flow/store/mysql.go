package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/flowline-io/flowline/flow/model"
)

// MySQLStore is a MySQL implementation of Store.
//
// Designed for shared deployments where several engine processes work the
// same run population: a scheduler fleet behind a load balancer, or separate
// API and sweep processes. The compare-and-swap on checkpoint versions runs
// inside a transaction with a row lock, so concurrent writers across
// processes serialize correctly.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL using a DSN like
// "user:pass@tcp(localhost:3306)/flowline". The database must exist; tables
// are created on first use.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			version INT NOT NULL,
			definition_id VARCHAR(191) NOT NULL,
			status VARCHAR(32) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			state JSON NOT NULL,
			cost DOUBLE NOT NULL DEFAULT 0,
			owner VARCHAR(191) NOT NULL DEFAULT '',
			reason TEXT,
			updated_at VARCHAR(40) NOT NULL,
			UNIQUE KEY uniq_run_version (run_id, version),
			KEY idx_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS run_cancels (
			run_id VARCHAR(191) NOT NULL PRIMARY KEY,
			requested_at VARCHAR(40) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			preview JSON NOT NULL,
			decision VARCHAR(16) NOT NULL DEFAULT 'pending',
			deadline VARCHAR(40) NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			KEY idx_run_node (run_id, node_id),
			KEY idx_pending (decision, deadline)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Save implements Store. FOR UPDATE locks the run's newest checkpoint row
// while the version check and insert run, so two processes racing on the
// same run serialize and the loser gets ErrVersionConflict.
func (s *MySQLStore) Save(ctx context.Context, cp model.Checkpoint, expectedVersion int) error {
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
		`SELECT COALESCE(MAX(version), 0) FROM run_checkpoints WHERE run_id = ? FOR UPDATE`,
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
		string(stateJSON), cp.Cost, cp.Owner, cp.Reason, formatSQLTime(cp.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *MySQLStore) scanCheckpoint(row *sql.Row) (model.Checkpoint, error) {
	var (
		cp        model.Checkpoint
		status    string
		stateJSON string
		reason    sql.NullString
		updatedAt string
	)
	err := row.Scan(&cp.RunID, &cp.Version, &cp.DefinitionID, &status, &cp.NodeID,
		&stateJSON, &cp.Cost, &cp.Owner, &reason, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.Status = model.Status(status)
	cp.Reason = reason.String
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if cp.UpdatedAt, err = parseSQLTime(updatedAt); err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return cp, nil
}

// Load implements Store.
func (s *MySQLStore) Load(ctx context.Context, runID string) (model.Checkpoint, error) {
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
func (s *MySQLStore) LoadVersion(ctx context.Context, runID string, version int) (model.Checkpoint, error) {
	if err := s.guard(); err != nil {
		return model.Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM run_checkpoints WHERE run_id = ? AND version = ?`, runID, version)
	return s.scanCheckpoint(row)
}

// ListRuns implements Store.
func (s *MySQLStore) ListRuns(ctx context.Context, statuses ...model.Status) ([]string, error) {
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
func (s *MySQLStore) RequestCancel(ctx context.Context, runID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_cancels (run_id, requested_at) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE run_id = run_id`,
		runID, formatSQLTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record cancel request: %w", err)
	}
	return nil
}

// CancelRequested implements Store.
func (s *MySQLStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
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

// CreateApproval implements Store. MySQL has no partial unique indexes, so
// the open-request check runs in a transaction with a locking read.
func (s *MySQLStore) CreateApproval(ctx context.Context, req model.ApprovalRequest) error {
	if err := s.guard(); err != nil {
		return err
	}
	previewJSON, err := json.Marshal(req.Preview)
	if err != nil {
		return fmt.Errorf("failed to marshal preview: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var open int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approval_requests
		WHERE run_id = ? AND node_id = ? AND decision = 'pending' FOR UPDATE`,
		req.RunID, req.NodeID).Scan(&open)
	if err != nil {
		return fmt.Errorf("failed to check open approvals: %w", err)
	}
	if open > 0 {
		return ErrApprovalOpen
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approval_requests (id, run_id, node_id, preview, decision, deadline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.NodeID, string(previewJSON), string(model.DecisionPending),
		formatSQLTime(req.Deadline), formatSQLTime(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit approval: %w", err)
	}
	return nil
}

// GetApproval implements Store.
func (s *MySQLStore) GetApproval(ctx context.Context, approvalID string) (model.ApprovalRequest, error) {
	if err := s.guard(); err != nil {
		return model.ApprovalRequest{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, node_id, preview, decision, deadline, created_at
		FROM approval_requests WHERE id = ?`, approvalID)
	return scanApproval(row.Scan)
}

// ResolveApproval implements Store.
func (s *MySQLStore) ResolveApproval(ctx context.Context, approvalID string, decision model.Decision) error {
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
func (s *MySQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, error) {
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
func (s *MySQLStore) ExpiredApprovals(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error) {
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

func (s *MySQLStore) queryApprovals(ctx context.Context, query string, args ...any) ([]model.ApprovalRequest, error) {
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
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
