// Package store provides durable persistence for workflow runs: versioned
// checkpoints guarded by compare-and-swap, approval requests, and
// cooperative cancellation flags.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowline-io/flowline/flow/model"
)

// ErrNotFound is returned when a requested run or approval does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by Save when the stored checkpoint version
// does not equal the caller's expected version. The caller lost the race;
// nothing was written.
var ErrVersionConflict = errors.New("checkpoint version conflict")

// ErrApprovalResolved is returned by ResolveApproval when the request was
// already decided. Exactly one caller observes success.
var ErrApprovalResolved = errors.New("approval already resolved")

// ErrApprovalOpen is returned by CreateApproval when an open request already
// exists for the same (run, node).
var ErrApprovalOpen = errors.New("open approval already exists for node")

// ApprovalFilter narrows ListApprovals. Zero fields match everything.
type ApprovalFilter struct {
	RunID    string
	Decision model.Decision
}

// Store is the single source of truth for run state. All mutation goes
// through its CAS-protected Save; two engine workers can never both advance
// the same run.
//
// Implementations: MemStore (tests, development), SQLiteStore (embedded
// persistence), MySQLStore (shared server persistence).
type Store interface {
	// Save persists a checkpoint atomically if and only if the latest stored
	// version for cp.RunID equals expectedVersion (0 for a new run).
	// Returns ErrVersionConflict otherwise; a conflict writes nothing.
	//
	// Checkpoint versions are strictly increasing: cp.Version must be
	// expectedVersion+1.
	Save(ctx context.Context, cp model.Checkpoint, expectedVersion int) error

	// Load retrieves the latest checkpoint for a run.
	// Returns ErrNotFound for unknown runs.
	Load(ctx context.Context, runID string) (model.Checkpoint, error)

	// LoadVersion retrieves a specific historical checkpoint, for audit and
	// determinism tests. Returns ErrNotFound if absent.
	LoadVersion(ctx context.Context, runID string, version int) (model.Checkpoint, error)

	// ListRuns returns the run IDs whose latest checkpoint has one of the
	// given statuses. Used for crash recovery.
	ListRuns(ctx context.Context, statuses ...model.Status) ([]string, error)

	// RequestCancel records a cancellation request for a run. The engine
	// honors it at the next node boundary. Idempotent.
	RequestCancel(ctx context.Context, runID string) error

	// CancelRequested reports whether cancellation was requested.
	CancelRequested(ctx context.Context, runID string) (bool, error)

	// CreateApproval persists a new pending approval request. Returns
	// ErrApprovalOpen when a pending request already exists for the same
	// (run, node).
	CreateApproval(ctx context.Context, req model.ApprovalRequest) error

	// GetApproval retrieves an approval request by ID.
	GetApproval(ctx context.Context, approvalID string) (model.ApprovalRequest, error)

	// ResolveApproval transitions a request from pending to the given
	// decision exactly once. Returns ErrApprovalResolved when it was already
	// decided and ErrNotFound when it does not exist.
	ResolveApproval(ctx context.Context, approvalID string, decision model.Decision) error

	// ListApprovals returns approval requests matching the filter, oldest
	// first.
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, error)

	// ExpiredApprovals returns pending requests whose deadline is before
	// now, oldest first. The timeout sweep resolves each through the normal
	// decision path.
	ExpiredApprovals(ctx context.Context, now time.Time) ([]model.ApprovalRequest, error)
}
