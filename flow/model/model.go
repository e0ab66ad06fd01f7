// Package model defines the shared data model for workflow runs:
// statuses, checkpoints, approval requests, and cost estimates.
package model

import "time"

// Status represents the lifecycle state of a workflow run.
//
// Transitions:
//
//	PENDING → RUNNING → {COMPLETED, FAILED, CANCELLED, BUDGET_EXCEEDED, SUSPENDED_FOR_APPROVAL}
//	SUSPENDED_FOR_APPROVAL → RUNNING (decision received) or CANCELLED
//
// COMPLETED, FAILED, CANCELLED and BUDGET_EXCEEDED are terminal: a run that
// reaches one of them is never mutated again.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED_FOR_APPROVAL"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusBudget    Status = "BUDGET_EXCEEDED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusBudget:
		return true
	}
	return false
}

// Advanceable reports whether the engine may execute the next node for a run
// in this status. Suspended runs advance only through the approval path.
func (s Status) Advanceable() bool {
	return s == StatusPending || s == StatusRunning
}

// Decision is the outcome recorded on an ApprovalRequest.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// Valid reports whether d is a resolvable decision (not pending).
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected || d == DecisionExpired
}

// Checkpoint is the durable, versioned snapshot of a run.
//
// Versions are strictly increasing per run, starting at 1. Every mutation of
// a run goes through a compare-and-swap save of a checkpoint with
// Version = previous+1; a mismatch is rejected, never overwritten.
type Checkpoint struct {
	// RunID uniquely identifies the workflow execution.
	RunID string `json:"run_id"`

	// DefinitionID names the validated definition this run executes.
	DefinitionID string `json:"definition_id"`

	// Version is the monotonic checkpoint counter for this run.
	Version int `json:"version"`

	// Status is the run status captured by this checkpoint.
	Status Status `json:"status"`

	// NodeID is the node the run will execute next (or was suspended at).
	NodeID string `json:"node_id"`

	// State is the opaque payload owned by node handlers.
	State State `json:"state"`

	// Cost is the cumulative cost charged to the run so far.
	Cost float64 `json:"cost"`

	// Owner is the budget principal the run spends against.
	Owner string `json:"owner"`

	// Reason carries human-readable detail for FAILED / BUDGET_EXCEEDED /
	// CANCELLED checkpoints. Empty otherwise.
	Reason string `json:"reason,omitempty"`

	// UpdatedAt records when this checkpoint was produced.
	UpdatedAt time.Time `json:"updated_at"`
}

// RunState is the caller-visible view of a run.
type RunState struct {
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	NodeID    string    `json:"node_id"`
	Cost      float64   `json:"cost"`
	Reason    string    `json:"reason,omitempty"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalRequest records a pending (or resolved) human decision for an
// approval-gate node. At most one open request exists per (RunID, NodeID).
type ApprovalRequest struct {
	// ID uniquely identifies the request.
	ID string `json:"id"`

	// RunID / NodeID locate the suspended gate.
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`

	// Preview is an opaque descriptive payload shown to the approver.
	Preview State `json:"preview,omitempty"`

	// Decision is pending until resolved exactly once.
	Decision Decision `json:"decision"`

	// Deadline is when the request expires; the timeout sweep resolves
	// requests past this instant as expired.
	Deadline time.Time `json:"deadline"`

	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the request is still pending past its deadline.
func (a ApprovalRequest) Expired(now time.Time) bool {
	return a.Decision == DecisionPending && now.After(a.Deadline)
}

// CostEstimate is the predicted cost of one pending step, in a
// currency-agnostic unit. It is compared against remaining budget and folded
// into the run's cumulative cost; it is never persisted on its own.
type CostEstimate struct {
	NodeID string  `json:"node_id"`
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}
