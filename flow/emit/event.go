// Package emit carries run lifecycle notifications out of the engine:
// suspensions, resumptions, budget halts, terminal transitions. Emitters are
// pluggable backends; the engine treats them as fire-and-forget.
package emit

import "github.com/flowline-io/flowline/flow/model"

// Well-known event messages.
const (
	MsgRunStarted      = "run_started"
	MsgNodeStarted     = "node_started"
	MsgNodeCompleted   = "node_completed"
	MsgNodeRetried     = "node_retried"
	MsgRunSuspended    = "run_suspended"
	MsgRunResumed      = "run_resumed"
	MsgRunCompleted    = "run_completed"
	MsgRunFailed       = "run_failed"
	MsgRunCancelled    = "run_cancelled"
	MsgBudgetExceeded  = "budget_exceeded"
	MsgApprovalExpired = "approval_expired"
)

// Event is one observable moment in a run's life.
type Event struct {
	// RunID identifies the run that produced the event.
	RunID string

	// Version is the checkpoint version the run was at when the event was
	// produced. Zero for events preceding the first checkpoint.
	Version int

	// NodeID is the node involved, empty for run-level events.
	NodeID string

	// Status is the run status at emission time.
	Status model.Status

	// Msg names the event; one of the Msg constants above.
	Msg string

	// Meta carries event-specific detail: "error", "attempt",
	// "approval_id", "decision", "cost", "reason".
	Meta map[string]interface{}
}
