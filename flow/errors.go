// Package flow provides the core execution engine for Flowline workflows.
package flow

import "errors"

// ErrDefinitionNotFound indicates a run referenced a definition ID that was
// never registered with the engine.
var ErrDefinitionNotFound = errors.New("definition not found")

// ErrRunNotFound indicates the run ID has no checkpoint in the store.
var ErrRunNotFound = errors.New("run not found")

// ErrMaxStepsExceeded indicates that a run reached the maximum allowed step
// count without completing. This prevents infinite loops and runaway
// executions when a conditional exit is missing or misconfigured.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrInvalidRetryPolicy indicates a RetryPolicy with MaxAttempts < 1 or
// MaxDelay < BaseDelay.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrInvalidDecision indicates a resolution decision outside
// {approved, rejected, expired}.
var ErrInvalidDecision = errors.New("invalid approval decision")

// ErrEngineClosed is returned by control operations after Close.
var ErrEngineClosed = errors.New("engine is closed")

// ValidationError reports a structural problem with a workflow definition.
// It is surfaced at registration time only; runs always reference a
// definition that already passed validation.
type ValidationError struct {
	DefinitionID string
	NodeID       string
	Message      string
}

func (e *ValidationError) Error() string {
	msg := "definition " + e.DefinitionID + ": " + e.Message
	if e.NodeID != "" {
		msg += " (node " + e.NodeID + ")"
	}
	return msg
}

// NodeExecutionError wraps a handler failure after its retry policy is
// exhausted. It is absorbed into the run's FAILED status and Reason; it is
// never returned from the engine's control operations.
type NodeExecutionError struct {
	NodeID   string
	Attempts int
	Cause    error
}

func (e *NodeExecutionError) Error() string {
	return "node " + e.NodeID + ": handler failed after retries: " + e.Cause.Error()
}

// Unwrap returns the underlying handler error.
func (e *NodeExecutionError) Unwrap() error {
	return e.Cause
}

// BudgetExceededError reports a deterministic budget denial. The run halts
// in BUDGET_EXCEEDED before any side-effecting call for the step is made.
type BudgetExceededError struct {
	Owner  string
	NodeID string
	Reason string
}

func (e *BudgetExceededError) Error() string {
	return "budget exceeded for " + e.Owner + " at node " + e.NodeID + ": " + e.Reason
}

// ConflictError reports a rejected resume or decision submission: the run
// was not in the expected state, or another caller won the race. The
// underlying run state is untouched.
type ConflictError struct {
	RunID   string
	Message string
}

func (e *ConflictError) Error() string {
	return "run " + e.RunID + ": " + e.Message
}
