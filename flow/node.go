package flow

import (
	"context"

	"github.com/flowline-io/flowline/flow/model"
	"github.com/flowline-io/flowline/flow/tool"
)

// NodeKind is the closed set of node kinds a definition may use. Kinds are
// resolved against the registry built at engine construction; a published
// definition is never mutated at runtime.
type NodeKind string

const (
	// KindTask executes a handler, gated by the budget guard.
	KindTask NodeKind = "task"

	// KindApproval suspends the run until an external decision or deadline.
	KindApproval NodeKind = "approvalGate"

	// KindFanOut spawns concurrent branch executions that converge on a join.
	KindFanOut NodeKind = "fanOut"

	// KindJoin blocks until all sibling branches finish, then merges their
	// outputs in branch declaration order.
	KindJoin NodeKind = "join"
)

// Handler is the unit of work attached to a task node. It receives a cloned
// state snapshot, performs computation (possibly via tool adapters resolved
// through HandlerContext), and returns a HandlerResult.
//
// Handlers execute under at-least-once semantics: a crash between a
// handler's side effects and the checkpoint write re-invokes the same node.
// Side-effecting calls must therefore be routed through a tool.Adapter with
// the idempotency key from HandlerContext.
type Handler interface {
	Run(ctx context.Context, hc HandlerContext, state model.State) HandlerResult
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
	return f(ctx, hc, state)
}

// HandlerContext carries per-invocation execution context into a handler.
type HandlerContext struct {
	// RunID / NodeID identify the step being executed.
	RunID  string
	NodeID string

	// Attempt is the retry counter (0 for the first execution).
	Attempt int

	// IdempotencyKey is stable across retries of the same (run, node,
	// checkpoint version). Pass it to tool adapters so a re-invoked node has
	// effect at most once.
	IdempotencyKey string

	// Tools resolves tool adapters by name through the engine's retrying,
	// rate-limited invoker. Nil if the engine was built without tools.
	Tools *tool.Invoker
}

// HandlerResult is the output of one handler execution.
type HandlerResult struct {
	// Delta is the partial state update merged into the run's payload.
	Delta model.State

	// Cost is the actual cost incurred by the step. When zero, the engine
	// charges the step's estimate instead, keeping the ledger deterministic.
	Cost float64

	// Err, if non-nil, triggers the node's retry policy; once attempts are
	// exhausted the run transitions to FAILED.
	Err error
}
