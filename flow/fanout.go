package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flowline-io/flowline/flow/budget"
	"github.com/flowline-io/flowline/flow/emit"
	"github.com/flowline-io/flowline/flow/model"
	"github.com/flowline-io/flowline/flow/store"
)

// branchResult is one branch's outcome: the accumulated state delta of its
// task nodes, the cost it charged, and its failure if any.
type branchResult struct {
	delta model.State
	cost  float64
	err   error
}

// stepFanOut executes a fan-out node: all branches run concurrently from
// their entry nodes to the shared join, then their deltas merge in branch
// declaration order, so the outcome is deterministic regardless of
// completion order.
//
// The whole fan-out is one step and one checkpoint. A crash mid-fan-out
// replays every branch; branch nodes derive their idempotency keys from the
// fan-out's checkpoint version, so replayed tool calls deduplicate
// upstream.
func (e *Engine) stepFanOut(ctx context.Context, def *Definition, node *NodeSpec, cp model.Checkpoint) (bool, error) {
	results := make([]branchResult, len(node.Branches))
	var wg sync.WaitGroup
	for i, entry := range node.Branches {
		wg.Add(1)
		go func(i int, entry string) {
			defer wg.Done()
			results[i] = e.runBranch(ctx, def, node, cp, entry)
		}(i, entry)
	}
	wg.Wait()

	// Merge what succeeded, in declaration order. Failed branches contribute
	// nothing; their partial work is visible only through the cost ledger.
	newState := cp.State
	var totalCost float64
	var firstErr error
	var limitErr *budget.LimitError
	for i, res := range results {
		totalCost += res.cost
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("branch %s: %w", node.Branches[i], res.err)
			}
			if limitErr == nil {
				errors.As(res.err, &limitErr)
			}
			continue
		}
		newState = model.Merge(newState, res.delta)
	}

	if firstErr != nil && ctx.Err() != nil {
		// A branch died because the driving context was cancelled. Write no
		// terminal checkpoint; the replayed fan-out dedupes via its
		// idempotency keys.
		return false, ctx.Err()
	}

	next := cp
	next.Version = cp.Version + 1
	next.State = newState
	next.Cost = cp.Cost + totalCost
	next.UpdatedAt = e.now()

	if limitErr != nil {
		e.metrics.BudgetDenied(limitErr.Window)
		budgetErr := &BudgetExceededError{Owner: cp.Owner, NodeID: node.ID, Reason: limitErr.Error()}
		return false, e.ignoreConflict(e.finishWith(ctx, next, cp.Version, model.StatusBudget, budgetErr.Error()))
	}
	if firstErr != nil {
		return false, e.ignoreConflict(e.finishWith(ctx, next, cp.Version, model.StatusFailed, firstErr.Error()))
	}

	nextID, err := def.nextNode(node.Join, newState)
	if err != nil {
		return false, e.ignoreConflict(e.finishWith(ctx, next, cp.Version, model.StatusFailed, err.Error()))
	}
	if nextID == "" {
		next.Status = model.StatusCompleted
		next.NodeID = node.Join
	} else {
		next.Status = model.StatusRunning
		next.NodeID = nextID
	}

	if err := e.save(ctx, next, cp.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}

	e.emitter.Emit(emit.Event{
		RunID:   cp.RunID,
		Version: next.Version,
		NodeID:  node.ID,
		Status:  next.Status,
		Msg:     emit.MsgNodeCompleted,
		Meta:    map[string]interface{}{"cost": totalCost, "branches": len(node.Branches)},
	})

	if next.Status == model.StatusCompleted {
		e.metrics.RunFinished(string(model.StatusCompleted))
		e.emitter.Emit(emit.Event{
			RunID:   cp.RunID,
			Version: next.Version,
			Status:  model.StatusCompleted,
			Msg:     emit.MsgRunCompleted,
			Meta:    map[string]interface{}{"cost": next.Cost},
		})
		return false, nil
	}
	return true, nil
}

// finishWith is finish with a prebuilt next checkpoint, used by the fan-out
// path to carry merged branch state into the terminal checkpoint.
func (e *Engine) finishWith(ctx context.Context, next model.Checkpoint, expectedVersion int, status model.Status, reason string) error {
	next.Status = status
	next.Reason = reason
	if err := e.save(ctx, next, expectedVersion); err != nil {
		return err
	}

	e.metrics.RunFinished(string(status))
	msg := emit.MsgRunFailed
	if status == model.StatusBudget {
		msg = emit.MsgBudgetExceeded
	}
	e.emitter.Emit(emit.Event{
		RunID:   next.RunID,
		Version: next.Version,
		NodeID:  next.NodeID,
		Status:  status,
		Msg:     msg,
		Meta:    map[string]interface{}{"reason": reason},
	})
	return nil
}

// runBranch walks one branch from its entry node to the fan-out's join,
// executing task nodes sequentially against the branch's private view of
// the state. Only task nodes may appear inside a branch.
func (e *Engine) runBranch(ctx context.Context, def *Definition, fanOut *NodeSpec, cp model.Checkpoint, entry string) branchResult {
	acc := model.State{}
	var cost float64

	nodeID := entry
	for steps := 0; nodeID != fanOut.Join; steps++ {
		if steps >= e.maxSteps {
			return branchResult{cost: cost, err: ErrMaxStepsExceeded}
		}
		spec := def.Node(nodeID)
		if spec == nil {
			return branchResult{cost: cost, err: fmt.Errorf("node %s does not exist", nodeID)}
		}
		if spec.Kind != KindTask {
			return branchResult{cost: cost, err: fmt.Errorf("node %s: only task nodes may run inside a fan-out branch", nodeID)}
		}

		view := model.Merge(cp.State, acc)

		estimate := e.estimate(spec.ID, view)
		if err := e.checkBudget(ctx, cp.Owner, estimate); err != nil {
			return branchResult{delta: acc, cost: cost, err: err}
		}

		result, attempts, err := e.runHandler(ctx, spec, cp, view)
		if err != nil {
			return branchResult{delta: acc, cost: cost, err: &NodeExecutionError{NodeID: spec.ID, Attempts: attempts, Cause: err}}
		}

		charged := result.Cost
		if charged == 0 {
			charged = estimate
		}
		if rerr := e.recordCost(ctx, cp.Owner, idempotencyKey(cp.RunID, spec.ID, cp.Version), charged); rerr != nil {
			e.logger.WithError(rerr).WithField("run_id", cp.RunID).Warn("failed to record cost")
		}
		cost += charged
		acc = model.Merge(acc, result.Delta)

		nextID, err := def.nextNode(nodeID, model.Merge(cp.State, acc))
		if err != nil {
			return branchResult{delta: acc, cost: cost, err: err}
		}
		if nextID == "" {
			return branchResult{delta: acc, cost: cost, err: fmt.Errorf("branch from %s ended before reaching join %s", entry, fanOut.Join)}
		}
		nodeID = nextID
	}
	return branchResult{delta: acc, cost: cost}
}
