package flow

import (
	"context"
	"errors"
	"time"

	"github.com/flowline-io/flowline/flow/emit"
	"github.com/flowline-io/flowline/flow/model"
)

// Start launches the engine's background machinery: a pool of workers that
// drive queued runs, a periodic sweep that expires overdue approvals, and a
// one-shot recovery pass that re-enqueues runs left advanceable by a
// previous process.
//
// Start is idempotent. Close stops everything.
func (e *Engine) Start() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.running {
		return nil
	}
	e.running = true

	ctx, cancel := context.WithCancel(context.Background())
	e.stop = cancel

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}

	e.wg.Add(1)
	go e.sweeper(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Recover(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.WithError(err).Error("run recovery failed")
		}
	}()

	return nil
}

// Close stops the background workers and waits for in-flight steps to
// reach their next checkpoint. The store is untouched; a later Start (or
// another process) resumes every non-terminal run.
func (e *Engine) Close() error {
	e.runMu.Lock()
	if e.closed {
		e.runMu.Unlock()
		return nil
	}
	e.closed = true
	wasRunning := e.running
	e.running = false
	if e.stop != nil {
		e.stop()
	}
	e.runMu.Unlock()

	if wasRunning {
		e.wg.Wait()
	}
	return nil
}

// enqueue hands a run to the worker pool. Outside Start/Close the queue is
// inert and callers drive runs synchronously. A full queue drops the hint;
// the recovery pass and the sweep will find the run again.
func (e *Engine) enqueue(runID string) {
	e.runMu.Lock()
	running := e.running
	e.runMu.Unlock()
	if !running {
		return
	}

	select {
	case e.queue <- runID:
	default:
		e.logger.WithField("run_id", runID).Warn("worker queue full, dropping enqueue")
	}
	e.metrics.QueueDepth(len(e.queue))
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-e.queue:
			e.metrics.QueueDepth(len(e.queue))
			if err := e.Drive(ctx, runID); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.WithError(err).WithField("run_id", runID).Error("failed to drive run")
			}
		}
	}
}

func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.SweepExpiredApprovals(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.WithError(err).Error("approval sweep failed")
			}
		}
	}
}

// Recover re-enqueues every run whose latest checkpoint is still
// advanceable. Called by Start; also callable directly by embedders that
// drive runs synchronously.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.store.ListRuns(ctx, model.StatusPending, model.StatusRunning)
	if err != nil {
		return err
	}
	for _, runID := range runs {
		e.enqueue(runID)
	}
	return nil
}

// SweepExpiredApprovals resolves every pending approval whose deadline has
// passed, through the same decision path a caller would use. Returns how
// many requests this sweep resolved.
//
// Safe to run concurrently across processes: resolution is a store-level
// compare-and-swap, so for each request exactly one sweeper wins and the
// others observe a conflict and move on.
func (e *Engine) SweepExpiredApprovals(ctx context.Context) (int, error) {
	expired, err := e.store.ExpiredApprovals(ctx, e.now())
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, req := range expired {
		err := e.SubmitApprovalDecision(ctx, req.ID, model.DecisionExpired)
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				continue // another resolver won the race
			}
			return resolved, err
		}
		resolved++
		e.metrics.ApprovalExpired()
		e.emitter.Emit(emit.Event{
			RunID:  req.RunID,
			NodeID: req.NodeID,
			Status: model.StatusRunning,
			Msg:    emit.MsgApprovalExpired,
			Meta:   map[string]interface{}{"approval_id": req.ID, "deadline": req.Deadline},
		})
	}
	return resolved, nil
}
