package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flowline-io/flowline/flow/budget"
	"github.com/flowline-io/flowline/flow/emit"
	"github.com/flowline-io/flowline/flow/model"
	"github.com/flowline-io/flowline/flow/store"
	"github.com/flowline-io/flowline/flow/tool"
)

// Engine executes workflow definitions as durable, resumable runs.
//
// Every state transition is a compare-and-swap checkpoint write; the store
// is the single source of truth, so an engine restarted mid-run resumes
// exactly where the last checkpoint left it. Handlers run under
// at-least-once semantics with stable idempotency keys.
//
// An Engine can be driven two ways: synchronously through Drive, or in the
// background through Start, which runs a worker pool and the approval
// timeout sweep.
type Engine struct {
	store   store.Store
	emitter emit.Emitter

	mu   sync.RWMutex
	defs map[string]*Definition

	guard     *budget.Guard
	estimator budget.Estimator
	tools     *tool.Invoker
	metrics   Metrics
	logger    *logrus.Logger

	workers            int
	defaultTimeout     time.Duration
	defaultApprovalTTL time.Duration
	maxSteps           int
	sweepInterval      time.Duration
	now                func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is swappable in tests so retry backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error

	runMu   sync.Mutex
	running bool
	closed  bool
	queue   chan string
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine over a checkpoint store and an event emitter. A nil
// emitter falls back to emit.NullEmitter.
func New(st store.Store, emitter emit.Emitter, opts ...Option) *Engine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	e := &Engine{
		store:              st,
		emitter:            emitter,
		defs:               make(map[string]*Definition),
		metrics:            NullMetrics{},
		logger:             logrus.StandardLogger(),
		workers:            4,
		defaultTimeout:     30 * time.Second,
		defaultApprovalTTL: 24 * time.Hour,
		maxSteps:           1000,
		sweepInterval:      30 * time.Second,
		now:                time.Now,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- backoff jitter
		sleep:              sleepContext,
		queue:              make(chan string, 256),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register validates a definition and makes it available for runs.
// Definitions are immutable once registered; a duplicate ID is rejected.
func (e *Engine) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.ID()]; exists {
		return &ValidationError{DefinitionID: def.ID(), Message: "definition already registered"}
	}
	e.defs[def.ID()] = def
	return nil
}

func (e *Engine) definition(id string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[id]
	return def, ok
}

// StartRun creates a new run of a registered definition and persists its
// first checkpoint. The run starts in PENDING at the definition's entry
// node; it advances when Drive is called or a background worker picks it
// up.
//
// owner is the budget principal the run's spend is charged to. input is the
// initial state payload; it is deep-copied, the caller's map is not
// retained.
func (e *Engine) StartRun(ctx context.Context, definitionID, owner string, input model.State) (string, error) {
	def, ok := e.definition(definitionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, definitionID)
	}

	state, err := model.Clone(input)
	if err != nil {
		return "", fmt.Errorf("invalid input state: %w", err)
	}

	runID := uuid.NewString()
	cp := model.Checkpoint{
		RunID:        runID,
		DefinitionID: definitionID,
		Version:      1,
		Status:       model.StatusPending,
		NodeID:       def.Entry(),
		State:        state,
		Owner:        owner,
		UpdatedAt:    e.now(),
	}
	if err := e.store.Save(ctx, cp, 0); err != nil {
		return "", fmt.Errorf("failed to persist initial checkpoint: %w", err)
	}

	e.metrics.RunStarted()
	e.emitter.Emit(emit.Event{
		RunID:   runID,
		Version: 1,
		Status:  model.StatusPending,
		Msg:     emit.MsgRunStarted,
		Meta:    map[string]interface{}{"definition_id": definitionID, "owner": owner},
	})

	e.enqueue(runID)
	return runID, nil
}

// GetRunState returns the caller-visible view of a run's latest checkpoint.
func (e *Engine) GetRunState(ctx context.Context, runID string) (model.RunState, error) {
	cp, err := e.store.Load(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return model.RunState{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return model.RunState{}, err
	}
	return model.RunState{
		RunID:     cp.RunID,
		Status:    cp.Status,
		NodeID:    cp.NodeID,
		Cost:      cp.Cost,
		Reason:    cp.Reason,
		Version:   cp.Version,
		UpdatedAt: cp.UpdatedAt,
	}, nil
}

// CancelRun requests cooperative cancellation. A running run stops at its
// next node boundary; a suspended run is cancelled immediately, closing the
// window where an approval decision could still land. Cancelling an already
// cancelled run is a no-op; cancelling another terminal run is a conflict.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	cp, err := e.store.Load(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return err
	}

	switch {
	case cp.Status == model.StatusCancelled:
		return nil
	case cp.Status.Terminal():
		return &ConflictError{RunID: runID, Message: fmt.Sprintf("cannot cancel %s run", cp.Status)}
	}

	if err := e.store.RequestCancel(ctx, runID); err != nil {
		return fmt.Errorf("failed to record cancel request: %w", err)
	}

	if cp.Status == model.StatusSuspended {
		// No node boundary is coming; transition now. A CAS loss means the
		// run moved (decision landed or another canceller won) and the flag
		// stays set for the next boundary.
		err := e.finish(ctx, cp, model.StatusCancelled, "cancelled while suspended")
		if err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		return nil
	}

	// Wake the background workers so an idle run observes the flag now
	// instead of at the next recovery pass.
	e.enqueue(runID)
	return nil
}

// ListPendingApprovals returns the open approval requests, oldest first.
// Pass an empty runID for all runs.
func (e *Engine) ListPendingApprovals(ctx context.Context, runID string) ([]model.ApprovalRequest, error) {
	return e.store.ListApprovals(ctx, store.ApprovalFilter{
		RunID:    runID,
		Decision: model.DecisionPending,
	})
}

// SubmitApprovalDecision resolves an approval request exactly once and
// resumes the suspended run along the matching decision edge.
//
// The resolution is a store-level compare-and-swap: when two decisions race,
// one wins and the other receives a ConflictError with no effect on the run.
func (e *Engine) SubmitApprovalDecision(ctx context.Context, approvalID string, decision model.Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	req, err := e.store.GetApproval(ctx, approvalID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("approval %s: %w", approvalID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if err := e.store.ResolveApproval(ctx, approvalID, decision); err != nil {
		if errors.Is(err, store.ErrApprovalResolved) {
			return &ConflictError{RunID: req.RunID, Message: "approval already resolved"}
		}
		return err
	}

	cp, err := e.store.Load(ctx, req.RunID)
	if err != nil {
		return err
	}
	if cp.Status != model.StatusSuspended || cp.NodeID != req.NodeID {
		// The decision is recorded but the run is no longer waiting at this
		// gate (cancelled while suspended, typically). Nothing to resume.
		return &ConflictError{RunID: req.RunID, Message: fmt.Sprintf("run is %s, not suspended at %s", cp.Status, req.NodeID)}
	}

	def, ok := e.definition(cp.DefinitionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, cp.DefinitionID)
	}
	target, err := def.decisionTarget(req.NodeID, decision)
	if err != nil {
		return err
	}

	next := cp
	next.Version = cp.Version + 1
	next.Status = model.StatusRunning
	next.NodeID = target
	next.Reason = ""
	next.UpdatedAt = e.now()
	if err := e.save(ctx, next, cp.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return &ConflictError{RunID: req.RunID, Message: "run advanced concurrently"}
		}
		return err
	}

	e.emitter.Emit(emit.Event{
		RunID:   cp.RunID,
		Version: next.Version,
		NodeID:  req.NodeID,
		Status:  model.StatusRunning,
		Msg:     emit.MsgRunResumed,
		Meta:    map[string]interface{}{"approval_id": approvalID, "decision": string(decision)},
	})

	e.enqueue(cp.RunID)
	return nil
}

// Drive advances a run synchronously until it suspends, reaches a terminal
// status, or ctx is done. It is safe to call from multiple processes: the
// checkpoint CAS guarantees only one driver advances any given step, losers
// observe a conflict and stop.
func (e *Engine) Drive(ctx context.Context, runID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		advanced, err := e.step(ctx, runID)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
}

// step executes at most one node for the run. It returns true when the run
// advanced and may have more work, false when it is suspended, terminal, or
// lost a CAS race.
func (e *Engine) step(ctx context.Context, runID string) (bool, error) {
	cp, err := e.store.Load(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return false, err
	}
	if !cp.Status.Advanceable() {
		return false, nil
	}

	// Node boundary: honor pending cancellation before any work.
	cancelled, err := e.store.CancelRequested(ctx, runID)
	if err != nil {
		return false, err
	}
	if cancelled {
		return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusCancelled, "cancelled by request"))
	}

	def, ok := e.definition(cp.DefinitionID)
	if !ok {
		return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusFailed,
			fmt.Sprintf("definition %s is not registered", cp.DefinitionID)))
	}

	if cp.Version >= e.maxSteps {
		return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusFailed, ErrMaxStepsExceeded.Error()))
	}

	node := def.Node(cp.NodeID)
	if node == nil {
		return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusFailed,
			fmt.Sprintf("node %s does not exist in definition %s", cp.NodeID, cp.DefinitionID)))
	}

	started := e.now()
	defer func() {
		e.metrics.StepExecuted(string(node.Kind), e.now().Sub(started))
	}()

	switch node.Kind {
	case KindTask:
		return e.stepTask(ctx, def, node, cp)
	case KindApproval:
		return e.stepApproval(ctx, node, cp)
	case KindFanOut:
		return e.stepFanOut(ctx, def, node, cp)
	default:
		// Joins are executed inside their fanOut; landing on one directly
		// means the definition routed into it.
		return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusFailed,
			fmt.Sprintf("node %s of kind %s cannot be scheduled directly", node.ID, node.Kind)))
	}
}

// stepTask runs one task node: budget check, handler with retries, state
// merge, route, checkpoint.
func (e *Engine) stepTask(ctx context.Context, def *Definition, node *NodeSpec, cp model.Checkpoint) (bool, error) {
	estimate := e.estimate(node.ID, cp.State)
	if err := e.checkBudget(ctx, cp.Owner, estimate); err != nil {
		var limitErr *budget.LimitError
		if errors.As(err, &limitErr) {
			e.metrics.BudgetDenied(limitErr.Window)
			return false, e.ignoreConflict(e.finishBudget(ctx, cp, node.ID, limitErr))
		}
		return false, err
	}

	state, err := model.Clone(cp.State)
	if err != nil {
		return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusFailed, err.Error()))
	}

	e.emitter.Emit(emit.Event{
		RunID:   cp.RunID,
		Version: cp.Version,
		NodeID:  node.ID,
		Status:  cp.Status,
		Msg:     emit.MsgNodeStarted,
	})

	result, attempts, execErr := e.runHandler(ctx, node, cp, state)
	if execErr != nil {
		if ctx.Err() != nil {
			// The driving context was cancelled, not the handler: leave the
			// run at its last checkpoint so recovery re-enqueues it.
			return false, ctx.Err()
		}
		nodeErr := &NodeExecutionError{NodeID: node.ID, Attempts: attempts, Cause: execErr}
		return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusFailed, nodeErr.Error()))
	}

	charged := result.Cost
	if charged == 0 {
		charged = estimate
	}
	if err := e.recordCost(ctx, cp.Owner, idempotencyKey(cp.RunID, node.ID, cp.Version), charged); err != nil {
		e.logger.WithError(err).WithField("run_id", cp.RunID).Warn("failed to record cost")
	}

	newState := model.Merge(cp.State, result.Delta)
	nextID, err := def.nextNode(node.ID, newState)
	if err != nil {
		return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusFailed, err.Error()))
	}

	next := cp
	next.Version = cp.Version + 1
	next.State = newState
	next.Cost = cp.Cost + charged
	next.UpdatedAt = e.now()
	if nextID == "" {
		next.Status = model.StatusCompleted
		next.NodeID = node.ID
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
		Meta:    map[string]interface{}{"cost": charged, "attempts": attempts},
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

// runHandler executes a task handler under its retry policy. Returns the
// successful result, or the last error once attempts are exhausted, plus
// the number of attempts made.
func (e *Engine) runHandler(ctx context.Context, node *NodeSpec, cp model.Checkpoint, state model.State) (HandlerResult, int, error) {
	policy := defaultRetryPolicy
	if node.Retry != nil {
		policy = *node.Retry
	}

	key := idempotencyKey(cp.RunID, node.ID, cp.Version)
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.RetryOccurred(node.ID)
			e.emitter.Emit(emit.Event{
				RunID:   cp.RunID,
				Version: cp.Version,
				NodeID:  node.ID,
				Status:  cp.Status,
				Msg:     emit.MsgNodeRetried,
				Meta:    map[string]interface{}{"attempt": attempt, "error": lastErr.Error()},
			})
			if err := e.sleep(ctx, e.backoff(attempt-1, policy)); err != nil {
				return HandlerResult{}, attempt, err
			}
		}

		attemptState, err := model.Clone(state)
		if err != nil {
			return HandlerResult{}, attempt + 1, err
		}

		hc := HandlerContext{
			RunID:          cp.RunID,
			NodeID:         node.ID,
			Attempt:        attempt,
			IdempotencyKey: key,
			Tools:          e.tools,
		}

		result := e.invokeWithTimeout(ctx, node, hc, attemptState)
		if result.Err == nil {
			return result, attempt + 1, nil
		}
		lastErr = result.Err
		if !policy.retryable(lastErr) {
			return HandlerResult{}, attempt + 1, lastErr
		}
	}
	return HandlerResult{}, policy.MaxAttempts, lastErr
}

// invokeWithTimeout bounds one handler attempt by the node's timeout (or
// the engine default). A deadline hit surfaces as the attempt's error and
// goes through the normal retry classification.
func (e *Engine) invokeWithTimeout(ctx context.Context, node *NodeSpec, hc HandlerContext, state model.State) HandlerResult {
	timeout := node.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan HandlerResult, 1)
	go func() {
		done <- node.Handler.Run(ctx, hc, state)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return HandlerResult{Err: fmt.Errorf("node %s: %w", node.ID, ctx.Err())}
	}
}

// stepApproval suspends the run at an approval gate and opens an approval
// request. Re-executing the same gate (crash between approval creation and
// the suspend checkpoint) reuses the already-open request.
func (e *Engine) stepApproval(ctx context.Context, node *NodeSpec, cp model.Checkpoint) (bool, error) {
	ttl := node.ApprovalTTL
	if ttl <= 0 {
		ttl = e.defaultApprovalTTL
	}

	var preview model.State
	if node.Preview != nil {
		snapshot, err := model.Clone(cp.State)
		if err != nil {
			return false, e.ignoreConflict(e.finish(ctx, cp, model.StatusFailed, err.Error()))
		}
		preview = node.Preview(snapshot)
	}

	now := e.now()
	req := model.ApprovalRequest{
		ID:        uuid.NewString(),
		RunID:     cp.RunID,
		NodeID:    node.ID,
		Preview:   preview,
		Decision:  model.DecisionPending,
		Deadline:  now.Add(ttl),
		CreatedAt: now,
	}

	approvalID := req.ID
	if err := e.store.CreateApproval(ctx, req); err != nil {
		if !errors.Is(err, store.ErrApprovalOpen) {
			return false, err
		}
		existing, err := e.openApproval(ctx, cp.RunID, node.ID)
		if err != nil {
			return false, err
		}
		approvalID = existing.ID
	}

	next := cp
	next.Version = cp.Version + 1
	next.Status = model.StatusSuspended
	next.UpdatedAt = now
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
		Status:  model.StatusSuspended,
		Msg:     emit.MsgRunSuspended,
		Meta:    map[string]interface{}{"approval_id": approvalID, "deadline": req.Deadline},
	})
	return false, nil
}

func (e *Engine) openApproval(ctx context.Context, runID, nodeID string) (model.ApprovalRequest, error) {
	open, err := e.store.ListApprovals(ctx, store.ApprovalFilter{
		RunID:    runID,
		Decision: model.DecisionPending,
	})
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	for _, req := range open {
		if req.NodeID == nodeID {
			return req, nil
		}
	}
	return model.ApprovalRequest{}, fmt.Errorf("no open approval for run %s node %s", runID, nodeID)
}

// finish writes a terminal checkpoint and emits the matching event.
func (e *Engine) finish(ctx context.Context, cp model.Checkpoint, status model.Status, reason string) error {
	next := cp
	next.Version = cp.Version + 1
	next.Status = status
	next.Reason = reason
	next.UpdatedAt = e.now()
	if err := e.save(ctx, next, cp.Version); err != nil {
		return err
	}

	e.metrics.RunFinished(string(status))
	msg := emit.MsgRunFailed
	switch status {
	case model.StatusCompleted:
		msg = emit.MsgRunCompleted
	case model.StatusCancelled:
		msg = emit.MsgRunCancelled
	case model.StatusBudget:
		msg = emit.MsgBudgetExceeded
	}
	e.emitter.Emit(emit.Event{
		RunID:   cp.RunID,
		Version: next.Version,
		NodeID:  cp.NodeID,
		Status:  status,
		Msg:     msg,
		Meta:    map[string]interface{}{"reason": reason},
	})
	return nil
}

func (e *Engine) finishBudget(ctx context.Context, cp model.Checkpoint, nodeID string, limitErr *budget.LimitError) error {
	budgetErr := &BudgetExceededError{Owner: cp.Owner, NodeID: nodeID, Reason: limitErr.Error()}
	return e.finish(ctx, cp, model.StatusBudget, budgetErr.Error())
}

// save persists a checkpoint through the store CAS, counting conflicts.
func (e *Engine) save(ctx context.Context, cp model.Checkpoint, expectedVersion int) error {
	err := e.store.Save(ctx, cp, expectedVersion)
	if errors.Is(err, store.ErrVersionConflict) {
		e.metrics.VersionConflict()
	}
	return err
}

// ignoreConflict treats a lost CAS race as a clean stop: another driver
// already advanced (or finished) the run.
func (e *Engine) ignoreConflict(err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return nil
	}
	return err
}

func (e *Engine) estimate(nodeID string, state model.State) float64 {
	if e.estimator == nil {
		return 0
	}
	return e.estimator.Estimate(nodeID, state).Amount
}

func (e *Engine) checkBudget(ctx context.Context, owner string, estimate float64) error {
	if e.guard == nil {
		return nil
	}
	return e.guard.Check(ctx, owner, estimate, e.now())
}

// recordCost charges a step's actual cost under the step's idempotency key,
// so a CAS-losing driver replaying the same step charges nothing.
func (e *Engine) recordCost(ctx context.Context, owner, key string, amount float64) error {
	if e.guard == nil || amount <= 0 {
		return nil
	}
	return e.guard.Record(ctx, owner, key, amount, e.now())
}

func (e *Engine) backoff(attempt int, policy RetryPolicy) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, e.rng)
}

// idempotencyKey derives the stable key handlers pass to tool adapters.
// It covers (run, node, checkpoint version), so retries of one step share a
// key while a later revisit of the same node gets a fresh one.
func idempotencyKey(runID, nodeID string, version int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", runID, nodeID, version)))
	return hex.EncodeToString(sum[:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
