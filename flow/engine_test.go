package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowline-io/flowline/flow/budget"
	"github.com/flowline-io/flowline/flow/emit"
	"github.com/flowline-io/flowline/flow/model"
	"github.com/flowline-io/flowline/flow/store"
)

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(opts ...Option) (*Engine, *store.MemStore, *emit.BufferedEmitter) {
	st := store.NewMemStore()
	em := emit.NewBufferedEmitter()
	e := New(st, em, opts...)
	// No real sleeping between retries in tests.
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e, st, em
}

func setDelta(key string, value any) Handler {
	return HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		return HandlerResult{Delta: model.State{key: value}}
	})
}

func linearDefinition(t *testing.T, id string, nodes ...string) *Definition {
	t.Helper()
	def := NewDefinition(id)
	for _, n := range nodes {
		if err := def.AddTask(n, setDelta(n, "done")); err != nil {
			t.Fatalf("AddTask(%s): %v", n, err)
		}
	}
	if err := def.StartAt(nodes[0]); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	for i := 0; i+1 < len(nodes); i++ {
		if err := def.Connect(nodes[i], nodes[i+1]); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	return def
}

func mustRegister(t *testing.T, e *Engine, def *Definition) {
	t.Helper()
	if err := e.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func mustStart(t *testing.T, e *Engine, defID, owner string, input model.State) string {
	t.Helper()
	runID, err := e.StartRun(context.Background(), defID, owner, input)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return runID
}

func mustDrive(t *testing.T, e *Engine, runID string) model.RunState {
	t.Helper()
	if err := e.Drive(context.Background(), runID); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	rs, err := e.GetRunState(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRunState: %v", err)
	}
	return rs
}

func TestLinearRunCompletes(t *testing.T) {
	e, st, _ := newTestEngine()
	mustRegister(t, e, linearDefinition(t, "linear", "a", "b", "c"))

	runID := mustStart(t, e, "linear", "team-a", model.State{"seed": 1.0})
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", rs.Status)
	}
	// v1 initial + one per task.
	if rs.Version != 4 {
		t.Fatalf("final version = %d, want 4", rs.Version)
	}

	cp, err := st.Load(context.Background(), runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if cp.State[key] != "done" {
			t.Errorf("state[%s] = %v, want done", key, cp.State[key])
		}
	}
	if cp.State["seed"] != 1.0 {
		t.Errorf("seed not preserved: %v", cp.State["seed"])
	}

	// Checkpoint history is gapless and strictly increasing.
	for v := 1; v <= 4; v++ {
		if _, err := st.LoadVersion(context.Background(), runID, v); err != nil {
			t.Errorf("version %d missing: %v", v, err)
		}
	}
}

func TestStartRunUnknownDefinition(t *testing.T) {
	e, _, _ := newTestEngine()
	if _, err := e.StartRun(context.Background(), "missing", "o", nil); !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("err = %v, want ErrDefinitionNotFound", err)
	}
}

func TestGetRunStateUnknownRun(t *testing.T) {
	e, _, _ := newTestEngine()
	if _, err := e.GetRunState(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestConditionalRoutingFirstMatchWins(t *testing.T) {
	def := NewDefinition("routing")
	if err := def.AddTask("score", setDelta("score", 0.9)); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("high", setDelta("route", "high")); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("mid", setDelta("route", "mid")); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("low", setDelta("route", "low")); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("score"); err != nil {
		t.Fatal(err)
	}
	// Both predicates match 0.9; the first declared edge must win.
	if err := def.ConnectWhen("score", "high", Expr(`state.score > 0.5`)); err != nil {
		t.Fatal(err)
	}
	if err := def.ConnectWhen("score", "mid", Expr(`state.score > 0.1`)); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("score", "low"); err != nil {
		t.Fatal(err)
	}

	e, st, _ := newTestEngine()
	mustRegister(t, e, def)
	runID := mustStart(t, e, "routing", "o", nil)
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s", rs.Status)
	}
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["route"] != "high" {
		t.Fatalf("route = %v, want high", cp.State["route"])
	}
}

func TestRetryTransientFailureThenSuccess(t *testing.T) {
	var calls int
	var keys []string
	var mu sync.Mutex
	flaky := HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		mu.Lock()
		defer mu.Unlock()
		calls++
		keys = append(keys, hc.IdempotencyKey)
		if calls < 3 {
			return HandlerResult{Err: errors.New("transient glitch")}
		}
		return HandlerResult{Delta: model.State{"ok": true}}
	})

	def := NewDefinition("retry")
	if err := def.AddNode(NodeSpec{
		ID: "flaky", Kind: KindTask, Handler: flaky,
		Retry: &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("flaky"); err != nil {
		t.Fatal(err)
	}

	e, _, em := newTestEngine()
	mustRegister(t, e, def)
	runID := mustStart(t, e, "retry", "o", nil)
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s, reason = %s", rs.Status, rs.Reason)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Retries of the same step share one idempotency key.
	for _, k := range keys[1:] {
		if k != keys[0] {
			t.Fatalf("idempotency key changed across retries: %v", keys)
		}
	}
	if got := len(em.WithMsg(runID, emit.MsgNodeRetried)); got != 2 {
		t.Errorf("retry events = %d, want 2", got)
	}
}

func TestRetryExhaustedFailsRun(t *testing.T) {
	failing := HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		return HandlerResult{Err: errors.New("still broken")}
	})
	def := NewDefinition("exhausted")
	if err := def.AddNode(NodeSpec{
		ID: "bad", Kind: KindTask, Handler: failing,
		Retry: &RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("bad"); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newTestEngine()
	mustRegister(t, e, def)
	rs := mustDrive(t, e, mustStart(t, e, "exhausted", "o", nil))

	if rs.Status != model.StatusFailed {
		t.Fatalf("status = %s, want FAILED", rs.Status)
	}
	if !strings.Contains(rs.Reason, "still broken") {
		t.Errorf("reason = %q", rs.Reason)
	}
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	var calls int
	failing := HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		calls++
		return HandlerResult{Err: errors.New("bad input")}
	})
	def := NewDefinition("nonretry")
	if err := def.AddNode(NodeSpec{
		ID: "bad", Kind: KindTask, Handler: failing,
		Retry: &RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			Retryable:   func(error) bool { return false },
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("bad"); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newTestEngine()
	mustRegister(t, e, def)
	rs := mustDrive(t, e, mustStart(t, e, "nonretry", "o", nil))

	if rs.Status != model.StatusFailed {
		t.Fatalf("status = %s", rs.Status)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestHandlerTimeoutFailsAttempt(t *testing.T) {
	slow := HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		select {
		case <-ctx.Done():
			return HandlerResult{Err: ctx.Err()}
		case <-time.After(5 * time.Second):
			return HandlerResult{Delta: model.State{"late": true}}
		}
	})
	def := NewDefinition("timeout")
	if err := def.AddNode(NodeSpec{ID: "slow", Kind: KindTask, Handler: slow, Timeout: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("slow"); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newTestEngine()
	mustRegister(t, e, def)
	rs := mustDrive(t, e, mustStart(t, e, "timeout", "o", nil))

	if rs.Status != model.StatusFailed {
		t.Fatalf("status = %s", rs.Status)
	}
	if !strings.Contains(rs.Reason, "deadline") {
		t.Errorf("reason = %q, want deadline error", rs.Reason)
	}
}

func TestCancelHonoredAtNodeBoundary(t *testing.T) {
	e, st, _ := newTestEngine()

	var ranB bool
	def := NewDefinition("cancel")
	if err := def.AddTask("a", HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		// Request cancellation mid-run; the engine must stop before b.
		if err := st.RequestCancel(ctx, hc.RunID); err != nil {
			return HandlerResult{Err: err}
		}
		return HandlerResult{Delta: model.State{"a": "done"}}
	})); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("b", HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		ranB = true
		return HandlerResult{}
	})); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("a"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("a", "b"); err != nil {
		t.Fatal(err)
	}
	mustRegister(t, e, def)

	runID := mustStart(t, e, "cancel", "o", nil)
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", rs.Status)
	}
	if ranB {
		t.Error("node b ran after cancellation")
	}
	// a's work is preserved in the terminal checkpoint chain.
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["a"] != "done" {
		t.Errorf("state[a] = %v", cp.State["a"])
	}
}

func TestCancelTerminalRun(t *testing.T) {
	e, _, _ := newTestEngine()
	mustRegister(t, e, linearDefinition(t, "short", "only"))
	runID := mustStart(t, e, "short", "o", nil)
	mustDrive(t, e, runID)

	err := e.CancelRun(context.Background(), runID)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
}

func TestMaxStepsStopsLoopingRun(t *testing.T) {
	def := NewDefinition("loop")
	if err := def.AddTask("a", setDelta("a", "x")); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("b", setDelta("b", "x")); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("a"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("b", "a"); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newTestEngine(WithMaxSteps(6))
	mustRegister(t, e, def)
	rs := mustDrive(t, e, mustStart(t, e, "loop", "o", nil))

	if rs.Status != model.StatusFailed {
		t.Fatalf("status = %s", rs.Status)
	}
	if !strings.Contains(rs.Reason, "maximum steps") {
		t.Errorf("reason = %q", rs.Reason)
	}
}

func TestBudgetHaltsBeforeSideEffect(t *testing.T) {
	var ranB bool
	def := NewDefinition("budget")
	if err := def.AddTask("a", setDelta("a", "done")); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("b", HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		ranB = true
		return HandlerResult{}
	})); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("a"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("a", "b"); err != nil {
		t.Fatal(err)
	}

	clock := newTestClock()
	guard := budget.NewGuard(budget.NewMemLedger(), budget.Limits{Daily: 10})
	e, _, em := newTestEngine(
		WithClock(clock.Now),
		WithBudget(guard),
		WithEstimator(budget.FixedEstimator{Default: 6}),
	)
	mustRegister(t, e, def)

	runID := mustStart(t, e, "budget", "team-a", nil)
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusBudget {
		t.Fatalf("status = %s, want BUDGET_EXCEEDED", rs.Status)
	}
	if ranB {
		t.Error("node b executed despite budget denial")
	}
	// Only a's charge landed.
	if rs.Cost != 6 {
		t.Errorf("cost = %v, want 6", rs.Cost)
	}
	if len(em.WithMsg(runID, emit.MsgBudgetExceeded)) != 1 {
		t.Error("missing budget_exceeded event")
	}
}

func TestBudgetDenialIsDeterministicOnResubmit(t *testing.T) {
	clock := newTestClock()
	guard := budget.NewGuard(budget.NewMemLedger(), budget.Limits{Daily: 5})
	e, _, _ := newTestEngine(
		WithClock(clock.Now),
		WithBudget(guard),
		WithEstimator(budget.FixedEstimator{Default: 6}),
	)
	mustRegister(t, e, linearDefinition(t, "expensive", "only"))

	for i := 0; i < 2; i++ {
		rs := mustDrive(t, e, mustStart(t, e, "expensive", "team-a", nil))
		if rs.Status != model.StatusBudget {
			t.Fatalf("attempt %d: status = %s, want BUDGET_EXCEEDED", i, rs.Status)
		}
		if rs.Cost != 0 {
			t.Fatalf("attempt %d: cost = %v, want 0 (nothing ran)", i, rs.Cost)
		}
	}
}

func approvalDefinition(t *testing.T) *Definition {
	t.Helper()
	def := NewDefinition("approval")
	if err := def.AddTask("prepare", setDelta("prepared", true)); err != nil {
		t.Fatal(err)
	}
	if err := def.AddNode(NodeSpec{
		ID:          "gate",
		Kind:        KindApproval,
		ApprovalTTL: time.Hour,
		Preview: func(state model.State) model.State {
			return model.State{"summary": "ship it?"}
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("fulfill", setDelta("fulfilled", true)); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("reject", setDelta("rejected", true)); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("prepare"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("prepare", "gate"); err != nil {
		t.Fatal(err)
	}
	if err := def.ConnectDecision("gate", model.DecisionApproved, "fulfill"); err != nil {
		t.Fatal(err)
	}
	if err := def.ConnectDecision("gate", model.DecisionRejected, "reject"); err != nil {
		t.Fatal(err)
	}
	return def
}

func TestApprovalSuspendAndApprove(t *testing.T) {
	clock := newTestClock()
	e, st, em := newTestEngine(WithClock(clock.Now))
	mustRegister(t, e, approvalDefinition(t))

	runID := mustStart(t, e, "approval", "o", nil)
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusSuspended {
		t.Fatalf("status = %s, want SUSPENDED_FOR_APPROVAL", rs.Status)
	}
	if rs.NodeID != "gate" {
		t.Fatalf("suspended at %s", rs.NodeID)
	}

	pending, err := e.ListPendingApprovals(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListPendingApprovals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	req := pending[0]
	if req.Preview["summary"] != "ship it?" {
		t.Errorf("preview = %v", req.Preview)
	}
	if want := clock.Now().Add(time.Hour); !req.Deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", req.Deadline, want)
	}

	if err := e.SubmitApprovalDecision(context.Background(), req.ID, model.DecisionApproved); err != nil {
		t.Fatalf("SubmitApprovalDecision: %v", err)
	}
	rs = mustDrive(t, e, runID)

	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s, reason = %s", rs.Status, rs.Reason)
	}
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["fulfilled"] != true {
		t.Errorf("approved path not taken: %v", cp.State)
	}
	if cp.State["rejected"] != nil {
		t.Errorf("rejected path leaked: %v", cp.State)
	}
	if len(em.WithMsg(runID, emit.MsgRunSuspended)) != 1 || len(em.WithMsg(runID, emit.MsgRunResumed)) != 1 {
		t.Error("missing suspend/resume events")
	}
}

func TestApprovalRejectedRoutes(t *testing.T) {
	e, st, _ := newTestEngine()
	mustRegister(t, e, approvalDefinition(t))

	runID := mustStart(t, e, "approval", "o", nil)
	mustDrive(t, e, runID)

	pending, _ := e.ListPendingApprovals(context.Background(), runID)
	if err := e.SubmitApprovalDecision(context.Background(), pending[0].ID, model.DecisionRejected); err != nil {
		t.Fatalf("SubmitApprovalDecision: %v", err)
	}
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s", rs.Status)
	}
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["rejected"] != true {
		t.Errorf("rejected path not taken: %v", cp.State)
	}
}

func TestDuplicateDecisionHasSingleEffect(t *testing.T) {
	e, st, _ := newTestEngine()
	mustRegister(t, e, approvalDefinition(t))

	runID := mustStart(t, e, "approval", "o", nil)
	mustDrive(t, e, runID)
	pending, _ := e.ListPendingApprovals(context.Background(), runID)

	if err := e.SubmitApprovalDecision(context.Background(), pending[0].ID, model.DecisionApproved); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	err := e.SubmitApprovalDecision(context.Background(), pending[0].ID, model.DecisionRejected)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second decision err = %v, want ConflictError", err)
	}

	rs := mustDrive(t, e, runID)
	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s", rs.Status)
	}
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["fulfilled"] != true || cp.State["rejected"] != nil {
		t.Errorf("second decision affected the run: %v", cp.State)
	}
}

func TestInvalidDecisionRejected(t *testing.T) {
	e, _, _ := newTestEngine()
	err := e.SubmitApprovalDecision(context.Background(), "whatever", model.DecisionPending)
	if !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err = %v, want ErrInvalidDecision", err)
	}
}

func TestCancelSuspendedRunBlocksDecision(t *testing.T) {
	e, _, _ := newTestEngine()
	mustRegister(t, e, approvalDefinition(t))

	runID := mustStart(t, e, "approval", "o", nil)
	mustDrive(t, e, runID)
	pending, _ := e.ListPendingApprovals(context.Background(), runID)

	if err := e.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	rs, _ := e.GetRunState(context.Background(), runID)
	if rs.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", rs.Status)
	}

	err := e.SubmitApprovalDecision(context.Background(), pending[0].ID, model.DecisionApproved)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("decision after cancel err = %v, want ConflictError", err)
	}
}

func TestExpiredApprovalSweepFallsBackToRejected(t *testing.T) {
	clock := newTestClock()
	e, st, em := newTestEngine(WithClock(clock.Now))
	mustRegister(t, e, approvalDefinition(t))

	runID := mustStart(t, e, "approval", "o", nil)
	mustDrive(t, e, runID)

	// Not yet expired: sweep is a no-op.
	n, err := e.SweepExpiredApprovals(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("early sweep = (%d, %v), want (0, nil)", n, err)
	}

	clock.Advance(2 * time.Hour)
	n, err = e.SweepExpiredApprovals(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("resolved = %d, want 1", n)
	}

	rs := mustDrive(t, e, runID)
	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s", rs.Status)
	}
	// No expired edge on the gate: the run takes the rejected path.
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["rejected"] != true {
		t.Errorf("expired fallback not taken: %v", cp.State)
	}
	if len(em.WithMsg(runID, emit.MsgApprovalExpired)) != 1 {
		t.Error("missing approval_expired event")
	}

	// A second sweep finds nothing: expiry is exactly-once.
	n, _ = e.SweepExpiredApprovals(context.Background())
	if n != 0 {
		t.Fatalf("second sweep resolved %d", n)
	}
}

func TestSweepLosesRaceToManualDecision(t *testing.T) {
	clock := newTestClock()
	e, _, _ := newTestEngine(WithClock(clock.Now))
	mustRegister(t, e, approvalDefinition(t))

	runID := mustStart(t, e, "approval", "o", nil)
	mustDrive(t, e, runID)
	pending, _ := e.ListPendingApprovals(context.Background(), runID)

	clock.Advance(2 * time.Hour)
	// Manual decision lands first, after the deadline has already passed.
	if err := e.SubmitApprovalDecision(context.Background(), pending[0].ID, model.DecisionApproved); err != nil {
		t.Fatalf("decision: %v", err)
	}
	n, err := e.SweepExpiredApprovals(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("sweep stole %d already-decided approvals", n)
	}
}

func TestResumeAcrossEngineRestart(t *testing.T) {
	st := store.NewMemStore()
	e1 := New(st, nil)
	e1.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	mustRegister(t, e1, approvalDefinition(t))

	runID := mustStart(t, e1, "approval", "o", model.State{"order": "ord-1"})
	mustDrive(t, e1, runID)
	pending, _ := e1.ListPendingApprovals(context.Background(), runID)

	// "Restart": a fresh engine over the same store picks up the run.
	e2 := New(st, nil)
	e2.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	mustRegister(t, e2, approvalDefinition(t))

	if err := e2.SubmitApprovalDecision(context.Background(), pending[0].ID, model.DecisionApproved); err != nil {
		t.Fatalf("decision on restarted engine: %v", err)
	}
	rs := mustDrive(t, e2, runID)
	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s", rs.Status)
	}
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["order"] != "ord-1" || cp.State["fulfilled"] != true {
		t.Errorf("state after restart = %v", cp.State)
	}
}

func fanOutDefinition(t *testing.T, branchA, branchB Handler) *Definition {
	t.Helper()
	def := NewDefinition("fanout")
	if err := def.AddNode(NodeSpec{
		ID: "split", Kind: KindFanOut,
		Branches: []string{"a", "b"},
		Join:     "merge",
	}); err != nil {
		t.Fatal(err)
	}
	if err := def.AddNode(NodeSpec{ID: "a", Kind: KindTask, Handler: branchA}); err != nil {
		t.Fatal(err)
	}
	if err := def.AddNode(NodeSpec{ID: "b", Kind: KindTask, Handler: branchB}); err != nil {
		t.Fatal(err)
	}
	if err := def.AddNode(NodeSpec{ID: "merge", Kind: KindJoin}); err != nil {
		t.Fatal(err)
	}
	if err := def.AddTask("after", setDelta("after", true)); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("split"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("a", "merge"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("b", "merge"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("merge", "after"); err != nil {
		t.Fatal(err)
	}
	return def
}

func TestFanOutMergesInDeclarationOrder(t *testing.T) {
	// Branch a finishes last but is declared first: on the contested key,
	// branch b's value must win regardless of completion order.
	slowA := HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		time.Sleep(30 * time.Millisecond)
		return HandlerResult{Delta: model.State{"winner": "a", "fromA": true}}
	})
	fastB := HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		return HandlerResult{Delta: model.State{"winner": "b", "fromB": true}}
	})

	e, st, _ := newTestEngine()
	mustRegister(t, e, fanOutDefinition(t, slowA, fastB))
	runID := mustStart(t, e, "fanout", "o", nil)
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusCompleted {
		t.Fatalf("status = %s, reason = %s", rs.Status, rs.Reason)
	}
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["winner"] != "b" {
		t.Errorf("winner = %v, want b (declaration order)", cp.State["winner"])
	}
	if cp.State["fromA"] != true || cp.State["fromB"] != true || cp.State["after"] != true {
		t.Errorf("merged state incomplete: %v", cp.State)
	}
}

func TestFanOutBranchFailureKeepsSiblingWork(t *testing.T) {
	okA := setDelta("fromA", true)
	badB := HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		return HandlerResult{Err: errors.New("branch b exploded")}
	})

	e, st, _ := newTestEngine()
	mustRegister(t, e, fanOutDefinition(t, okA, badB))
	runID := mustStart(t, e, "fanout", "o", nil)
	rs := mustDrive(t, e, runID)

	if rs.Status != model.StatusFailed {
		t.Fatalf("status = %s", rs.Status)
	}
	if !strings.Contains(rs.Reason, "branch b exploded") {
		t.Errorf("reason = %q", rs.Reason)
	}
	cp, _ := st.Load(context.Background(), runID)
	if cp.State["fromA"] != true {
		t.Errorf("successful branch work lost: %v", cp.State)
	}
	if cp.State["after"] != nil {
		t.Errorf("post-join node ran after branch failure")
	}
}

func TestFanOutBranchesShareBudget(t *testing.T) {
	// Branch a charges 6 immediately. Branch b's free first node delays its
	// expensive node's budget check until a's charge is on the ledger, so
	// the check must see 6+6 > 10 and deny.
	def := NewDefinition("fanout-budget")
	if err := def.AddNode(NodeSpec{
		ID: "split", Kind: KindFanOut,
		Branches: []string{"a", "b1"},
		Join:     "merge",
	}); err != nil {
		t.Fatal(err)
	}
	if err := def.AddNode(NodeSpec{ID: "a", Kind: KindTask, Handler: setDelta("fromA", true)}); err != nil {
		t.Fatal(err)
	}
	slowFree := HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		time.Sleep(30 * time.Millisecond)
		return HandlerResult{Delta: model.State{"fromB1": true}}
	})
	if err := def.AddNode(NodeSpec{ID: "b1", Kind: KindTask, Handler: slowFree}); err != nil {
		t.Fatal(err)
	}
	if err := def.AddNode(NodeSpec{ID: "b2", Kind: KindTask, Handler: setDelta("fromB2", true)}); err != nil {
		t.Fatal(err)
	}
	if err := def.AddNode(NodeSpec{ID: "merge", Kind: KindJoin}); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("split"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("a", "merge"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("b1", "b2"); err != nil {
		t.Fatal(err)
	}
	if err := def.Connect("b2", "merge"); err != nil {
		t.Fatal(err)
	}

	clock := newTestClock()
	guard := budget.NewGuard(budget.NewMemLedger(), budget.Limits{Daily: 10})
	e, _, _ := newTestEngine(
		WithClock(clock.Now),
		WithBudget(guard),
		WithEstimator(budget.FixedEstimator{
			PerNode: map[string]float64{"a": 6, "b1": 0, "b2": 6},
		}),
	)
	mustRegister(t, e, def)

	runID := mustStart(t, e, "fanout-budget", "team-a", nil)
	if err := e.Drive(context.Background(), runID); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	rs, _ := e.GetRunState(context.Background(), runID)
	if rs.Status != model.StatusBudget {
		t.Fatalf("status = %s, want BUDGET_EXCEEDED", rs.Status)
	}
	if rs.Cost != 6 {
		t.Errorf("cost = %v, want 6 (only branch a charged)", rs.Cost)
	}
}

func TestDistinctNodesGetDistinctIdempotencyKeys(t *testing.T) {
	k1 := idempotencyKey("run-1", "node-a", 2)
	k2 := idempotencyKey("run-1", "node-b", 2)
	k3 := idempotencyKey("run-1", "node-a", 3)
	k4 := idempotencyKey("run-1", "node-a", 2)

	if k1 == k2 || k1 == k3 {
		t.Error("keys collide across nodes or versions")
	}
	if k1 != k4 {
		t.Error("key is not deterministic")
	}
}

func TestRegisterRejectsInvalidDefinition(t *testing.T) {
	e, _, _ := newTestEngine()
	def := NewDefinition("broken")
	if err := def.AddTask("a", setDelta("a", 1)); err != nil {
		t.Fatal(err)
	}
	// No entry node set.
	err := e.Register(def)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	e, _, _ := newTestEngine()
	mustRegister(t, e, linearDefinition(t, "dup", "a"))
	err := e.Register(linearDefinition(t, "dup", "a"))
	if err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestBackgroundWorkersDriveRun(t *testing.T) {
	e, _, _ := newTestEngine(WithSweepInterval(10 * time.Millisecond))
	mustRegister(t, e, linearDefinition(t, "bg", "a", "b"))

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = e.Close() }()

	runID := mustStart(t, e, "bg", "o", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rs, err := e.GetRunState(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRunState: %v", err)
		}
		if rs.Status == model.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s", rs.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseIsIdempotentAndBlocksStart(t *testing.T) {
	e, _, _ := newTestEngine()
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Start after Close = %v, want ErrEngineClosed", err)
	}
}

func TestConcurrentDriversAdvanceOnce(t *testing.T) {
	def := NewDefinition("race")
	if err := def.AddTask("only", setDelta("done", true)); err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("only"); err != nil {
		t.Fatal(err)
	}

	clock := newTestClock()
	ledger := budget.NewMemLedger()
	e, st, _ := newTestEngine(
		WithClock(clock.Now),
		WithBudget(budget.NewGuard(ledger, budget.Limits{Daily: 100})),
		WithEstimator(budget.FixedEstimator{Default: 5}),
	)
	mustRegister(t, e, def)
	runID := mustStart(t, e, "race", "o", nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Drive(context.Background(), runID)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("driver %d: %v", i, err)
		}
	}

	cp, _ := st.Load(context.Background(), runID)
	if cp.Status != model.StatusCompleted {
		t.Fatalf("status = %s", cp.Status)
	}
	// The CAS may let several drivers invoke the handler before one wins the
	// checkpoint write, but the version chain can only advance once.
	if cp.Version != 2 {
		t.Fatalf("version = %d, want 2", cp.Version)
	}

	// And the step charges once: losing drivers report the same charge key,
	// so the ledger collapses their duplicates.
	daily, _, err := ledger.WindowTotals(context.Background(), "o", clock.Now(), time.Hour)
	if err != nil {
		t.Fatalf("WindowTotals: %v", err)
	}
	if daily != 5 {
		t.Fatalf("daily spend = %v, want 5 (one charge for one step)", daily)
	}
}

func TestShutdownMidHandlerLeavesRunResumable(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	def := NewDefinition("restart")
	err := def.AddTask("slow", HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-ctx.Done()
			return HandlerResult{Err: ctx.Err()}
		}
		return HandlerResult{Delta: model.State{"done": true}}
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("slow"); err != nil {
		t.Fatal(err)
	}

	e, st, _ := newTestEngine()
	mustRegister(t, e, def)
	runID := mustStart(t, e, "restart", "o", nil)

	ctx, cancel := context.WithCancel(context.Background())
	driveErr := make(chan error, 1)
	go func() { driveErr <- e.Drive(ctx, runID) }()
	<-started
	cancel()

	if err := <-driveErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Drive = %v, want context.Canceled", err)
	}

	// Cancellation is not a handler failure: no terminal checkpoint was
	// written and the run is still where StartRun left it.
	cp, err := st.Load(context.Background(), runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Status.Terminal() {
		t.Fatalf("status = %s, want non-terminal", cp.Status)
	}
	if cp.Version != 1 {
		t.Fatalf("version = %d, want 1", cp.Version)
	}

	// A fresh drive, as after a restart, completes the run.
	rs := mustDrive(t, e, runID)
	if rs.Status != model.StatusCompleted {
		t.Fatalf("status after redrive = %s, want COMPLETED", rs.Status)
	}
}

func TestCancelRunWakesBackgroundWorkers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	def := NewDefinition("bg-cancel")
	err := def.AddTask("wait", HandlerFunc(func(ctx context.Context, hc HandlerContext, state model.State) HandlerResult {
		close(started)
		<-release
		return HandlerResult{Delta: model.State{"done": true}}
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := def.StartAt("wait"); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newTestEngine(WithSweepInterval(time.Hour))
	mustRegister(t, e, def)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = e.Close() }()
	defer close(release)

	runID := mustStart(t, e, "bg-cancel", "o", nil)
	<-started

	// One worker is pinned inside the handler; no recovery pass is coming
	// (sweep only handles approvals). Cancelling must re-enqueue the run so
	// another worker observes the flag at the node boundary.
	if err := e.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rs, err := e.GetRunState(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRunState: %v", err)
		}
		if rs.Status == model.StatusCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s, want CANCELLED", rs.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
