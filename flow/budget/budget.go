// Package budget enforces spend limits on workflow runs. A Guard checks an
// upcoming step's estimated cost against two rolling windows, a daily cap
// and a short spike cap, strictly before the step's side effects run.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowline-io/flowline/flow/model"
)

// Window names for LimitError and metrics.
const (
	WindowDaily = "daily"
	WindowSpike = "spike"
)

// Limits configures a Guard. A zero limit disables that window.
type Limits struct {
	// Daily caps the total spend per owner per UTC day.
	Daily float64

	// Spike caps the spend per owner inside the rolling SpikeWindow.
	Spike float64

	// SpikeWindow is the spike bucket width. Defaults to one hour.
	SpikeWindow time.Duration
}

func (l Limits) spikeWindow() time.Duration {
	if l.SpikeWindow <= 0 {
		return time.Hour
	}
	return l.SpikeWindow
}

// LimitError reports a denied charge: which window tripped and the numbers
// behind the denial.
type LimitError struct {
	Owner    string
	Window   string
	Limit    float64
	Spent    float64
	Estimate float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("budget %s limit for %s: spent %.4f + estimate %.4f exceeds %.4f",
		e.Window, e.Owner, e.Spent, e.Estimate, e.Limit)
}

// Estimator predicts the cost of executing a node against a state snapshot.
// Estimates feed the Guard's pre-execution check; actual costs reported by
// handlers are what the ledger records.
type Estimator interface {
	Estimate(nodeID string, state model.State) model.CostEstimate
}

// FixedEstimator maps node IDs to fixed costs, with a fallback for unlisted
// nodes. The simplest useful estimator, and a deterministic one for tests.
type FixedEstimator struct {
	PerNode map[string]float64
	Default float64
	Unit    string
}

// Estimate implements Estimator.
func (f FixedEstimator) Estimate(nodeID string, _ model.State) model.CostEstimate {
	amount, ok := f.PerNode[nodeID]
	if !ok {
		amount = f.Default
	}
	unit := f.Unit
	if unit == "" {
		unit = "usd"
	}
	return model.CostEstimate{NodeID: nodeID, Amount: amount, Unit: unit}
}

// Ledger accumulates spend per owner and answers window totals. Shared by
// every concurrent branch of a run, and across runs of the same owner.
type Ledger interface {
	// Record adds a charge at the given instant. key identifies the charge:
	// duplicate keys collapse to a single record, so a replayed or racing
	// driver charging the same step has effect at most once. An empty key
	// always records.
	Record(ctx context.Context, owner, key string, amount float64, now time.Time) error

	// WindowTotals returns the owner's spend in the UTC day containing now
	// and in the spike window containing now.
	WindowTotals(ctx context.Context, owner string, now time.Time, spikeWindow time.Duration) (daily, spike float64, err error)
}

// Guard is the admission check: no side effect runs unless the estimate
// fits both windows.
type Guard struct {
	ledger Ledger
	limits Limits
}

// NewGuard creates a Guard over a ledger.
func NewGuard(ledger Ledger, limits Limits) *Guard {
	return &Guard{ledger: ledger, limits: limits}
}

// Check admits or denies an estimated charge. A denial returns *LimitError
// and records nothing.
func (g *Guard) Check(ctx context.Context, owner string, estimate float64, now time.Time) error {
	if g.limits.Daily <= 0 && g.limits.Spike <= 0 {
		return nil
	}
	daily, spike, err := g.ledger.WindowTotals(ctx, owner, now, g.limits.spikeWindow())
	if err != nil {
		return fmt.Errorf("failed to read budget windows: %w", err)
	}
	if g.limits.Daily > 0 && daily+estimate > g.limits.Daily {
		return &LimitError{Owner: owner, Window: WindowDaily, Limit: g.limits.Daily, Spent: daily, Estimate: estimate}
	}
	if g.limits.Spike > 0 && spike+estimate > g.limits.Spike {
		return &LimitError{Owner: owner, Window: WindowSpike, Limit: g.limits.Spike, Spent: spike, Estimate: estimate}
	}
	return nil
}

// Record charges an actual cost to the owner's windows. key deduplicates:
// recording the same key twice charges once.
func (g *Guard) Record(ctx context.Context, owner, key string, amount float64, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	return g.ledger.Record(ctx, owner, key, amount, now)
}

// MemLedger is an in-memory Ledger for tests and single-process
// deployments. Entries older than the longest window are pruned on write.
type MemLedger struct {
	mu      sync.Mutex
	entries map[string][]charge
	seen    map[string]time.Time // record key -> charge time
}

type charge struct {
	at     time.Time
	amount float64
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		entries: make(map[string][]charge),
		seen:    make(map[string]time.Time),
	}
}

// Record implements Ledger.
func (l *MemLedger) Record(_ context.Context, owner, key string, amount float64, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if key != "" {
		if _, dup := l.seen[key]; dup {
			return nil
		}
		l.seen[key] = now
	}

	entries := append(l.entries[owner], charge{at: now, amount: amount})

	// Prune anything older than 48h; no window looks back further.
	cutoff := now.Add(-48 * time.Hour)
	kept := entries[:0]
	for _, c := range entries {
		if c.at.After(cutoff) {
			kept = append(kept, c)
		}
	}
	l.entries[owner] = kept
	for k, at := range l.seen {
		if !at.After(cutoff) {
			delete(l.seen, k)
		}
	}
	return nil
}

// WindowTotals implements Ledger.
func (l *MemLedger) WindowTotals(_ context.Context, owner string, now time.Time, spikeWindow time.Duration) (float64, float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dayStart := now.UTC().Truncate(24 * time.Hour)
	spikeStart := now.Add(-spikeWindow)

	var daily, spike float64
	for _, c := range l.entries[owner] {
		if !c.at.Before(dayStart) && !c.at.After(now) {
			daily += c.amount
		}
		if c.at.After(spikeStart) && !c.at.After(now) {
			spike += c.amount
		}
	}
	return daily, spike, nil
}
