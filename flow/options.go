package flow

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowline-io/flowline/flow/budget"
	"github.com/flowline-io/flowline/flow/tool"
)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithBudget installs the spend guard. Without it, runs execute unmetered.
func WithBudget(guard *budget.Guard) Option {
	return func(e *Engine) { e.guard = guard }
}

// WithEstimator sets the cost estimator consulted before each task node.
// Without one, every step estimates zero and the guard only stops runs
// whose windows are already exhausted.
func WithEstimator(est budget.Estimator) Option {
	return func(e *Engine) { e.estimator = est }
}

// WithTools makes tool adapters available to handlers via HandlerContext.
func WithTools(inv *tool.Invoker) Option {
	return func(e *Engine) { e.tools = inv }
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger replaces the default logrus standard logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkers sets the background worker count used by Start. Default 4.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.workers = n
		}
	}
}

// WithDefaultNodeTimeout bounds handler attempts on nodes that set no
// explicit timeout. Default 30s; zero disables the bound.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithDefaultApprovalTTL sets how long approval gates without an explicit
// TTL wait before expiring. Default 24h.
func WithDefaultApprovalTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultApprovalTTL = d
		}
	}
}

// WithMaxSteps caps checkpoint versions per run, stopping runaway loops.
// Default 1000.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxSteps = n
		}
	}
}

// WithSweepInterval sets how often the background sweep resolves expired
// approvals. Default 30s.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithClock replaces the engine's time source. Tests use this to drive
// deadlines and budget windows deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
