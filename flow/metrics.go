package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives engine counters. The engine calls these from hot paths,
// so implementations must be cheap and thread-safe.
type Metrics interface {
	RunStarted()
	RunFinished(status string)
	StepExecuted(nodeKind string, duration time.Duration)
	RetryOccurred(nodeID string)
	BudgetDenied(window string)
	ApprovalExpired()
	VersionConflict()
	QueueDepth(depth int)
}

// NullMetrics discards all measurements. The default when no metrics sink
// is configured.
type NullMetrics struct{}

func (NullMetrics) RunStarted()                       {}
func (NullMetrics) RunFinished(string)                {}
func (NullMetrics) StepExecuted(string, time.Duration) {}
func (NullMetrics) RetryOccurred(string)              {}
func (NullMetrics) BudgetDenied(string)               {}
func (NullMetrics) ApprovalExpired()                  {}
func (NullMetrics) VersionConflict()                  {}
func (NullMetrics) QueueDepth(int)                    {}

// PrometheusMetrics exports engine counters under the "flowline" namespace.
type PrometheusMetrics struct {
	runsStarted      prometheus.Counter
	runsFinished     *prometheus.CounterVec
	runsInflight     prometheus.Gauge
	stepLatency      *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	budgetDenials    *prometheus.CounterVec
	approvalsExpired prometheus.Counter
	versionConflicts prometheus.Counter
	queueDepth       prometheus.Gauge
}

// NewPrometheusMetrics registers the engine's collectors on the given
// registerer. Pass prometheus.DefaultRegisterer for the process default.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "runs_started_total",
			Help:      "Workflow runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "runs_finished_total",
			Help:      "Workflow runs reaching a terminal status.",
		}, []string{"status"}),
		runsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "runs_inflight",
			Help:      "Runs currently between start and a terminal status.",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowline",
			Name:      "step_duration_seconds",
			Help:      "Wall time per executed node, by node kind.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"kind"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "node_retries_total",
			Help:      "Handler retry attempts, by node.",
		}, []string{"node"}),
		budgetDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "budget_denials_total",
			Help:      "Steps denied by the budget guard, by window.",
		}, []string{"window"}),
		approvalsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "approvals_expired_total",
			Help:      "Approval requests resolved as expired by the sweep.",
		}),
		versionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "checkpoint_conflicts_total",
			Help:      "Checkpoint saves rejected by the version CAS.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "queue_depth",
			Help:      "Runs waiting for a worker.",
		}),
	}
}

func (m *PrometheusMetrics) RunStarted() {
	m.runsStarted.Inc()
	m.runsInflight.Inc()
}

func (m *PrometheusMetrics) RunFinished(status string) {
	m.runsFinished.WithLabelValues(status).Inc()
	m.runsInflight.Dec()
}

func (m *PrometheusMetrics) StepExecuted(nodeKind string, duration time.Duration) {
	m.stepLatency.WithLabelValues(nodeKind).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RetryOccurred(nodeID string) {
	m.retries.WithLabelValues(nodeID).Inc()
}

func (m *PrometheusMetrics) BudgetDenied(window string) {
	m.budgetDenials.WithLabelValues(window).Inc()
}

func (m *PrometheusMetrics) ApprovalExpired() {
	m.approvalsExpired.Inc()
}

func (m *PrometheusMetrics) VersionConflict() {
	m.versionConflicts.Inc()
}

func (m *PrometheusMetrics) QueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
