// Package metrics groups the Prometheus instruments exposed by the
// orchestration core. Each Metrics instance carries its own registry so
// tests can construct as many as they need without duplicate-registration
// panics; the daemon exposes a single instance via Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine. A nil
// *Metrics is valid; all methods no-op.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted   prometheus.Counter
	ExecutionsCompleted prometheus.Counter
	ExecutionsFailed    prometheus.Counter
	WorkDispatched      *prometheus.CounterVec
	WorkQueued          *prometheus.GaugeVec
	WorkInProgress      *prometheus.GaugeVec
	SessionCost         prometheus.Counter
	SyncPassDuration    *prometheus.HistogramVec
	SyncFailures        *prometheus.CounterVec
}

// New constructs a Metrics set under the given namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ExecutionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_started_total",
			Help:      "Task executions dispatched.",
		}),
		ExecutionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_completed_total",
			Help:      "Task executions that reached completed.",
		}),
		ExecutionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_failed_total",
			Help:      "Task executions that reached failed.",
		}),
		WorkDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_dispatched_total",
			Help:      "Work requests started, by worker.",
		}, []string{"worker"}),
		WorkQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_queued",
			Help:      "Queued work requests, by worker.",
		}, []string{"worker"}),
		WorkInProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_in_progress",
			Help:      "In-progress work requests, by worker.",
		}, []string{"worker"}),
		SessionCost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cost_total",
			Help:      "Accumulated inference cost across sessions.",
		}),
		SyncPassDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Reconciliation pass duration, by object family.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"family"}),
		SyncFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failures_total",
			Help:      "Isolated object sync/removal failures, by object family.",
		}, []string{"family"}),
	}
}

// Handler serves the instance's registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExecutionStarted increments the started counter.
func (m *Metrics) ExecutionStarted() {
	if m != nil {
		m.ExecutionsStarted.Inc()
	}
}

// ExecutionCompleted increments the completed counter.
func (m *Metrics) ExecutionCompleted() {
	if m != nil {
		m.ExecutionsCompleted.Inc()
	}
}

// ExecutionFailed increments the failed counter.
func (m *Metrics) ExecutionFailed() {
	if m != nil {
		m.ExecutionsFailed.Inc()
	}
}

// Dispatched increments the per-worker dispatch counter.
func (m *Metrics) Dispatched(workerID string) {
	if m != nil {
		m.WorkDispatched.WithLabelValues(workerID).Inc()
	}
}

// SetQueueDepth records a worker's durable queue depth.
func (m *Metrics) SetQueueDepth(workerID string, depth int) {
	if m != nil {
		m.WorkQueued.WithLabelValues(workerID).Set(float64(depth))
	}
}

// SetInProgress records a worker's in-progress count.
func (m *Metrics) SetInProgress(workerID string, count int) {
	if m != nil {
		m.WorkInProgress.WithLabelValues(workerID).Set(float64(count))
	}
}

// AddCost accumulates inference cost.
func (m *Metrics) AddCost(cost float64) {
	if m != nil && cost > 0 {
		m.SessionCost.Add(cost)
	}
}

// ObserveSyncPass records one reconciliation pass.
func (m *Metrics) ObserveSyncPass(family string, d time.Duration, failures int) {
	if m == nil {
		return
	}
	m.SyncPassDuration.WithLabelValues(family).Observe(d.Seconds())
	if failures > 0 {
		m.SyncFailures.WithLabelValues(family).Add(float64(failures))
	}
}
