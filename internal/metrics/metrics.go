// Package metrics defines the Prometheus instruments for the pipeline.
// Every Record method is safe on a nil *Metrics, so components can run
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "actiongate"

// Metrics holds the pipeline's counters, gauges and histograms.
type Metrics struct {
	// ItemsCreated counts action items by source.
	ItemsCreated *prometheus.CounterVec
	// DuplicatesSuppressed counts content rejected as already seen, by source.
	DuplicatesSuppressed *prometheus.CounterVec
	// WatcherHealth is 0 healthy, 1 degraded, 2 failed, by source.
	WatcherHealth *prometheus.GaugeVec

	// ApprovalsCreated counts approval requests by risk level.
	ApprovalsCreated *prometheus.CounterVec
	// ApprovalDecisions counts decisions (approved, rejected, auto, expired).
	ApprovalDecisions *prometheus.CounterVec

	// Executions counts finished executions by target system and outcome.
	Executions *prometheus.CounterVec
	// Retries counts retry attempts by target system.
	Retries *prometheus.CounterVec
	// ExecutionSeconds measures executor call latency by target system.
	ExecutionSeconds *prometheus.HistogramVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ItemsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "items_created_total",
			Help: "Action items created, by source.",
		}, []string{"source"}),
		DuplicatesSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "duplicates_suppressed_total",
			Help: "Incoming content suppressed as a duplicate, by source.",
		}, []string{"source"}),
		WatcherHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "health",
			Help: "Watcher health: 0 healthy, 1 degraded, 2 failed.",
		}, []string{"source"}),
		ApprovalsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "approval", Name: "requests_created_total",
			Help: "Approval requests created, by risk level.",
		}, []string{"risk"}),
		ApprovalDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "approval", Name: "decisions_total",
			Help: "Approval decisions, by decision.",
		}, []string{"decision"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "executions_total",
			Help: "Finished executions, by target system and outcome.",
		}, []string{"target", "outcome"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "retries_total",
			Help: "Retry attempts after transient executor errors, by target system.",
		}, []string{"target"}),
		ExecutionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "execution_seconds",
			Help:    "Executor call latency in seconds, by target system.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"target"}),
	}
}

func (m *Metrics) RecordItemCreated(source string) {
	if m == nil {
		return
	}
	m.ItemsCreated.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordDuplicate(source string) {
	if m == nil {
		return
	}
	m.DuplicatesSuppressed.WithLabelValues(source).Inc()
}

// SetWatcherHealth records the numeric health of source.
func (m *Metrics) SetWatcherHealth(source string, level int) {
	if m == nil {
		return
	}
	m.WatcherHealth.WithLabelValues(source).Set(float64(level))
}

func (m *Metrics) RecordApprovalCreated(risk string) {
	if m == nil {
		return
	}
	m.ApprovalsCreated.WithLabelValues(risk).Inc()
}

func (m *Metrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(decision).Inc()
}

// RecordExecution records one finished execution and its latency.
func (m *Metrics) RecordExecution(target, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(target, outcome).Inc()
	m.ExecutionSeconds.WithLabelValues(target).Observe(d.Seconds())
}

func (m *Metrics) RecordRetry(target string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(target).Inc()
}
