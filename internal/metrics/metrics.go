// Package metrics exposes the Prometheus collectors the HTTP command
// surface, the execution queue dispatcher, and the domain services record
// against. Shape carried over from infrastructure/metrics/metrics.go:
// one struct of already-registered collectors, built once via New/
// NewWithRegistry, with small Record*/Set* wrappers around the raw
// CounterVec/HistogramVec/Gauge calls.
package metrics

import (
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the module records against.
type Metrics struct {
	// HTTP command surface
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Quote lifecycle
	TransitionsTotal     *prometheus.CounterVec
	TransitionsRejected  *prometheus.CounterVec
	PricingEvalDuration  prometheus.Histogram
	PricingEvalTotal     *prometheus.CounterVec

	// Approval governance
	ApprovalDecisionsTotal *prometheus.CounterVec
	ApprovalEscalations    prometheus.Counter

	// Idempotency ledger
	IdempotencyReservedTotal prometheus.Counter
	IdempotencyHitTotal      prometheus.Counter

	// Execution queue
	TaskDispatchTotal    *prometheus.CounterVec
	TaskDispatchDuration *prometheus.HistogramVec
	TaskRetryTotal       *prometheus.CounterVec
	TaskDeadLetterTotal  *prometheus.CounterVec
	TasksInFlight        prometheus.Gauge

	// Database
	DatabaseQueriesTotal  *prometheus.CounterVec
	DatabaseQueryDuration *prometheus.HistogramVec
}

// New creates a Metrics instance registered against the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// so tests can pass a throwaway prometheus.NewRegistry() instead of
// polluting the process-global default.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_http_requests_total", Help: "Total HTTP requests to the command surface"},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotey_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "quotey_http_requests_in_flight", Help: "HTTP requests currently being processed"},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_lifecycle_transitions_total", Help: "Quote lifecycle transitions applied"},
			[]string{"from", "to"},
		),
		TransitionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_lifecycle_transitions_rejected_total", Help: "Quote lifecycle transitions rejected as illegal"},
			[]string{"from", "to"},
		),
		PricingEvalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quotey_pricing_eval_duration_seconds",
				Help:    "Rule evaluation engine duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		PricingEvalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_pricing_eval_total", Help: "Pricing evaluations completed"},
			[]string{"approval_mode"},
		),

		ApprovalDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_approval_decisions_total", Help: "Approval decisions recorded"},
			[]string{"decision_type", "role"},
		),
		ApprovalEscalations: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "quotey_approval_escalations_total", Help: "Approval requests auto-escalated past their SLA"},
		),

		IdempotencyReservedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "quotey_idempotency_reserved_total", Help: "Fresh operation_key reservations"},
		),
		IdempotencyHitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "quotey_idempotency_hit_total", Help: "Replays served from a completed ledger entry"},
		),

		TaskDispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_task_dispatch_total", Help: "Execution task dispatch attempts"},
			[]string{"operation_kind", "status"},
		),
		TaskDispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotey_task_dispatch_duration_seconds",
				Help:    "Execution task adapter call duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation_kind"},
		),
		TaskRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_task_retry_total", Help: "Execution task retries scheduled"},
			[]string{"operation_kind"},
		),
		TaskDeadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_task_dead_letter_total", Help: "Execution tasks routed to dead-letter"},
			[]string{"operation_kind"},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "quotey_tasks_in_flight", Help: "Execution tasks currently claimed by a worker"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotey_database_queries_total", Help: "Database queries executed"},
			[]string{"operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotey_database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.TransitionsTotal, m.TransitionsRejected, m.PricingEvalDuration, m.PricingEvalTotal,
			m.ApprovalDecisionsTotal, m.ApprovalEscalations,
			m.IdempotencyReservedTotal, m.IdempotencyHitTotal,
			m.TaskDispatchTotal, m.TaskDispatchDuration, m.TaskRetryTotal, m.TaskDeadLetterTotal, m.TasksInFlight,
			m.DatabaseQueriesTotal, m.DatabaseQueryDuration,
		)
	}
	return m
}

// RecordHTTPRequest records one HTTP request/response cycle.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordTransition records a lifecycle transition outcome.
func (m *Metrics) RecordTransition(from, to string, rejected bool) {
	if rejected {
		m.TransitionsRejected.WithLabelValues(from, to).Inc()
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordPricingEval records one rule-evaluation pipeline run.
func (m *Metrics) RecordPricingEval(approvalMode string, d time.Duration) {
	m.PricingEvalTotal.WithLabelValues(approvalMode).Inc()
	m.PricingEvalDuration.Observe(d.Seconds())
}

// RecordApprovalDecision records one recorded approval decision.
func (m *Metrics) RecordApprovalDecision(decisionType, role string) {
	m.ApprovalDecisionsTotal.WithLabelValues(decisionType, role).Inc()
}

// RecordTaskDispatch records one execution task adapter call.
func (m *Metrics) RecordTaskDispatch(operationKind, status string, d time.Duration) {
	m.TaskDispatchTotal.WithLabelValues(operationKind, status).Inc()
	m.TaskDispatchDuration.WithLabelValues(operationKind).Observe(d.Seconds())
}

// RecordDatabaseQuery records one database round trip.
func (m *Metrics) RecordDatabaseQuery(operation, status string, d time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Enabled reports whether the /metrics endpoint should be mounted.
// Defaults to enabled; set METRICS_ENABLED=false to turn it off.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
