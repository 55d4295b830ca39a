// Package telemetry also defines conductord's Prometheus metrics.
//
// Metric naming follows Prometheus conventions: a conductor_ prefix, a
// _total suffix for counters, and a _seconds suffix for duration
// histograms. All metrics register with the default registry so they are
// served by the standard promhttp handler mounted in cmd/conductor.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts runs reaching a terminal phase, by result.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Total number of runs reaching a terminal phase, by result.",
		},
		[]string{"result"},
	)

	// RunDurationSeconds is a histogram of run duration from creation to
	// completion.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_run_duration_seconds",
			Help:    "Duration of a run from pending to a terminal phase.",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
		},
		[]string{"result"},
	)

	// PhaseTransitionsTotal counts successful phase transitions.
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_phase_transitions_total",
			Help: "Total phase transitions, by from_phase and to_phase.",
		},
		[]string{"from_phase", "to_phase"},
	)

	// GateEvaluationsTotal counts gate evaluations by gate id and verdict.
	GateEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_gate_evaluations_total",
			Help: "Total gate evaluations, by gate_id and status.",
		},
		[]string{"gate_id", "status"},
	)

	// OutboxWritesTotal counts dispatched outbox writes by kind and outcome.
	OutboxWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_outbox_writes_total",
			Help: "Total outbox write attempts, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// OutboxQueueDepth is the current count of queued-or-failed outbox rows.
	OutboxQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_outbox_queue_depth",
			Help: "Number of outbox writes not yet completed or cancelled.",
		},
	)

	// ActiveRuns is the number of runs not yet in a terminal phase.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_active_runs",
			Help: "Number of runs currently in a non-terminal phase.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		PhaseTransitionsTotal,
		GateEvaluationsTotal,
		OutboxWritesTotal,
		OutboxQueueDepth,
		ActiveRuns,
	)
}

// RecordRunTerminal records a run reaching a terminal phase.
func RecordRunTerminal(result string, duration time.Duration) {
	RunsTotal.WithLabelValues(result).Inc()
	RunDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordTransition records a successful phase transition.
func RecordTransition(from, to string) {
	PhaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordGateEvaluation records one gate verdict.
func RecordGateEvaluation(gateID, status string) {
	GateEvaluationsTotal.WithLabelValues(gateID, status).Inc()
}

// RecordOutboxWrite records one dispatch attempt's outcome.
func RecordOutboxWrite(kind, outcome string) {
	OutboxWritesTotal.WithLabelValues(kind, outcome).Inc()
}
