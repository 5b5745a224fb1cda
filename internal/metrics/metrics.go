// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "specfactory"

var (
	// AgentCalls counts agent invocations.
	// Labels: role, status (success, timeout, empty, malformed)
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Total number of agent calls by role and outcome",
		},
		[]string{"role", "status"},
	)

	// AgentLatency tracks how long agent calls take.
	AgentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "call_duration_seconds",
			Help:      "Duration of agent calls in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"role"},
	)

	// Verdicts counts consensus verdicts.
	// Labels: status (ok, degraded, conflict)
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "verdicts_total",
			Help:      "Total number of consensus verdicts by status",
		},
		[]string{"status"},
	)

	// QualityResolutions counts classified quality issues.
	// Labels: resolution (auto_apply, escalate), confidence (high, medium, low)
	QualityResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quality",
			Name:      "resolutions_total",
			Help:      "Total number of quality issue resolutions",
		},
		[]string{"resolution", "confidence"},
	)

	// Retries counts phase retries.
	// Labels: reason (agent_failure, conflict)
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "retries_total",
			Help:      "Total number of phase retries",
		},
		[]string{"reason"},
	)

	// Transitions counts run state transitions by target state.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Total number of run state transitions",
		},
		[]string{"state"},
	)

	// EvidenceFallbacks counts writes that fell back to the local store.
	EvidenceFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "fallback_writes_total",
			Help:      "Total number of evidence writes stored locally because the remote store was unavailable",
		},
	)

	// ActiveRuns indicates how many runs are currently being driven.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "active_runs",
			Help:      "Number of pipeline runs currently executing in this process",
		},
	)
)
