// Package metrics exposes Prometheus instruments for the triage pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TriggersDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smalltalk_triggers_detected_total",
			Help: "Trigger matches by severity kind",
		},
		[]string{"kind"},
	)

	CrisisVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smalltalk_crisis_verdicts_total",
			Help: "Crisis classifier verdicts by severity and whether the fail-safe default was used",
		},
		[]string{"severity", "fallback"},
	)

	ModerationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smalltalk_moderation_decisions_total",
			Help: "Response moderation decisions",
		},
		[]string{"outcome"},
	)

	TipsShown = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smalltalk_coach_tips_total",
			Help: "Coaching tips attached to user turns by category",
		},
		[]string{"category"},
	)

	GeneratorFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smalltalk_generator_failures_total",
			Help: "Reply generation failures answered with the unavailable line",
		},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smalltalk_persistence_failures_total",
			Help: "Non-fatal store write failures by operation",
		},
		[]string{"op"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smalltalk_turn_duration_seconds",
			Help:    "Wall time to process one user turn",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 60},
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smalltalk_active_sessions",
			Help: "Number of live conversations held in memory",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
