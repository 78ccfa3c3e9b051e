// Package observability exposes the evaluator's Prometheus collectors and
// the CloudWatch cycle heartbeat used as a dead man's switch.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"alarmeval/internal/types"
)

const metricPrefix = "alarmeval_"

// Evaluation outcomes.
const (
	OutcomeEvaluated = "evaluated"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// CycleStats summarises one evaluation cycle of a worker.
type CycleStats struct {
	Group     string
	Assigned  int
	Evaluated int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// Metrics holds the Prometheus collectors of an evaluator process. It
// implements evaluator.Recorder.
type Metrics struct {
	transitions    *prometheus.CounterVec
	evaluations    *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	assignedAlarms prometheus.Gauge
	lastCycle      prometheus.Gauge
	events         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "state_transitions_total",
				Help: "Alarm state transitions by rule type and states",
			},
			[]string{"rule_type", "from", "to"},
		),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "evaluations_total",
				Help: "Alarm evaluations by rule type and outcome",
			},
			[]string{"rule_type", "outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cycle_duration_seconds",
				Help:    "Duration of an evaluation cycle in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		assignedAlarms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "assigned_alarms",
				Help: "Alarms assigned to this worker in the last cycle",
			},
		),
		lastCycle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "last_cycle_timestamp_seconds",
				Help: "Unix time at which the last evaluation cycle completed",
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_total",
				Help: "Streamed events consumed by result",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(
		m.transitions,
		m.evaluations,
		m.cycleDuration,
		m.assignedAlarms,
		m.lastCycle,
		m.events,
	)
	return m
}

// RecordTransition counts a state change.
func (m *Metrics) RecordTransition(ruleType types.RuleType, from, to types.AlarmState) {
	m.transitions.WithLabelValues(string(ruleType), string(from), string(to)).Inc()
}

// ObserveEvaluation counts one alarm evaluation.
func (m *Metrics) ObserveEvaluation(ruleType types.RuleType, outcome string) {
	m.evaluations.WithLabelValues(string(ruleType), outcome).Inc()
}

// ObserveCycle records a completed evaluation cycle.
func (m *Metrics) ObserveCycle(_ context.Context, stats CycleStats) {
	m.cycleDuration.Observe(stats.Duration.Seconds())
	m.assignedAlarms.Set(float64(stats.Assigned))
	m.lastCycle.SetToCurrentTime()
}

// ObserveEvents counts n streamed events with the given result.
func (m *Metrics) ObserveEvents(result string, n int) {
	if n <= 0 {
		return
	}
	m.events.WithLabelValues(result).Add(float64(n))
}
