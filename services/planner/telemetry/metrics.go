// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// knownReasons bounds the reason label on decision metrics.
var knownReasons = map[string]bool{
	"warmup":      true,
	"looping":     true,
	"explore":     true,
	"no_model":    true,
	"planned":     true,
	"no_window":   true,
	"empty_path":  true,
	"not_trained": true,
}

// knownStates bounds the state label on decision metrics.
var knownStates = map[string]bool{
	"warmup":     true,
	"looping":    true,
	"planning":   true,
	"exploiting": true,
}

func sanitize(known map[string]bool, v string) string {
	if known[v] {
		return v
	}
	return "unknown"
}

// windowLabel keeps the window_size label bounded.
func windowLabel(w int) string {
	if w < 1 || w > 64 {
		return "other"
	}
	return strconv.Itoa(w)
}

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epsem",
			Subsystem: "planner",
			Name:      "decisions_total",
			Help:      "Actions emitted by controller state and reason",
		},
		[]string{"state", "reason"},
	)

	goalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "epsem",
			Subsystem: "planner",
			Name:      "goals_total",
			Help:      "Goals reached across all sessions",
		},
	)

	stepsPerGoal = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "epsem",
			Subsystem: "planner",
			Name:      "steps_per_goal",
			Help:      "Steps taken between consecutive goals",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	trainDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "epsem",
			Subsystem: "planner",
			Name:      "train_duration_seconds",
			Help:      "Window model training time",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"window_size", "status"},
	)

	simPathLength = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "epsem",
			Subsystem: "planner",
			Name:      "sim_path_length",
			Help:      "Length of simulated rollouts",
			Buckets:   prometheus.LinearBuckets(0, 4, 16),
		},
		[]string{"window_size"},
	)

	noViableModelTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "epsem",
			Subsystem: "planner",
			Name:      "no_viable_model_total",
			Help:      "Planning cycles where every ensemble member had an empty rollout",
		},
	)

	epsilonGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "epsem",
			Subsystem: "planner",
			Name:      "epsilon",
			Help:      "Most recently computed exploration probability",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "epsem",
			Subsystem: "protocol",
			Name:      "active_sessions",
			Help:      "Open environment connections",
		},
	)

	protocolViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "epsem",
			Subsystem: "protocol",
			Name:      "violations_total",
			Help:      "Sessions aborted on malformed messages",
		},
	)
)

// RecordDecision counts one emitted action.
func RecordDecision(state, reason string) {
	decisionsTotal.WithLabelValues(sanitize(knownStates, state), sanitize(knownReasons, reason)).Inc()
}

// RecordGoal counts a goal and the steps it took.
func RecordGoal(steps int) {
	goalsTotal.Inc()
	stepsPerGoal.Observe(float64(steps))
}

// RecordTraining observes one training run.
func RecordTraining(windowSize int, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	trainDuration.WithLabelValues(windowLabel(windowSize), status).Observe(d.Seconds())
}

// RecordSimulation observes the length of one rollout.
func RecordSimulation(windowSize, length int) {
	simPathLength.WithLabelValues(windowLabel(windowSize)).Observe(float64(length))
}

// RecordNoViableModel counts a planning cycle with no usable rollout.
func RecordNoViableModel() {
	noViableModelTotal.Inc()
}

// SetEpsilon publishes the latest exploration probability.
func SetEpsilon(v float64) {
	epsilonGauge.Set(v)
}

// SessionOpened and SessionClosed track live connections.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed decrements the live connection gauge.
func SessionClosed() { activeSessions.Dec() }

// RecordProtocolViolation counts a session aborted on a bad message.
func RecordProtocolViolation() {
	protocolViolationsTotal.Inc()
}
