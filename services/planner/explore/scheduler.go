// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package explore decides when the agent should act randomly instead of
// following a plan.
//
// Two signals feed it. Looping: the agent has gone far longer than usual
// without a goal. Forgetting: recent goals take longer than the lifetime
// average, which widens and re-centers a logistic epsilon schedule.
package explore

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/AleutianAI/epsem/services/planner/history"
)

// Config controls loop detection and the epsilon schedule.
type Config struct {
	// LoopMultiplier scales AvgSteps into the looping threshold.
	LoopMultiplier float64 `json:"loop_multiplier" yaml:"loop_multiplier" validate:"gt=0"`

	// UpperBound is the initial ceiling of the epsilon curve.
	UpperBound float64 `json:"upper_bound" yaml:"upper_bound" validate:"gte=0,lte=1"`

	// MaxUpperBound caps widening.
	MaxUpperBound float64 `json:"max_upper_bound" yaml:"max_upper_bound" validate:"gte=0,lte=1"`

	// HShift is the initial goal count at which epsilon is half the ceiling.
	HShift float64 `json:"h_shift" yaml:"h_shift"`

	// ShiftOffset is added to the goal count when the curve re-centers.
	ShiftOffset float64 `json:"shift_offset" yaml:"shift_offset" validate:"gte=0"`

	// Seed seeds the exploration draw.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		LoopMultiplier: 2,
		UpperBound:     0.6,
		MaxUpperBound:  1,
		HShift:         5,
		ShiftOffset:    3,
		Seed:           1,
	}
}

// State is a read-only view of the schedule.
type State struct {
	Epsilon        float64 `json:"epsilon"`
	UpperBound     float64 `json:"upper_bound"`
	HShift         float64 `json:"h_shift"`
	PercRegression float64 `json:"perc_regression"`
	Widenings      int     `json:"widenings"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand replaces the random source used by ShouldExplore.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler holds the explore/exploit schedule for one session.
//
// Thread Safety: Not safe for concurrent use.
type Scheduler struct {
	cfg    Config
	rng    *rand.Rand
	logger *slog.Logger

	upperBound     float64
	hShift         float64
	percRegression float64
	epsilon        float64
	widenings      int
}

// NewScheduler creates a scheduler at its initial schedule.
func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxUpperBound <= 0 || cfg.MaxUpperBound > 1 {
		cfg.MaxUpperBound = 1
	}
	s := &Scheduler{
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		logger:     slog.Default(),
		upperBound: math.Min(cfg.UpperBound, cfg.MaxUpperBound),
		hShift:     cfg.HShift,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.epsilon = s.Epsilon(0)
	return s
}

// LoopThreshold returns the steps-without-goal that count as looping.
func (s *Scheduler) LoopThreshold(avgSteps float64) float64 {
	return s.cfg.LoopMultiplier * avgSteps
}

// ShouldForceExplore reports whether the agent is looping: it has gone at
// least LoopMultiplier × AvgSteps steps without a goal.
func (s *Scheduler) ShouldForceExplore(snap history.Snapshot) bool {
	if snap.AvgSteps <= 0 {
		return false
	}
	return float64(snap.StepsSinceLastGoal) >= s.LoopThreshold(snap.AvgSteps)
}

// PercRegression returns clip(max(0, log2(rolling/avg)), 0, 1).
func PercRegression(rollingAvg, avg float64) float64 {
	if avg <= 0 || rollingAvg <= 0 {
		return 0
	}
	r := math.Log2(rollingAvg / avg)
	return math.Min(math.Max(r, 0), 1)
}

// OnGoal updates forgetting detection after a goal.
//
// Description:
//
//	A change of regression from zero to positive widens the ceiling by the
//	new regression and re-centers the curve at NumGoals + ShiftOffset. While
//	regression stays positive and keeps rising the ceiling grows by the rise.
//	A return to zero is recovery and leaves the curve as it is.
func (s *Scheduler) OnGoal(snap history.Snapshot) {
	prev := s.percRegression
	cur := PercRegression(snap.RollingAvgSteps, snap.AvgSteps)
	s.percRegression = cur

	switch {
	case prev <= 0 && cur > 0:
		s.upperBound = math.Min(s.upperBound+cur, s.cfg.MaxUpperBound)
		s.hShift = float64(snap.NumGoals) + s.cfg.ShiftOffset
		s.widenings++
		s.logger.Info("regression detected, widening exploration",
			slog.Float64("perc_regression", cur),
			slog.Float64("upper_bound", s.upperBound),
			slog.Float64("h_shift", s.hShift),
		)
	case prev > 0 && cur > prev:
		s.upperBound = math.Min(s.upperBound+(cur-prev), s.cfg.MaxUpperBound)
	case prev > 0 && cur <= 0:
		s.logger.Info("regression recovered", slog.Int("num_goals", snap.NumGoals))
	}
	s.epsilon = s.Epsilon(float64(snap.NumGoals))
}

// Epsilon returns UpperBound / (1 + exp(x - HShift)).
func (s *Scheduler) Epsilon(x float64) float64 {
	return s.upperBound / (1 + math.Exp(x-s.hShift))
}

// ShouldExplore draws once against Epsilon(x).
func (s *Scheduler) ShouldExplore(x float64) bool {
	s.epsilon = s.Epsilon(x)
	return s.rng.Float64() < s.epsilon
}

// State returns the current schedule.
func (s *Scheduler) State() State {
	return State{
		Epsilon:        s.epsilon,
		UpperBound:     s.upperBound,
		HShift:         s.hShift,
		PercRegression: s.percRegression,
		Widenings:      s.widenings,
	}
}
