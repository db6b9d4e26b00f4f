// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model implements the fixed-window predictive model used by the
// planner: train a next-symbol classifier over sliding windows of history,
// then roll it forward to a goal to produce a simulated action path.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/AleutianAI/epsem/services/planner/history"
	"github.com/AleutianAI/epsem/services/planner/symbols"
)

// ErrModelNotTrained indicates Predict or Simulate was called before a
// successful Train. It is an internal invariant violation.
var ErrModelNotTrained = errors.New("model not trained")

// State is the lifecycle state of a WindowModel.
type State int

const (
	// StateUntrained means no predictor has been fitted yet.
	StateUntrained State = iota

	// StateTrained means the predictor is fitted and may be simulated.
	StateTrained

	// StateInvalidated means the predictor was discarded and must be
	// retrained before use.
	StateInvalidated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUntrained:
		return "untrained"
	case StateTrained:
		return "trained"
	case StateInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a WindowModel.
type Option func(*WindowModel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *WindowModel) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPredictorFactory replaces the default MLP predictor.
func WithPredictorFactory(f PredictorFactory) Option {
	return func(m *WindowModel) {
		if f != nil {
			m.factory = f
		}
	}
}

// WindowModel predicts the next symbol from the last WindowSize symbols and
// keeps the rollout it last simulated.
//
// Thread Safety: Not safe for concurrent use. The ensemble trains distinct
// models in parallel but never shares one across goroutines.
type WindowModel struct {
	windowSize int
	alphabet   *symbols.Alphabet
	cfg        Config
	factory    PredictorFactory
	logger     *slog.Logger

	state     State
	predictor Predictor
	simPath   []symbols.Symbol
	completed bool
	fits      int64
}

// NewWindowModel creates an untrained model.
//
// Inputs:
//   - windowSize: Number of history symbols per input. Must be >= 1.
//   - alphabet: The overall alphabet. Must not be nil.
//   - cfg: Training and rollout configuration.
//
// Outputs:
//   - *WindowModel: The model in StateUntrained.
//   - error: Non-nil if the arguments are invalid.
func NewWindowModel(windowSize int, alphabet *symbols.Alphabet, cfg Config, opts ...Option) (*WindowModel, error) {
	if windowSize < 1 {
		return nil, fmt.Errorf("window size must be >= 1, got %d", windowSize)
	}
	if alphabet == nil {
		return nil, errors.New("alphabet must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	m := &WindowModel{
		windowSize: windowSize,
		alphabet:   alphabet,
		cfg:        cfg,
		factory:    MLPFactory(cfg),
		logger:     slog.Default(),
		state:      StateUntrained,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// WindowSize returns the model's window size.
func (m *WindowModel) WindowSize() int { return m.windowSize }

// State returns the lifecycle state.
func (m *WindowModel) State() State { return m.state }

// SimPath returns a copy of the remaining simulated path.
func (m *WindowModel) SimPath() []symbols.Symbol {
	out := make([]symbols.Symbol, len(m.simPath))
	copy(out, m.simPath)
	return out
}

// PathLen returns the number of symbols left in the simulated path.
func (m *WindowModel) PathLen() int { return len(m.simPath) }

// Head returns the next planned symbol.
func (m *WindowModel) Head() (symbols.Symbol, bool) {
	if len(m.simPath) == 0 {
		return 0, false
	}
	return m.simPath[0], true
}

// Completed reports whether the last commit consumed the final, goal-form
// symbol of the rollout, meaning this model predicted the coming goal.
func (m *WindowModel) Completed() bool { return m.completed }

// Train fits a fresh predictor on the history in snap.
//
// Outputs:
//   - error: history.ErrInsufficientHistory if the history holds no more
//     than WindowSize symbols; a wrapped context error on cancellation.
func (m *WindowModel) Train(ctx context.Context, snap history.Snapshot) error {
	corpus := snap.Symbols
	if m.cfg.PruneDuplicatePaths {
		corpus = history.PruneDuplicatePaths(corpus)
	}
	if len(corpus) <= m.windowSize {
		return fmt.Errorf("train window %d on %d steps: %w", m.windowSize, len(corpus), history.ErrInsufficientHistory)
	}

	inputs, labels := Dataset(corpus, m.windowSize, m.alphabet)
	if len(inputs) == 0 {
		return fmt.Errorf("train window %d: no labelled examples: %w", m.windowSize, history.ErrInsufficientHistory)
	}

	m.fits++
	seed := m.cfg.Seed + int64(m.windowSize)*7919 + m.fits
	p := m.factory(m.windowSize*m.alphabet.Size(), m.alphabet.Size(), seed)
	if err := p.Fit(ctx, inputs, labels); err != nil {
		return fmt.Errorf("train window %d: %w", m.windowSize, err)
	}

	m.predictor = p
	m.state = StateTrained
	m.simPath = nil
	m.completed = false

	m.logger.Debug("window model trained",
		slog.Int("window_size", m.windowSize),
		slog.Int("examples", len(inputs)),
	)
	return nil
}

// Predict returns the class distribution following window. Only the last
// WindowSize symbols of window are used.
func (m *WindowModel) Predict(window []symbols.Symbol) ([]float64, error) {
	if m.state != StateTrained {
		return nil, fmt.Errorf("predict window %d (%s): %w", m.windowSize, m.state, ErrModelNotTrained)
	}
	if len(window) < m.windowSize {
		return nil, fmt.Errorf("predict window %d with %d symbols: %w", m.windowSize, len(window), history.ErrInsufficientHistory)
	}
	return m.predictor.Predict(Encode(window[len(window)-m.windowSize:], m.alphabet)), nil
}

// RolloutLength returns the maximum rollout length for an average
// steps-to-goal.
func (m *WindowModel) RolloutLength(avgSteps float64) int {
	n := int(math.Ceil(m.cfg.RolloutMultiplier * avgSteps))
	if n < m.cfg.MinRollout {
		n = m.cfg.MinRollout
	}
	if n > m.cfg.MaxRollout {
		n = m.cfg.MaxRollout
	}
	return n
}

// Simulate rolls the model forward from the end of snap until it predicts a
// goal-form symbol or reaches the rollout limit, and stores the result as
// the simulated path.
//
// Description:
//
//	Each step predicts the next symbol from the last WindowSize symbols of
//	history plus the symbols simulated so far, and appends the most likely
//	one. The best goal-class probability seen, and the step it was seen at,
//	are tracked. If the limit is reached without a goal, the path is cut at
//	that step and ends with that goal symbol. A positive MinGoalConfidence
//	that the best goal probability stays under leaves the path empty.
//
// Outputs:
//   - []symbols.Symbol: A copy of the new path. May be empty.
//   - error: ErrModelNotTrained, history.ErrInsufficientHistory, or a
//     context error.
func (m *WindowModel) Simulate(ctx context.Context, snap history.Snapshot) ([]symbols.Symbol, error) {
	if m.state != StateTrained {
		return nil, fmt.Errorf("simulate window %d (%s): %w", m.windowSize, m.state, ErrModelNotTrained)
	}
	start, err := snap.Window(m.windowSize)
	if err != nil {
		return nil, fmt.Errorf("simulate window %d: %w", m.windowSize, err)
	}

	limit := m.RolloutLength(snap.AvgSteps)
	seq := make([]symbols.Symbol, 0, m.windowSize+limit)
	seq = append(seq, start...)
	path := make([]symbols.Symbol, 0, limit)

	bestProb := -1.0
	bestOffset := -1
	var bestSym symbols.Symbol

	m.completed = false
	for step := 0; step < limit; step++ {
		if err := ctx.Err(); err != nil {
			m.simPath = nil
			return nil, err
		}
		probs := m.predictor.Predict(Encode(seq[len(seq)-m.windowSize:], m.alphabet))
		for c, p := range probs {
			if m.alphabet.IsGoalClass(c) && p > bestProb {
				bestProb = p
				bestOffset = step
				bestSym = m.alphabet.SymbolAt(c)
			}
		}

		next := m.alphabet.SymbolAt(argmax(probs))
		path = append(path, next)
		if next.IsGoal() {
			m.simPath = path
			return m.SimPath(), nil
		}
		seq = append(seq, next)
	}

	if bestOffset < 0 || bestProb < m.cfg.MinGoalConfidence {
		m.simPath = nil
		return nil, nil
	}
	path = append(path[:bestOffset], bestSym)
	m.simPath = path
	return m.SimPath(), nil
}

// AdvanceIfMatches consumes the head of the simulated path if it names the
// same action as sym, and otherwise clears the path so the next planning
// cycle re-simulates. A completed rollout stays completed only until the
// next commit. It reports whether the head matched.
func (m *WindowModel) AdvanceIfMatches(sym symbols.Symbol) bool {
	if len(m.simPath) == 0 {
		m.completed = false
		return false
	}
	head := m.simPath[0]
	if !head.SameAction(sym) {
		m.simPath = nil
		m.completed = false
		return false
	}
	m.simPath = m.simPath[1:]
	if len(m.simPath) == 0 && head.IsGoal() {
		m.completed = true
	}
	return true
}

// ClearPath drops the simulated path but keeps the trained predictor.
func (m *WindowModel) ClearPath() {
	m.simPath = nil
	m.completed = false
}

// Invalidate discards the predictor and path. The model must be retrained.
func (m *WindowModel) Invalidate() {
	if m.state == StateUntrained {
		m.simPath = nil
		m.completed = false
		return
	}
	m.state = StateInvalidated
	m.predictor = nil
	m.simPath = nil
	m.completed = false
}
