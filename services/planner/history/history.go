// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps the agent's append-only record of observed steps and
// the goal statistics derived from it.
//
// The Log is owned by the step controller. Everything else reads an
// immutable Snapshot taken once per step.
package history

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/epsem/services/planner/symbols"
)

// ErrInsufficientHistory indicates fewer symbols exist than a window needs.
// Callers treat it as recoverable and wait for more steps.
var ErrInsufficientHistory = errors.New("insufficient history")

// Config controls goal statistics.
type Config struct {
	// RollingWindow is the number of recent goal-to-goal spans averaged
	// into RollingAvgSteps.
	RollingWindow int `json:"rolling_window" yaml:"rolling_window" validate:"min=1"`

	// SkipFirstEntry excludes history index 0 from goal counting. The
	// environment reports its initial state as the first entry.
	SkipFirstEntry bool `json:"skip_first_entry" yaml:"skip_first_entry"`
}

// DefaultConfig returns the default history configuration.
func DefaultConfig() Config {
	return Config{
		RollingWindow:  5,
		SkipFirstEntry: true,
	}
}

// Log is the append-only step history.
//
// Thread Safety: Not safe for concurrent use. One Log belongs to one session.
type Log struct {
	cfg                Config
	symbols            []symbols.Symbol
	numGoals           int
	stepsSinceLastGoal int
	spans              []int
}

// NewLog creates an empty Log.
func NewLog(cfg Config) *Log {
	if cfg.RollingWindow < 1 {
		cfg.RollingWindow = DefaultConfig().RollingWindow
	}
	return &Log{cfg: cfg}
}

// Append records one observed step and reports whether it counted as a goal.
func (l *Log) Append(sym symbols.Symbol) bool {
	idx := len(l.symbols)
	l.symbols = append(l.symbols, sym)

	goal := sym.IsGoal() && !(idx == 0 && l.cfg.SkipFirstEntry)
	if !goal {
		l.stepsSinceLastGoal++
		return false
	}

	l.numGoals++
	l.spans = append(l.spans, l.stepsSinceLastGoal+1)
	l.stepsSinceLastGoal = 0
	return true
}

// Len returns the number of recorded steps.
func (l *Log) Len() int { return len(l.symbols) }

// NumGoals returns the number of goals found.
func (l *Log) NumGoals() int { return l.numGoals }

// StepsSinceLastGoal returns the steps taken since the most recent goal.
func (l *Log) StepsSinceLastGoal() int { return l.stepsSinceLastGoal }

// AvgSteps returns len/NumGoals, or len when no goal has been found.
func (l *Log) AvgSteps() float64 {
	if l.numGoals <= 0 {
		return float64(len(l.symbols))
	}
	return float64(len(l.symbols)) / float64(l.numGoals)
}

// RollingAvgSteps returns the mean length of the last RollingWindow
// goal-to-goal spans. Before any span closes it equals AvgSteps.
func (l *Log) RollingAvgSteps() float64 {
	if len(l.spans) == 0 {
		return l.AvgSteps()
	}
	recent := l.spans
	if len(recent) > l.cfg.RollingWindow {
		recent = recent[len(recent)-l.cfg.RollingWindow:]
	}
	total := 0
	for _, s := range recent {
		total += s
	}
	return float64(total) / float64(len(recent))
}

// Window returns the most recent size symbols.
func (l *Log) Window(size int) ([]symbols.Symbol, error) {
	return window(l.symbols, size)
}

// Snapshot returns a read-only view of the log and its counters.
func (l *Log) Snapshot() Snapshot {
	n := len(l.symbols)
	return Snapshot{
		Symbols:            l.symbols[:n:n],
		NumGoals:           l.numGoals,
		StepsSinceLastGoal: l.stepsSinceLastGoal,
		AvgSteps:           l.AvgSteps(),
		RollingAvgSteps:    l.RollingAvgSteps(),
		RollingWindow:      l.cfg.RollingWindow,
	}
}

// Snapshot is the per-step view of history handed to models and the
// scheduler. Symbols must not be modified.
type Snapshot struct {
	Symbols            []symbols.Symbol
	NumGoals           int
	StepsSinceLastGoal int
	AvgSteps           float64
	RollingAvgSteps    float64
	RollingWindow      int
}

// Len returns the number of symbols in the snapshot.
func (s Snapshot) Len() int { return len(s.Symbols) }

// Last returns the newest symbol and false if the snapshot is empty.
func (s Snapshot) Last() (symbols.Symbol, bool) {
	if len(s.Symbols) == 0 {
		return 0, false
	}
	return s.Symbols[len(s.Symbols)-1], true
}

// Window returns the most recent size symbols of the snapshot.
func (s Snapshot) Window(size int) ([]symbols.Symbol, error) {
	return window(s.Symbols, size)
}

func window(syms []symbols.Symbol, size int) ([]symbols.Symbol, error) {
	if size < 1 {
		return nil, fmt.Errorf("window size %d: %w", size, ErrInsufficientHistory)
	}
	n := len(syms)
	if size > n {
		return nil, fmt.Errorf("window of %d with %d steps: %w", size, n, ErrInsufficientHistory)
	}
	return syms[n-size : n : n], nil
}
