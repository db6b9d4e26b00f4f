// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/epsem/services/planner/model"
	"github.com/AleutianAI/epsem/services/planner/symbols"
)

// cyclePredictor rolls out n-1 plain 'a' symbols then 'A'. With n <= 0 it
// never becomes confident about a goal.
type cyclePredictor struct {
	alpha *symbols.Alphabet
	n     int
	calls int
}

func (p *cyclePredictor) Fit(context.Context, [][]float64, []int) error { return nil }

func (p *cyclePredictor) Predict([]float64) []float64 {
	out := make([]float64, p.alpha.Size())
	if p.n <= 0 {
		out[p.alpha.Index('b')] = 0.99
		out[p.alpha.Index('A')] = 0.01
		return out
	}
	p.calls++
	if p.calls%p.n == 0 {
		out[p.alpha.Index('A')] = 1
	} else {
		out[p.alpha.Index('a')] = 1
	}
	return out
}

func newController(t *testing.T, n int, mutate func(*Config)) *Controller {
	t.Helper()
	alpha, err := symbols.ParseAlphabet("ab", symbols.OrderPlainFirst)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TrainingThreshold = 1
	cfg.Ensemble.WindowSizes = []int{1, 2}
	cfg.Model.MinRollout = 10
	cfg.Model.MaxRollout = 10
	cfg.Model.MinGoalConfidence = 0.5
	cfg.Explore.UpperBound = 0
	if mutate != nil {
		mutate(&cfg)
	}

	factory := func(int, int, int64) model.Predictor {
		return &cyclePredictor{alpha: alpha, n: n}
	}
	c, err := New(alpha, cfg, WithModelOptions(model.WithPredictorFactory(factory)))
	require.NoError(t, err)
	return c
}

// feed sends seq one step at a time the way the environment does: each
// window ends with the newest step.
func feed(t *testing.T, c *Controller, seq string) []Decision {
	t.Helper()
	var out []Decision
	for i := range seq {
		window := seq[max(0, i-2) : i+1]
		d, err := c.Step(context.Background(), window)
		require.NoError(t, err, "step %d window %q", i, window)
		require.True(t, c.Alphabet().Contains(d.Symbol))
		require.False(t, d.Symbol.IsGoal())
		out = append(out, d)
	}
	return out
}

func TestStep_WarmupUntilThreshold(t *testing.T) {
	c := newController(t, 2, func(cfg *Config) { cfg.TrainingThreshold = 3 })

	decisions := feed(t, c, "abAb")
	for i, d := range decisions {
		assert.Equal(t, StateWarmup, d.State, "step %d", i)
		assert.True(t, d.Random)
		assert.Equal(t, ReasonWarmup, d.Reason)
	}
	require.NotNil(t, decisions[2].Goal)
	assert.Equal(t, 1, decisions[2].Goal.Number)
	assert.Equal(t, 3, decisions[2].Goal.Steps)
	assert.Nil(t, decisions[3].Goal)
}

func TestStep_FirstWindowIsLowercased(t *testing.T) {
	c := newController(t, 2, nil)
	_, err := c.Step(context.Background(), "A")
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, "a", symbols.Join(snap.Symbols))
	assert.Equal(t, 0, snap.NumGoals)
}

func TestStep_EmptyWindow(t *testing.T) {
	c := newController(t, 2, nil)
	d, err := c.Step(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, d.Random)
	assert.Equal(t, ReasonNoWindow, d.Reason)
	assert.Equal(t, 0, c.Snapshot().Len())
}

func TestStep_UnknownSymbol(t *testing.T) {
	c := newController(t, 2, nil)
	_, err := c.Step(context.Background(), "abz")
	assert.True(t, errors.Is(err, ErrUnknownSymbol))
}

func TestStep_PlansThenExploitsThenRecenters(t *testing.T) {
	c := newController(t, 2, nil)

	decisions := feed(t, c, "abA")
	d := decisions[2]
	assert.Equal(t, StatePlanning, d.State)
	assert.Equal(t, ReasonPlanned, d.Reason)
	assert.False(t, d.Random)
	assert.Equal(t, symbols.Symbol('a'), d.Symbol)
	assert.Equal(t, 1, d.WindowSize)
	assert.Equal(t, 1, d.PathRemaining)
	require.NotNil(t, d.Goal)
	assert.Equal(t, 0, d.Goal.PredictingWindow)

	d, err := c.Step(context.Background(), "bAa")
	require.NoError(t, err)
	assert.Equal(t, StateExploiting, d.State)
	assert.Equal(t, symbols.Symbol('a'), d.Symbol)
	assert.Equal(t, 0, d.PathRemaining)

	d, err = c.Step(context.Background(), "AaA")
	require.NoError(t, err)
	require.NotNil(t, d.Goal)
	assert.Equal(t, 2, d.Goal.Number)
	assert.Equal(t, 2, d.Goal.Steps)
	assert.Equal(t, 2, d.Goal.PredictingWindow)
	assert.Equal(t, []int{1, 2, 3}, c.Ensemble().WindowSizes())
	assert.Equal(t, StatePlanning, d.State)
	assert.Equal(t, StatePlanning, c.State())
}

func TestStep_LoopingInvalidatesEnsemble(t *testing.T) {
	c := newController(t, 2, func(cfg *Config) { cfg.Ensemble.WindowSizes = []int{1} })

	// Four goals in eight steps, then seven misses: the threshold is
	// 2 × (15/4) = 7.5, so the eighth miss is the first looping step.
	decisions := feed(t, c, "aAaAaAaAbbbbbbb")
	for i, d := range decisions {
		assert.NotEqual(t, StateLooping, d.State, "step %d", i)
	}

	d, err := c.Step(context.Background(), "bbb")
	require.NoError(t, err)
	assert.Equal(t, StateLooping, d.State)
	assert.Equal(t, ReasonLooping, d.Reason)
	assert.True(t, d.Random)
	for _, m := range c.Ensemble().Members() {
		assert.Equal(t, model.StateInvalidated, m.State())
	}
}

func TestStep_NoViableModelFallsBackToRandom(t *testing.T) {
	c := newController(t, 0, nil)

	decisions := feed(t, c, "abA")
	d := decisions[2]
	assert.True(t, d.Random)
	assert.Equal(t, ReasonNoModel, d.Reason)
	assert.Equal(t, StatePlanning, d.State)
}

func TestStep_EpsilonDrawPreemptsPlanning(t *testing.T) {
	c := newController(t, 2, func(cfg *Config) {
		cfg.Explore.UpperBound = 1
		cfg.Explore.HShift = 1000
	})

	decisions := feed(t, c, "abA")
	d := decisions[2]
	assert.True(t, d.Random)
	assert.Equal(t, ReasonExplore, d.Reason)
	assert.InDelta(t, 1.0, d.Epsilon, 1e-9)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "warmup", StateWarmup.String())
	assert.Equal(t, "looping", StateLooping.String())
	assert.Equal(t, "planning", StatePlanning.String())
	assert.Equal(t, "exploiting", StateExploiting.String())
}
