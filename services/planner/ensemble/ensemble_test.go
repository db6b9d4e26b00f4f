// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ensemble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/epsem/services/planner/history"
	"github.com/AleutianAI/epsem/services/planner/model"
	"github.com/AleutianAI/epsem/services/planner/symbols"
)

// cyclePredictor emits 'a' n-1 times then 'A', so every rollout has length
// n. With n <= 0 it never becomes confident about a goal.
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

type fixture struct {
	alpha   *symbols.Alphabet
	created atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	alpha, err := symbols.ParseAlphabet("ab", symbols.OrderPlainFirst)
	require.NoError(t, err)
	return &fixture{alpha: alpha}
}

// ensemble builds an ensemble whose member of window w rolls out lengths[w]
// symbols.
func (f *fixture) ensemble(t *testing.T, cfg Config, lengths map[int]int) *Ensemble {
	t.Helper()
	factory := func(in, classes int, _ int64) model.Predictor {
		f.created.Add(1)
		return &cyclePredictor{alpha: f.alpha, n: lengths[in/classes]}
	}
	mcfg := model.DefaultConfig()
	mcfg.MinRollout = 10
	mcfg.MaxRollout = 10
	mcfg.MinGoalConfidence = 0.5

	e, err := New(f.alpha, cfg, mcfg, WithModelOptions(model.WithPredictorFactory(factory)))
	require.NoError(t, err)
	return e
}

func configWith(sizes ...int) Config {
	cfg := DefaultConfig()
	cfg.WindowSizes = sizes
	return cfg
}

func snapshotOf(s string) history.Snapshot {
	l := history.NewLog(history.DefaultConfig())
	for _, sym := range symbols.FromString(s) {
		l.Append(sym)
	}
	return l.Snapshot()
}

func member(t *testing.T, e *Ensemble, w int) *model.WindowModel {
	t.Helper()
	for _, m := range e.Members() {
		if m.WindowSize() == w {
			return m
		}
	}
	t.Fatalf("no member with window %d in %v", w, e.WindowSizes())
	return nil
}

func TestSelectBest_ShortestNonEmptyWins(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 5, 7), map[int]int{3: 4, 5: 2, 7: 0})

	require.NoError(t, e.EnsureTrained(context.Background(), snapshotOf("abababababab")))
	assert.Equal(t, 4, member(t, e, 3).PathLen())
	assert.Equal(t, 2, member(t, e, 5).PathLen())
	assert.Equal(t, 0, member(t, e, 7).PathLen())

	best := e.SelectBest()
	require.NotNil(t, best)
	assert.Equal(t, 5, best.WindowSize())
	assert.Equal(t, model.StateInvalidated, member(t, e, 7).State())
	assert.Equal(t, model.StateTrained, member(t, e, 3).State())
}

func TestSelectBest_TieBreak(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		tie   TieBreak
		want  int
	}{
		{"member order", []int{5, 3}, TieMemberOrder, 5},
		{"smallest window", []int{5, 3}, TieSmallestWindow, 3},
		{"largest window", []int{3, 5}, TieLargestWindow, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cfg := configWith(tt.sizes...)
			cfg.TieBreak = tt.tie
			e := f.ensemble(t, cfg, map[int]int{3: 2, 5: 2})

			require.NoError(t, e.EnsureTrained(context.Background(), snapshotOf("abababab")))
			best := e.SelectBest()
			require.NotNil(t, best)
			assert.Equal(t, tt.want, best.WindowSize())
		})
	}
}

func TestSelectBest_NoneWhenAllEmpty(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3), map[int]int{})
	assert.Nil(t, e.SelectBest())
}

func TestEnsureTrained_NoViableModelAfterRetries(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 4, 5), map[int]int{})

	err := e.EnsureTrained(context.Background(), snapshotOf("abababababab"))
	assert.True(t, errors.Is(err, ErrNoViableModel))
	assert.Equal(t, int32(6), f.created.Load(), "each member trains once per attempt")
}

func TestEnsureTrained_SkipsMembersWithShortHistory(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 5, 7), map[int]int{3: 2, 5: 2, 7: 2})

	require.NoError(t, e.EnsureTrained(context.Background(), snapshotOf("abab")))
	assert.Equal(t, model.StateTrained, member(t, e, 3).State())
	assert.Equal(t, model.StateUntrained, member(t, e, 5).State())
	assert.Equal(t, model.StateUntrained, member(t, e, 7).State())
}

func TestEnsureTrained_InsufficientHistoryEverywhere(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 5), map[int]int{3: 2, 5: 2})

	err := e.EnsureTrained(context.Background(), snapshotOf("ab"))
	assert.True(t, errors.Is(err, ErrNoViableModel))
	assert.True(t, errors.Is(err, history.ErrInsufficientHistory))
}

func TestEnsureTrained_KeepsExistingRollouts(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 5), map[int]int{3: 3, 5: 2})
	snap := snapshotOf("abababab")

	require.NoError(t, e.EnsureTrained(context.Background(), snap))
	created := f.created.Load()
	require.NoError(t, e.EnsureTrained(context.Background(), snap))
	assert.Equal(t, created, f.created.Load())
}

func TestEnsureTrained_Cancelled(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3), map[int]int{3: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.EnsureTrained(ctx, snapshotOf("abababab"))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCommit_AdvancesMatchingAndClearsOthers(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 5), map[int]int{3: 3, 5: 2})
	require.NoError(t, e.EnsureTrained(context.Background(), snapshotOf("abababab")))

	e.Commit('a')
	assert.Equal(t, 2, member(t, e, 3).PathLen())
	assert.Equal(t, 1, member(t, e, 5).PathLen())

	e.Commit('b')
	assert.Equal(t, 0, member(t, e, 3).PathLen())
	assert.Equal(t, 0, member(t, e, 5).PathLen())
	assert.Equal(t, model.StateTrained, member(t, e, 3).State())
}

func TestResizeAround(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 5, 7), map[int]int{})
	five := member(t, e, 5)

	require.NoError(t, e.ResizeAround(5))
	assert.Equal(t, []int{4, 5, 6}, e.WindowSizes())
	assert.Same(t, five, member(t, e, 5))

	require.NoError(t, e.ResizeAround(1))
	assert.Equal(t, []int{1, 2, 3}, e.WindowSizes())
	assert.Equal(t, 1, e.MinWindowSize())
}

func TestOnGoal_RecentersOnPredictingMember(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 5, 7), map[int]int{3: 4, 4: 2, 5: 2, 6: 2, 7: 3})
	snap := snapshotOf("abababababab")
	require.NoError(t, e.EnsureTrained(context.Background(), snap))

	e.Commit('a')
	e.Commit('a')
	predictor := member(t, e, 5)
	require.True(t, predictor.Completed())

	w, err := e.OnGoal(context.Background(), snapshotOf("abababababaA"))
	require.NoError(t, err)
	assert.Equal(t, 5, w)
	assert.Equal(t, []int{4, 5, 6}, e.WindowSizes())
	assert.Same(t, predictor, member(t, e, 5))
	assert.Equal(t, 2, predictor.PathLen())
	assert.Equal(t, model.StateUntrained, member(t, e, 4).State())
	assert.Equal(t, model.StateUntrained, member(t, e, 6).State())
}

func TestOnGoal_WithoutPredictorInvalidatesAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 4, 5), map[int]int{3: 4, 4: 4, 5: 3})
	require.NoError(t, e.EnsureTrained(ctx, snapshotOf("abababab")))
	trained := f.created.Load()

	e.Commit('b')
	w, err := e.OnGoal(ctx, snapshotOf("abababaB"))
	require.NoError(t, err)
	assert.Equal(t, 0, w)
	assert.Equal(t, []int{3, 4, 5}, e.WindowSizes())
	for _, m := range e.Members() {
		assert.Equal(t, 0, m.PathLen())
		assert.Equal(t, model.StateInvalidated, m.State())
	}

	require.NoError(t, e.EnsureTrained(ctx, snapshotOf("abababaB")))
	assert.Equal(t, trained+3, f.created.Load(), "every member retrains after the goal")
}

func TestInvalidateAll(t *testing.T) {
	f := newFixture(t)
	e := f.ensemble(t, configWith(3, 5), map[int]int{3: 2, 5: 2})
	require.NoError(t, e.EnsureTrained(context.Background(), snapshotOf("abababab")))

	e.InvalidateAll()
	for _, m := range e.Members() {
		assert.Equal(t, model.StateInvalidated, m.State())
	}
}

func TestNew_RequiresWindowSizes(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.alpha, Config{}, model.DefaultConfig())
	assert.Error(t, err)
}
