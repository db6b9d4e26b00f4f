// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ensemble runs several window models of different sizes side by
// side and picks the one whose rollout reaches a goal soonest.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/epsem/services/planner/history"
	"github.com/AleutianAI/epsem/services/planner/model"
	"github.com/AleutianAI/epsem/services/planner/symbols"
	"github.com/AleutianAI/epsem/services/planner/telemetry"
)

// ErrNoViableModel indicates every member produced an empty rollout after
// the retry budget. Callers fall back to a random action.
var ErrNoViableModel = errors.New("no viable model")

// TieBreak orders members whose rollouts have equal length.
type TieBreak string

const (
	// TieMemberOrder prefers the member listed first.
	TieMemberOrder TieBreak = "member_order"

	// TieSmallestWindow prefers the smaller window size.
	TieSmallestWindow TieBreak = "smallest_window"

	// TieLargestWindow prefers the larger window size.
	TieLargestWindow TieBreak = "largest_window"
)

// Config controls ensemble composition and training retries.
type Config struct {
	// WindowSizes are the initial member window sizes, in preference order.
	WindowSizes []int `json:"window_sizes" yaml:"window_sizes" validate:"min=1,dive,min=1"`

	// Spread is how far ResizeAround reaches on each side of the center.
	Spread int `json:"spread" yaml:"spread" validate:"min=1"`

	// MaxTrainAttempts bounds EnsureTrained passes.
	MaxTrainAttempts int `json:"max_train_attempts" yaml:"max_train_attempts" validate:"min=1"`

	// MaxParallel bounds concurrent member training.
	MaxParallel int `json:"max_parallel" yaml:"max_parallel" validate:"min=1"`

	// TieBreak selects among equally short rollouts.
	TieBreak TieBreak `json:"tie_break" yaml:"tie_break" validate:"oneof=member_order smallest_window largest_window"`
}

// DefaultConfig returns three members bracketing a window of five.
func DefaultConfig() Config {
	return Config{
		WindowSizes:      []int{4, 5, 6},
		Spread:           1,
		MaxTrainAttempts: 2,
		MaxParallel:      3,
		TieBreak:         TieMemberOrder,
	}
}

// Option configures an Ensemble.
type Option func(*Ensemble)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Ensemble) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the span source for training and simulation.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Ensemble) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithModelOptions passes options to every member the ensemble creates.
func WithModelOptions(opts ...model.Option) Option {
	return func(e *Ensemble) {
		e.modelOpts = append(e.modelOpts, opts...)
	}
}

// Ensemble owns a small set of window models.
//
// Thread Safety: Not safe for concurrent use. EnsureTrained fans out across
// members internally and joins before returning.
type Ensemble struct {
	alphabet  *symbols.Alphabet
	cfg       Config
	modelCfg  model.Config
	modelOpts []model.Option
	logger    *slog.Logger
	tracer    *telemetry.Tracer
	members   []*model.WindowModel
}

// New creates an ensemble with one untrained member per configured size.
func New(alphabet *symbols.Alphabet, cfg Config, modelCfg model.Config, opts ...Option) (*Ensemble, error) {
	if len(cfg.WindowSizes) == 0 {
		return nil, errors.New("ensemble needs at least one window size")
	}
	if cfg.MaxTrainAttempts < 1 {
		cfg.MaxTrainAttempts = 1
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.Spread < 1 {
		cfg.Spread = 1
	}
	e := &Ensemble{
		alphabet: alphabet,
		cfg:      cfg,
		modelCfg: modelCfg,
		logger:   slog.Default(),
		tracer:   telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, w := range cfg.WindowSizes {
		m, err := e.newMember(w)
		if err != nil {
			return nil, err
		}
		e.members = append(e.members, m)
	}
	return e, nil
}

func (e *Ensemble) newMember(w int) (*model.WindowModel, error) {
	opts := append([]model.Option{model.WithLogger(e.logger)}, e.modelOpts...)
	m, err := model.NewWindowModel(w, e.alphabet, e.modelCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("create member window %d: %w", w, err)
	}
	return m, nil
}

// Members returns the members in preference order.
func (e *Ensemble) Members() []*model.WindowModel {
	return slices.Clone(e.members)
}

// WindowSizes returns the member window sizes in preference order.
func (e *Ensemble) WindowSizes() []int {
	out := make([]int, len(e.members))
	for i, m := range e.members {
		out[i] = m.WindowSize()
	}
	return out
}

// MinWindowSize returns the smallest member window size.
func (e *Ensemble) MinWindowSize() int {
	return slices.Min(e.WindowSizes())
}

// EnsureTrained brings every member to a trained state with a fresh rollout.
//
// Description:
//
//	Members that are not trained are trained and simulated. Trained members
//	with an empty rollout are simulated again. Members run concurrently and
//	the call returns once all finish. If every rollout is still empty, the
//	next pass retrains those members, up to MaxTrainAttempts passes.
//
// Inputs:
//   - ctx: Cancels in-flight training.
//   - snap: The history snapshot to train and simulate from.
//
// Outputs:
//   - error: ErrNoViableModel if no member has a rollout after every pass;
//     model.ErrModelNotTrained or a context error on failure. Members whose
//     history is too short are skipped.
func (e *Ensemble) EnsureTrained(ctx context.Context, snap history.Snapshot) error {
	var lastErrs []error
	for attempt := 1; attempt <= e.cfg.MaxTrainAttempts; attempt++ {
		if attempt > 1 {
			for _, m := range e.members {
				if m.State() == model.StateTrained && m.PathLen() == 0 {
					m.Invalidate()
				}
			}
		}

		errs, err := e.prepareAll(ctx, snap)
		if err != nil {
			return err
		}
		lastErrs = errs
		if e.hasRollout() {
			return nil
		}
		e.logger.Debug("no member produced a rollout",
			slog.Int("attempt", attempt),
			slog.Int("history_len", snap.Len()),
		)
	}
	telemetry.RecordNoViableModel()
	if len(lastErrs) > 0 {
		return fmt.Errorf("%w after %d attempts: %w", ErrNoViableModel, e.cfg.MaxTrainAttempts, errors.Join(lastErrs...))
	}
	return fmt.Errorf("%w after %d attempts", ErrNoViableModel, e.cfg.MaxTrainAttempts)
}

// prepareAll trains and simulates every member that needs it. Recoverable
// per-member errors are returned in the slice; fatal ones as err.
func (e *Ensemble) prepareAll(ctx context.Context, snap history.Snapshot) ([]error, error) {
	results := make([]error, len(e.members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)

	for i, m := range e.members {
		if m.State() == model.StateTrained && m.PathLen() > 0 {
			continue
		}
		g.Go(func() error {
			err := e.prepare(gctx, m, snap)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, history.ErrInsufficientHistory):
				results[i] = err
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var errs []error
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs, nil
}

func (e *Ensemble) prepare(ctx context.Context, m *model.WindowModel, snap history.Snapshot) error {
	if m.State() != model.StateTrained {
		tctx, span := e.tracer.StartTrain(ctx, m.WindowSize(), snap.Len())
		start := time.Now()
		err := m.Train(tctx, snap)
		telemetry.RecordTraining(m.WindowSize(), time.Since(start), err)
		e.tracer.End(span, err)
		if err != nil {
			return err
		}
	}
	return e.simulate(ctx, m, snap)
}

func (e *Ensemble) simulate(ctx context.Context, m *model.WindowModel, snap history.Snapshot) error {
	sctx, span := e.tracer.StartSimulate(ctx, m.WindowSize())
	path, err := m.Simulate(sctx, snap)
	e.tracer.End(span, err, attribute.Int("planner.sim_path_len", len(path)))
	if err != nil {
		return err
	}
	telemetry.RecordSimulation(m.WindowSize(), len(path))
	return nil
}

func (e *Ensemble) hasRollout() bool {
	for _, m := range e.members {
		if m.PathLen() > 0 {
			return true
		}
	}
	return false
}

// SelectBest returns the member with the shortest non-empty rollout, or nil
// if there is none. Members with empty rollouts are invalidated so the next
// EnsureTrained retrains them.
func (e *Ensemble) SelectBest() *model.WindowModel {
	var best *model.WindowModel
	for _, m := range e.members {
		if m.PathLen() == 0 {
			m.Invalidate()
			continue
		}
		if best == nil || e.better(m, best) {
			best = m
		}
	}
	return best
}

// better reports whether a should replace the current best b.
func (e *Ensemble) better(a, b *model.WindowModel) bool {
	if a.PathLen() != b.PathLen() {
		return a.PathLen() < b.PathLen()
	}
	switch e.cfg.TieBreak {
	case TieSmallestWindow:
		return a.WindowSize() < b.WindowSize()
	case TieLargestWindow:
		return a.WindowSize() > b.WindowSize()
	default:
		return false
	}
}

// Commit tells every member that sym was emitted.
func (e *Ensemble) Commit(sym symbols.Symbol) {
	for _, m := range e.members {
		m.AdvanceIfMatches(sym)
	}
}

// InvalidateAll forces every member to retrain.
func (e *Ensemble) InvalidateAll() {
	for _, m := range e.members {
		m.Invalidate()
	}
}

// ResizeAround re-centers the ensemble on window size w, keeping members
// whose size survives.
func (e *Ensemble) ResizeAround(w int) error {
	lo := w - e.cfg.Spread
	if lo < 1 {
		lo = 1
	}
	hi := lo + 2*e.cfg.Spread

	existing := make(map[int]*model.WindowModel, len(e.members))
	for _, m := range e.members {
		existing[m.WindowSize()] = m
	}

	members := make([]*model.WindowModel, 0, hi-lo+1)
	for size := lo; size <= hi; size++ {
		if m, ok := existing[size]; ok {
			members = append(members, m)
			continue
		}
		m, err := e.newMember(size)
		if err != nil {
			return err
		}
		members = append(members, m)
	}
	e.members = members
	return nil
}

// OnGoal updates the ensemble after the environment reported a goal.
//
// Description:
//
//	The member whose rollout ended exactly on this goal is the predicting
//	member. The ensemble is re-centered on its window size, it re-simulates
//	from the new history, and every other member is invalidated. With no
//	predicting member every member is invalidated and retrains on the
//	history that now includes this goal.
//
// Outputs:
//   - int: The predicting window size, or 0 if no member predicted the goal.
//   - error: Non-nil if resizing or re-simulation failed.
func (e *Ensemble) OnGoal(ctx context.Context, snap history.Snapshot) (int, error) {
	var predictor *model.WindowModel
	for _, m := range e.members {
		if m.Completed() {
			predictor = m
		}
	}
	if predictor == nil {
		e.InvalidateAll()
		return 0, nil
	}

	w := predictor.WindowSize()
	if err := e.ResizeAround(w); err != nil {
		return w, err
	}
	for _, m := range e.members {
		if m == predictor {
			continue
		}
		m.Invalidate()
	}
	predictor.ClearPath()
	if err := e.simulate(ctx, predictor, snap); err != nil {
		return w, fmt.Errorf("re-simulate predicting window %d: %w", w, err)
	}

	e.logger.Debug("ensemble re-centered on predicting model",
		slog.Int("window_size", w),
		slog.Any("window_sizes", e.WindowSizes()),
	)
	return w, nil
}
