// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller is the per-step state machine that turns each observed
// environment step into the next action.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/epsem/services/planner/ensemble"
	"github.com/AleutianAI/epsem/services/planner/explore"
	"github.com/AleutianAI/epsem/services/planner/history"
	"github.com/AleutianAI/epsem/services/planner/model"
	"github.com/AleutianAI/epsem/services/planner/symbols"
	"github.com/AleutianAI/epsem/services/planner/telemetry"
)

// ErrUnknownSymbol indicates the environment reported a symbol outside the
// negotiated alphabet.
var ErrUnknownSymbol = errors.New("symbol not in alphabet")

// State is the controller state for one step.
type State int

const (
	// StateWarmup acts randomly until enough goals and history exist to
	// train on.
	StateWarmup State = iota

	// StateLooping acts randomly because the agent has gone too long
	// without a goal.
	StateLooping

	// StatePlanning trains and simulates to pick a new rollout.
	StatePlanning

	// StateExploiting follows the remaining steps of the chosen rollout.
	StateExploiting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateWarmup:
		return "warmup"
	case StateLooping:
		return "looping"
	case StatePlanning:
		return "planning"
	case StateExploiting:
		return "exploiting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason says why an action was chosen.
type Reason string

const (
	// ReasonNoWindow means the environment sent an empty window.
	ReasonNoWindow Reason = "no_window"

	// ReasonWarmup means the controller is still warming up.
	ReasonWarmup Reason = "warmup"

	// ReasonLooping means loop detection forced a random action.
	ReasonLooping Reason = "looping"

	// ReasonExplore means the epsilon draw chose exploration.
	ReasonExplore Reason = "explore"

	// ReasonNoModel means no member produced a usable rollout.
	ReasonNoModel Reason = "no_model"

	// ReasonPlanned means the action came from a simulated rollout.
	ReasonPlanned Reason = "planned"
)

// GoalInfo describes a goal observed on this step.
type GoalInfo struct {
	Number           int     `json:"number"`
	Steps            int     `json:"steps"`
	AvgSteps         float64 `json:"avg_steps"`
	RollingAvgSteps  float64 `json:"rolling_avg_steps"`
	PercRegression   float64 `json:"perc_regression"`
	Epsilon          float64 `json:"epsilon"`
	PredictingWindow int     `json:"predicting_window"`
}

// Decision is the action chosen for one step.
type Decision struct {
	// Symbol is the plain-form action to send.
	Symbol symbols.Symbol

	// Random is true when Symbol was drawn uniformly from the alphabet.
	Random bool

	Reason Reason
	State  State

	// WindowSize and PathRemaining describe the followed rollout when
	// Random is false.
	WindowSize    int
	PathRemaining int

	Epsilon float64

	// Goal is set when the observed step reached a goal.
	Goal *GoalInfo
}

// Config aggregates everything one controller needs.
type Config struct {
	// TrainingThreshold is the number of goals seen before planning starts.
	TrainingThreshold int `json:"training_threshold" yaml:"training_threshold" validate:"min=0"`

	// Seed seeds random action draws.
	Seed int64 `json:"seed" yaml:"seed"`

	History  history.Config  `json:"history" yaml:"history"`
	Model    model.Config    `json:"model" yaml:"model"`
	Ensemble ensemble.Config `json:"ensemble" yaml:"ensemble"`
	Explore  explore.Config  `json:"explore" yaml:"explore"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		TrainingThreshold: 3,
		Seed:              1,
		History:           history.DefaultConfig(),
		Model:             model.DefaultConfig(),
		Ensemble:          ensemble.DefaultConfig(),
		Explore:           explore.DefaultConfig(),
	}
}

// Option configures a Controller.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	tracer    *telemetry.Tracer
	rng       *rand.Rand
	modelOpts []model.Option
}

// WithLogger sets the logger for the controller and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the span source.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithRand replaces the random source for action draws.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

// WithModelOptions passes options to every window model.
func WithModelOptions(opts ...model.Option) Option {
	return func(o *options) { o.modelOpts = append(o.modelOpts, opts...) }
}

// Controller owns one session's history, ensemble, and schedule.
//
// Thread Safety: Not safe for concurrent use. One goroutine drives Step.
type Controller struct {
	alphabet *symbols.Alphabet
	cfg      Config
	logger   *slog.Logger
	rng      *rand.Rand

	log   *history.Log
	ens   *ensemble.Ensemble
	sched *explore.Scheduler

	state      State
	looping    bool
	lastChosen *model.WindowModel
	warn       rate.Sometimes
}

// New creates a controller for an alphabet.
func New(alphabet *symbols.Alphabet, cfg Config, opts ...Option) (*Controller, error) {
	if alphabet == nil {
		return nil, errors.New("alphabet must not be nil")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(cfg.Seed))
	}

	ens, err := ensemble.New(alphabet, cfg.Ensemble, cfg.Model,
		ensemble.WithLogger(o.logger),
		ensemble.WithTracer(o.tracer),
		ensemble.WithModelOptions(o.modelOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("create ensemble: %w", err)
	}

	return &Controller{
		alphabet: alphabet,
		cfg:      cfg,
		logger:   o.logger,
		rng:      o.rng,
		log:      history.NewLog(cfg.History),
		ens:      ens,
		sched:    explore.NewScheduler(cfg.Explore, explore.WithLogger(o.logger)),
		state:    StateWarmup,
		warn:     rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}, nil
}

// Alphabet returns the session alphabet.
func (c *Controller) Alphabet() *symbols.Alphabet { return c.alphabet }

// Ensemble returns the ensemble. Callers must not mutate it.
func (c *Controller) Ensemble() *ensemble.Ensemble { return c.ens }

// Snapshot returns the current history view.
func (c *Controller) Snapshot() history.Snapshot { return c.log.Snapshot() }

// State returns the state of the last step.
func (c *Controller) State() State { return c.state }

// Explore returns the exploration schedule.
func (c *Controller) Explore() explore.State { return c.sched.State() }

// Step consumes the newest environment window and returns the next action.
//
// Description:
//
//	Only the last symbol of window is new. A single-letter window is the
//	environment's first report and is recorded in plain form. The chosen
//	action is committed to every ensemble member before Step returns.
//
// Inputs:
//   - ctx: Cancels training.
//   - window: The history text following the history sentinel.
//
// Outputs:
//   - Decision: The action and why it was chosen.
//   - error: ErrUnknownSymbol, model.ErrModelNotTrained, or a context
//     error. Recoverable planning failures become random actions instead.
func (c *Controller) Step(ctx context.Context, window string) (Decision, error) {
	if window == "" {
		return c.random(StateWarmup, ReasonNoWindow), nil
	}

	obs := symbols.Symbol(window[len(window)-1])
	if len(window) == 1 {
		obs = obs.Plain()
	}
	if !c.alphabet.Contains(obs) {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownSymbol, obs.String())
	}

	goal := c.log.Append(obs)
	snap := c.log.Snapshot()

	var info *GoalInfo
	if goal {
		var err error
		info, err = c.onGoal(ctx, snap)
		if err != nil {
			return Decision{}, err
		}
	}

	d, err := c.decide(ctx, snap)
	if err != nil {
		return Decision{}, err
	}
	d.Goal = info
	c.state = d.State
	c.ens.Commit(d.Symbol)
	return d, nil
}

func (c *Controller) onGoal(ctx context.Context, snap history.Snapshot) (*GoalInfo, error) {
	c.sched.OnGoal(snap)
	c.looping = false
	c.lastChosen = nil

	w, err := c.ens.OnGoal(ctx, snap)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		c.logger.Warn("ensemble goal update failed", slog.String("error", err.Error()))
	}

	st := c.sched.State()
	return &GoalInfo{
		Number:           snap.NumGoals,
		Steps:            c.lastSpan(snap),
		AvgSteps:         snap.AvgSteps,
		RollingAvgSteps:  snap.RollingAvgSteps,
		PercRegression:   st.PercRegression,
		Epsilon:          st.Epsilon,
		PredictingWindow: w,
	}, nil
}

// lastSpan counts the steps from the previous goal to the newest one.
func (c *Controller) lastSpan(snap history.Snapshot) int {
	n := snap.Len()
	first := 0
	if c.cfg.History.SkipFirstEntry {
		first = 1
	}
	for i := n - 2; i >= first; i-- {
		if snap.Symbols[i].IsGoal() {
			return n - 1 - i
		}
	}
	return n
}

func (c *Controller) decide(ctx context.Context, snap history.Snapshot) (Decision, error) {
	if snap.NumGoals < c.cfg.TrainingThreshold || snap.Len() <= c.ens.MinWindowSize() {
		return c.random(StateWarmup, ReasonWarmup), nil
	}

	if c.sched.ShouldForceExplore(snap) {
		if !c.looping {
			c.looping = true
			c.lastChosen = nil
			c.ens.InvalidateAll()
			c.logger.Info("looping detected, invalidating ensemble",
				slog.Int("steps_since_last_goal", snap.StepsSinceLastGoal),
				slog.Float64("avg_steps", snap.AvgSteps),
			)
		}
		return c.random(StateLooping, ReasonLooping), nil
	}
	c.looping = false

	explored := c.sched.ShouldExplore(float64(snap.NumGoals))
	telemetry.SetEpsilon(c.sched.State().Epsilon)
	if explored {
		return c.random(StatePlanning, ReasonExplore), nil
	}

	inProgress := 0
	if c.lastChosen != nil {
		inProgress = c.lastChosen.PathLen()
	}

	if err := c.ens.EnsureTrained(ctx, snap); err != nil {
		if fatal(err) {
			return Decision{}, err
		}
		c.warn.Do(func() {
			c.logger.Warn("no viable model, acting randomly",
				slog.Int("history_len", snap.Len()),
				slog.String("error", err.Error()),
			)
		})
		c.lastChosen = nil
		return c.random(StatePlanning, ReasonNoModel), nil
	}

	best := c.ens.SelectBest()
	if best == nil {
		c.lastChosen = nil
		return c.random(StatePlanning, ReasonNoModel), nil
	}
	head, _ := best.Head()

	state := StatePlanning
	if best == c.lastChosen && inProgress > 0 {
		state = StateExploiting
	}
	c.lastChosen = best

	return Decision{
		Symbol:        head.Plain(),
		Reason:        ReasonPlanned,
		State:         state,
		WindowSize:    best.WindowSize(),
		PathRemaining: best.PathLen() - 1,
		Epsilon:       c.sched.State().Epsilon,
	}, nil
}

func (c *Controller) random(state State, reason Reason) Decision {
	actions := c.alphabet.Actions()
	return Decision{
		Symbol:  actions[c.rng.Intn(len(actions))],
		Random:  true,
		Reason:  reason,
		State:   state,
		Epsilon: c.sched.State().Epsilon,
	}
}

// fatal reports whether err must end the session.
func fatal(err error) bool {
	return errors.Is(err, model.ErrModelNotTrained) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
