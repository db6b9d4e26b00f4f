// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package results journals every goal a session reaches so experiment runs
// can be compared afterwards.
package results

import (
	"context"
	"errors"
	"time"
)

// SessionInfo identifies a session when it starts.
type SessionInfo struct {
	ID        string    `json:"id"`
	Alphabet  string    `json:"alphabet"`
	Remote    string    `json:"remote,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// SessionSummary is the stored per-session roll-up.
type SessionSummary struct {
	SessionInfo
	Goals      int       `json:"goals"`
	TotalSteps int       `json:"total_steps"`
	LastGoalAt time.Time `json:"last_goal_at,omitempty"`
}

// AvgSteps returns TotalSteps/Goals, or 0 with no goals.
func (s SessionSummary) AvgSteps() float64 {
	if s.Goals == 0 {
		return 0
	}
	return float64(s.TotalSteps) / float64(s.Goals)
}

// GoalRecord is one reached goal.
type GoalRecord struct {
	SessionID        string    `json:"session_id"`
	Alphabet         string    `json:"alphabet"`
	Number           int       `json:"number"`
	Steps            int       `json:"steps"`
	AvgSteps         float64   `json:"avg_steps"`
	RollingAvgSteps  float64   `json:"rolling_avg_steps"`
	PercRegression   float64   `json:"perc_regression"`
	Epsilon          float64   `json:"epsilon"`
	PredictingWindow int       `json:"predicting_window"`
	Timestamp        time.Time `json:"timestamp"`
}

// Recorder persists session starts and goals.
type Recorder interface {
	StartSession(ctx context.Context, info SessionInfo) error
	RecordGoal(ctx context.Context, rec GoalRecord) error
	Close() error
}

// Multi fans every call out to several recorders.
type Multi []Recorder

// StartSession calls every recorder and joins their errors.
func (m Multi) StartSession(ctx context.Context, info SessionInfo) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.StartSession(ctx, info))
	}
	return errors.Join(errs...)
}

// RecordGoal calls every recorder and joins their errors.
func (m Multi) RecordGoal(ctx context.Context, rec GoalRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.RecordGoal(ctx, rec))
	}
	return errors.Join(errs...)
}

// Close closes every recorder and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) StartSession(context.Context, SessionInfo) error { return nil }
func (Nop) RecordGoal(context.Context, GoalRecord) error     { return nil }
func (Nop) Close() error                                     { return nil }
