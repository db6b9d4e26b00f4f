// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"fmt"
)

// Config controls predictor training and rollout simulation.
type Config struct {
	// HiddenUnits is the width of the predictor's hidden layer.
	HiddenUnits int `json:"hidden_units" yaml:"hidden_units" validate:"min=1"`

	// Epochs is the number of passes over the training corpus.
	Epochs int `json:"epochs" yaml:"epochs" validate:"min=1"`

	// BatchSize is the number of examples per optimizer step.
	BatchSize int `json:"batch_size" yaml:"batch_size" validate:"min=1"`

	// LearningRate is the Adam step size.
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" validate:"gt=0"`

	// Dropout is the hidden-unit drop probability during training.
	Dropout float64 `json:"dropout" yaml:"dropout" validate:"gte=0,lt=1"`

	// RolloutMultiplier scales the average steps-to-goal into the
	// maximum rollout length.
	RolloutMultiplier float64 `json:"rollout_multiplier" yaml:"rollout_multiplier" validate:"gt=0"`

	// MinRollout and MaxRollout clamp the rollout length.
	MinRollout int `json:"min_rollout" yaml:"min_rollout" validate:"min=1"`
	MaxRollout int `json:"max_rollout" yaml:"max_rollout" validate:"gtefield=MinRollout"`

	// MinGoalConfidence is the smallest goal-class probability that can
	// close an exhausted rollout. Below it the rollout is empty. Zero
	// always closes it with the best goal seen.
	MinGoalConfidence float64 `json:"min_goal_confidence" yaml:"min_goal_confidence" validate:"gte=0,lte=1"`

	// PruneDuplicatePaths trains on the history with repeated
	// goal-terminated paths removed.
	PruneDuplicatePaths bool `json:"prune_duplicate_paths" yaml:"prune_duplicate_paths"`

	// Seed makes training reproducible.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultConfig returns the default model configuration.
func DefaultConfig() Config {
	return Config{
		HiddenUnits:       16,
		Epochs:            20,
		BatchSize:         32,
		LearningRate:      0.01,
		Dropout:           0.2,
		RolloutMultiplier: 2.0,
		MinRollout:        8,
		MaxRollout:        256,
		MinGoalConfidence: 0,
		Seed:              1,
	}
}

// Validate checks the configuration for values the model cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HiddenUnits < 1 {
		errs = append(errs, fmt.Errorf("hidden_units must be >= 1, got %d", c.HiddenUnits))
	}
	if c.Epochs < 1 {
		errs = append(errs, fmt.Errorf("epochs must be >= 1, got %d", c.Epochs))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be > 0, got %v", c.LearningRate))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("dropout must be in [0,1), got %v", c.Dropout))
	}
	if c.RolloutMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("rollout_multiplier must be > 0, got %v", c.RolloutMultiplier))
	}
	if c.MinRollout < 1 || c.MaxRollout < c.MinRollout {
		errs = append(errs, fmt.Errorf("rollout bounds [%d,%d] invalid", c.MinRollout, c.MaxRollout))
	}
	if c.MinGoalConfidence < 0 || c.MinGoalConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_goal_confidence must be in [0,1], got %v", c.MinGoalConfidence))
	}
	return errors.Join(errs...)
}
