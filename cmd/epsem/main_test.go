// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/epsem/services/planner/config"
	"github.com/AleutianAI/epsem/services/planner/results"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestUseText_ExplicitFormats(t *testing.T) {
	assert.True(t, useText("text", nil))
	assert.False(t, useText("json", nil))
}

func TestApplyServeFlags(t *testing.T) {
	defer func() { listenAddr, statusAddr, noStatus = "", "", false }()
	listenAddr = "127.0.0.1:1234"
	noStatus = true

	cfg := config.Default()
	applyServeFlags(&cfg)
	assert.Equal(t, "127.0.0.1:1234", cfg.Protocol.ListenAddr)
	assert.False(t, cfg.Status.Enabled)
	assert.Equal(t, config.Default().Status.ListenAddr, cfg.Status.ListenAddr)
}

func TestRenderSessions(t *testing.T) {
	assert.Contains(t, renderSessions(nil), "no recorded sessions")

	out := renderSessions([]results.SessionSummary{{
		SessionInfo: results.SessionInfo{ID: "run-7", Alphabet: "abc", StartedAt: time.Now()},
		Goals:       4,
		TotalSteps:  30,
	}})
	assert.Contains(t, out, "1 recorded sessions")
	assert.Contains(t, out, "run-7")
	assert.Contains(t, out, "7.50")
}

func TestRenderGoals(t *testing.T) {
	assert.Contains(t, renderGoals("x", nil), "reached no goals")

	out := renderGoals("run-7", []results.GoalRecord{
		{Number: 1, Steps: 12},
		{Number: 2, Steps: 5, PredictingWindow: 4},
	})
	lines := strings.Split(out, "\n")
	assert.Contains(t, lines[0], "session run-7")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "-")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["stats"])
}
