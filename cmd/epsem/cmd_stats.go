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
	"fmt"
	"log/slog"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/epsem/services/planner/results"
)

var (
	colorTeal  = lipgloss.Color("#20B9B4")
	colorSlate = lipgloss.Color("#2C4A54")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorTeal)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorTeal).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorSlate)
)

// runStats reads the journal. The store is locked by a running serve, so
// stats is meant for finished runs.
func runStats(cmd *cobra.Command, _ []string) error {
	store, err := results.OpenStore(loadedConfig.Store, logger.With(slog.String("component", "stats")))
	if err != nil {
		return fmt.Errorf("open results (is epsem serve still running?): %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if statsID != "" {
		goals, err := store.Goals(cmd.Context(), statsID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, renderGoals(statsID, goals))
		return nil
	}

	sessions, err := store.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, renderSessions(sessions))
	return nil
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorSlate)).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderSessions(sessions []results.SessionSummary) string {
	if len(sessions) == 0 {
		return mutedStyle.Render("no recorded sessions")
	}
	t := newTable("SESSION", "ALPHABET", "STARTED", "GOALS", "STEPS", "AVG STEPS")
	for _, s := range sessions {
		t.Row(
			s.ID,
			s.Alphabet,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(s.Goals),
			strconv.Itoa(s.TotalSteps),
			strconv.FormatFloat(s.AvgSteps(), 'f', 2, 64),
		)
	}
	return titleStyle.Render(fmt.Sprintf("%d recorded sessions", len(sessions))) + "\n" + t.String()
}

func renderGoals(sessionID string, goals []results.GoalRecord) string {
	if len(goals) == 0 {
		return mutedStyle.Render("session " + sessionID + " reached no goals")
	}
	t := newTable("GOAL", "STEPS", "AVG", "ROLLING", "REGRESSION", "EPSILON", "WINDOW")
	for _, g := range goals {
		window := "-"
		if g.PredictingWindow > 0 {
			window = strconv.Itoa(g.PredictingWindow)
		}
		t.Row(
			strconv.Itoa(g.Number),
			strconv.Itoa(g.Steps),
			strconv.FormatFloat(g.AvgSteps, 'f', 2, 64),
			strconv.FormatFloat(g.RollingAvgSteps, 'f', 2, 64),
			strconv.FormatFloat(g.PercRegression, 'f', 3, 64),
			strconv.FormatFloat(g.Epsilon, 'f', 3, 64),
			window,
		)
	}
	return titleStyle.Render("session "+sessionID) + "\n" + t.String()
}
