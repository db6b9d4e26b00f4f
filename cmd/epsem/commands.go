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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/epsem/services/planner/config"
)

// --- Global Command Variables ---
var (
	configPath string
	listenAddr string
	statusAddr string
	noStatus   bool
	statsID    string

	loadedConfig config.Config
	logger       *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "epsem",
		Short: "Adaptive window-model planner for blind FSM exploration",
		Long: `epsem listens for an environment on a line socket, learns the
environment's structure from the action history it reports, and answers
every step with the next action to try.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			loadedConfig = cfg
			logger = newLogger(cfg.Logging, os.Stderr)
			slog.SetDefault(logger)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve environment sessions until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded sessions, or one session's goals with --session",
		Args:  cobra.NoArgs,
		RunE:  runStats, // Defined in cmd_stats.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML or JSON config file (EPSEM_* variables override it)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "environment listen address, overrides protocol.listen_addr")
	serveCmd.Flags().StringVar(&statusAddr, "status-addr", "", "status HTTP address, overrides status.listen_addr")
	serveCmd.Flags().BoolVar(&noStatus, "no-status", false, "do not start the status HTTP server")

	statsCmd.Flags().StringVarP(&statsID, "session", "s", "", "show the goals of one session")

	rootCmd.AddCommand(serveCmd, statsCmd)
}
