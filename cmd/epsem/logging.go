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
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/epsem/services/planner/config"
)

// newLogger builds the process logger. Format "auto" picks text on a
// terminal and JSON otherwise.
func newLogger(cfg config.LoggingConfig, f *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if useText(cfg.Format, f) {
		handler = slog.NewTextHandler(f, opts)
	} else {
		handler = slog.NewJSONHandler(f, opts)
	}
	return slog.New(handler.WithAttrs([]slog.Attr{slog.String("service", "epsem")}))
}

func useText(format string, f *os.File) bool {
	switch format {
	case "text":
		return true
	case "json":
		return false
	default:
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
