// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for environment sessions.
var (
	// ErrProtocolViolation indicates a message the planner cannot accept.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrReadTimeout indicates the environment stayed silent past the
	// retry budget.
	ErrReadTimeout = errors.New("timed out waiting for environment")

	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("protocol server closed")
)

// ViolationError carries the offending line.
type ViolationError struct {
	// Line is the raw message, without the trailing newline.
	Line string

	// Reason says what was wrong with it.
	Reason string
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s (line %q)", ErrProtocolViolation, e.Reason, truncate(e.Line, 64))
}

// Unwrap lets errors.Is match ErrProtocolViolation.
func (e *ViolationError) Unwrap() error { return ErrProtocolViolation }

func violation(line, format string, args ...any) error {
	return &ViolationError{Line: line, Reason: fmt.Sprintf(format, args...)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
