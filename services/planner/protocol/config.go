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
	"time"

	"github.com/AleutianAI/epsem/services/planner/symbols"
)

// Config controls the environment listener and its sessions.
type Config struct {
	// ListenAddr is the TCP address the environment connects to.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" validate:"required,hostname_port"`

	// Sentinel prefixes every message.
	Sentinel string `json:"sentinel" yaml:"sentinel" validate:"required"`

	// AlphabetOrder lays out the overall alphabet for every session.
	AlphabetOrder symbols.Order `json:"alphabet_order" yaml:"alphabet_order" validate:"omitempty,oneof=plain_first interleaved"`

	// ReadTimeout bounds one read attempt.
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gt=0"`

	// MaxReadRetries is how many silent read attempts are tolerated
	// before the session fails with ErrReadTimeout.
	MaxReadRetries int `json:"max_read_retries" yaml:"max_read_retries" validate:"min=0"`

	// MaxLineBytes caps one message.
	MaxLineBytes int `json:"max_line_bytes" yaml:"max_line_bytes" validate:"min=64"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:9026",
		Sentinel:       DefaultSentinel,
		AlphabetOrder:  symbols.OrderPlainFirst,
		ReadTimeout:    10 * time.Second,
		MaxReadRetries: 100,
		MaxLineBytes:   1 << 20,
	}
}
