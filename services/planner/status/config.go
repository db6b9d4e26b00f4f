// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package status

// Config controls the HTTP status surface.
type Config struct {
	// Enabled starts the status server alongside the planner.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddr is the HTTP address.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" validate:"required_if=Enabled true"`

	// EventHistory is how many recent events /v1/planner/events returns
	// and the bus retains.
	EventHistory int `json:"event_history" yaml:"event_history" validate:"min=1"`

	// StreamBuffer is the per-client websocket buffer. Slow clients lose
	// events beyond it.
	StreamBuffer int `json:"stream_buffer" yaml:"stream_buffer" validate:"min=1"`
}

// DefaultConfig serves status on localhost:9027.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		ListenAddr:   "127.0.0.1:9027",
		EventHistory: 512,
		StreamBuffer: 64,
	}
}
