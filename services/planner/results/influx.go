// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxConfig points the goal time series at an InfluxDB bucket.
type InfluxConfig struct {
	// Enabled turns the sink on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	URL         string `json:"url" yaml:"url" validate:"required_if=Enabled true"`
	Token       string `json:"token" yaml:"token"`
	Org         string `json:"org" yaml:"org" validate:"required_if=Enabled true"`
	Bucket      string `json:"bucket" yaml:"bucket" validate:"required_if=Enabled true"`
	Measurement string `json:"measurement" yaml:"measurement"`
}

// DefaultInfluxConfig returns a disabled sink with local defaults.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:         "http://localhost:8086",
		Org:         "epsem",
		Bucket:      "planner",
		Measurement: "goal_steps",
	}
}

// InfluxSink writes one point per goal.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client      influxdb2.Client
	write       api.WriteAPIBlocking
	measurement string
}

// NewInfluxSink connects a blocking writer to the configured bucket.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink needs url, org and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return newInfluxSink(client, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement), nil
}

func newInfluxSink(client influxdb2.Client, write api.WriteAPIBlocking, measurement string) *InfluxSink {
	if measurement == "" {
		measurement = DefaultInfluxConfig().Measurement
	}
	return &InfluxSink{client: client, write: write, measurement: measurement}
}

// StartSession is a no-op; sessions appear with their first goal.
func (s *InfluxSink) StartSession(context.Context, SessionInfo) error { return nil }

// RecordGoal writes the goal as a point tagged by session and alphabet.
func (s *InfluxSink) RecordGoal(ctx context.Context, rec GoalRecord) error {
	p := influxdb2.NewPoint(
		s.measurement,
		map[string]string{
			"session_id": rec.SessionID,
			"alphabet":   rec.Alphabet,
			"window":     strconv.Itoa(rec.PredictingWindow),
		},
		map[string]interface{}{
			"goal":              rec.Number,
			"steps":             rec.Steps,
			"avg_steps":         rec.AvgSteps,
			"rolling_avg_steps": rec.RollingAvgSteps,
			"perc_regression":   rec.PercRegression,
			"epsilon":           rec.Epsilon,
		},
		rec.Timestamp,
	)
	if err := s.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write goal point: %w", err)
	}
	return nil
}

// Close flushes and closes the client.
func (s *InfluxSink) Close() error {
	err := s.write.Flush(context.Background())
	if s.client != nil {
		s.client.Close()
	}
	return err
}
