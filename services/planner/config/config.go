// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package config loads the planner service configuration.
//
// Priority: environment variables > config file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/epsem/services/planner/controller"
	"github.com/AleutianAI/epsem/services/planner/protocol"
	"github.com/AleutianAI/epsem/services/planner/results"
	"github.com/AleutianAI/epsem/services/planner/status"
	"github.com/AleutianAI/epsem/services/planner/symbols"
	"github.com/AleutianAI/epsem/services/planner/telemetry"
)

// Config is the full service configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Planner configures every session's controller.
	Planner controller.Config `json:"planner" yaml:"planner"`

	// Protocol configures the environment listener.
	Protocol protocol.Config `json:"protocol" yaml:"protocol"`

	// Telemetry configures tracing and metrics export.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	// Store configures the goal journal.
	Store results.StoreConfig `json:"store" yaml:"store"`

	// Influx configures the optional time-series sink.
	Influx results.InfluxConfig `json:"influx" yaml:"influx"`

	// Status configures the HTTP status surface.
	Status status.Config `json:"status" yaml:"status"`

	// Logging configures the process logger.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is text, json, or auto (text on a terminal).
	Format string `json:"format" yaml:"format" validate:"oneof=auto text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Planner:   controller.DefaultConfig(),
		Protocol:  protocol.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Store:     results.DefaultStoreConfig(),
		Influx:    results.DefaultInfluxConfig(),
		Status:    status.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Load builds the configuration from defaults, the file at path (if it
// exists) and EPSEM_* environment variables, then validates it.
//
// Inputs:
//   - path: YAML or JSON file. Empty or missing means defaults only.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file cannot be parsed or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	loadEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	// Protocol
	setString("EPSEM_LISTEN_ADDR", &cfg.Protocol.ListenAddr)
	setString("EPSEM_SENTINEL", &cfg.Protocol.Sentinel)
	setDuration("EPSEM_READ_TIMEOUT", &cfg.Protocol.ReadTimeout)
	setInt("EPSEM_MAX_READ_RETRIES", &cfg.Protocol.MaxReadRetries)
	if v := os.Getenv("EPSEM_ALPHABET_ORDER"); v != "" {
		cfg.Protocol.AlphabetOrder = symbols.Order(v)
	}

	// Planner
	setInt("EPSEM_TRAINING_THRESHOLD", &cfg.Planner.TrainingThreshold)
	setInt64("EPSEM_SEED", &cfg.Planner.Seed)
	if v := os.Getenv("EPSEM_WINDOW_SIZES"); v != "" {
		if sizes, err := parseInts(v); err == nil {
			cfg.Planner.Ensemble.WindowSizes = sizes
		}
	}
	setInt("EPSEM_HIDDEN_UNITS", &cfg.Planner.Model.HiddenUnits)
	setInt("EPSEM_EPOCHS", &cfg.Planner.Model.Epochs)
	setFloat("EPSEM_LEARNING_RATE", &cfg.Planner.Model.LearningRate)
	setBool("EPSEM_PRUNE_DUPLICATE_PATHS", &cfg.Planner.Model.PruneDuplicatePaths)
	setBool("EPSEM_SKIP_FIRST_ENTRY", &cfg.Planner.History.SkipFirstEntry)
	setFloat("EPSEM_UPPER_BOUND", &cfg.Planner.Explore.UpperBound)

	// Results
	setString("EPSEM_STORE_PATH", &cfg.Store.Path)
	setBool("EPSEM_STORE_IN_MEMORY", &cfg.Store.InMemory)
	setBool("EPSEM_INFLUX_ENABLED", &cfg.Influx.Enabled)
	setString("EPSEM_INFLUX_URL", &cfg.Influx.URL)
	setString("EPSEM_INFLUX_TOKEN", &cfg.Influx.Token)
	setString("EPSEM_INFLUX_ORG", &cfg.Influx.Org)
	setString("EPSEM_INFLUX_BUCKET", &cfg.Influx.Bucket)

	// Status
	setBool("EPSEM_STATUS_ENABLED", &cfg.Status.Enabled)
	setString("EPSEM_STATUS_ADDR", &cfg.Status.ListenAddr)

	// Observability
	setString("EPSEM_LOG_LEVEL", &cfg.Logging.Level)
	setString("EPSEM_LOG_FORMAT", &cfg.Logging.Format)
	setString("EPSEM_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	setString("EPSEM_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	setBool("EPSEM_TRACING_ENABLED", &cfg.Telemetry.TracingEnabled)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = i
		}
	}
}

func setFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func parseInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if err := c.Planner.Model.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
