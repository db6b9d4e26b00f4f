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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/epsem/services/planner/config"
	"github.com/AleutianAI/epsem/services/planner/controller"
	"github.com/AleutianAI/epsem/services/planner/events"
	"github.com/AleutianAI/epsem/services/planner/protocol"
	"github.com/AleutianAI/epsem/services/planner/results"
	"github.com/AleutianAI/epsem/services/planner/status"
	"github.com/AleutianAI/epsem/services/planner/symbols"
	"github.com/AleutianAI/epsem/services/planner/telemetry"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadedConfig
	current := func() config.Config { return cfg }
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
		watcher.OnChange(func(config.Config) {
			logger.Info("planner settings reloaded; new sessions use them")
		})
		current = watcher.Current
	}
	applyServeFlags(&cfg)

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()
	tracer := telemetry.NewTracer(logger, cfg.Telemetry.TracingEnabled)

	recorder, store, err := openRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("closing results recorder failed", slog.String("error", err.Error()))
		}
	}()

	bus := events.NewBus(cfg.Status.EventHistory, logger)

	factory := func(alphabet *symbols.Alphabet) (*controller.Controller, error) {
		return controller.New(alphabet, current().Planner,
			controller.WithLogger(logger),
			controller.WithTracer(tracer))
	}
	planner := protocol.NewServer(cfg.Protocol, factory,
		protocol.WithLogger(logger),
		protocol.WithTracer(tracer),
		protocol.WithBus(bus),
		protocol.WithRecorder(recorder))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return planner.ListenAndServe(gctx) })
	if cfg.Status.Enabled {
		st := status.NewServer(cfg.Status, planner, bus, store, logger)
		g.Go(func() error { return st.ListenAndServe(gctx) })
	}

	err = g.Wait()
	logger.Info("planner stopped")
	return err
}

func applyServeFlags(cfg *config.Config) {
	if listenAddr != "" {
		cfg.Protocol.ListenAddr = listenAddr
	}
	if statusAddr != "" {
		cfg.Status.ListenAddr = statusAddr
	}
	if noStatus {
		cfg.Status.Enabled = false
	}
}

// openRecorder opens the badger journal and, when enabled, the Influx sink.
func openRecorder(cfg config.Config, logger *slog.Logger) (results.Recorder, *results.BadgerStore, error) {
	store, err := results.OpenStore(cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}
	recorder := results.Multi{store}
	if cfg.Influx.Enabled {
		sink, err := results.NewInfluxSink(cfg.Influx)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		recorder = append(recorder, sink)
		logger.Info("recording goals to influx",
			slog.String("url", cfg.Influx.URL),
			slog.String("bucket", cfg.Influx.Bucket))
	}
	return recorder, store, nil
}
