// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for the planner
// and defines its Prometheus instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an exporter name Init does not know.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config controls the telemetry pipeline.
type Config struct {
	// ServiceName identifies the planner in traces and metrics.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// ServiceVersion is reported as service.version.
	ServiceVersion string `json:"service_version" yaml:"service_version"`

	// Environment is reported as deployment.environment.
	Environment string `json:"environment" yaml:"environment"`

	// TraceExporter is "otlp", "stdout", or "none".
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout", or "none".
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP gRPC receiver for traces.
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS to the OTLP receiver.
	OTLPInsecure bool `json:"otlp_insecure" yaml:"otlp_insecure"`

	// SampleRatio is the fraction of root step spans kept.
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" validate:"gte=0,lte=1"`

	// StdoutInterval is the push period of the stdout metric exporter.
	StdoutInterval time.Duration `json:"stdout_interval" yaml:"stdout_interval"`

	// TracingEnabled turns planner spans on. With it off the Tracer emits
	// no-op spans regardless of the exporter.
	TracingEnabled bool `json:"tracing_enabled" yaml:"tracing_enabled"`
}

// DefaultConfig returns defaults for running next to an experiment
// harness on one machine. EPSEM_ENV, OTEL_TRACES_EXPORTER,
// OTEL_METRICS_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_TRACES_SAMPLER_ARG override them.
func DefaultConfig() Config {
	ratio := 1.0
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil && v >= 0 && v <= 1 {
		ratio = v
	}
	return Config{
		ServiceName:    "epsem-planner",
		ServiceVersion: "1.0.0",
		Environment:    envOr("EPSEM_ENV", "development"),
		TraceExporter:  envOr("OTEL_TRACES_EXPORTER", "none"),
		MetricExporter: envOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
		SampleRatio:    ratio,
		StdoutInterval: 30 * time.Second,
	}
}

// pipeline collects the shutdown hooks of everything Init started.
type pipeline struct {
	stops []func(context.Context) error
}

func (p *pipeline) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.stops) - 1; i >= 0; i-- {
		errs = append(errs, p.stops[i](ctx))
	}
	return errors.Join(errs...)
}

// Init installs the global TracerProvider and MeterProvider.
//
// Outputs:
//   - shutdown: Flushes and stops every provider, newest first. Must be called.
//   - error: Non-nil if an exporter could not be created. Anything already
//     started has been stopped.
//
// Thread Safety: Call once at process startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	p := &pipeline{}
	fail := func(stage string, err error) (func(context.Context) error, error) {
		_ = p.shutdown(ctx)
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	if cfg.TraceExporter != "none" {
		exp, err := spanExporter(ctx, cfg)
		if err != nil {
			return fail("init tracer", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		)
		otel.SetTracerProvider(tp)
		p.stops = append(p.stops, tp.Shutdown)
	}

	if cfg.MetricExporter != "none" {
		reader, handler, err := metricReader(cfg)
		if err != nil {
			return fail("init meter", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		otel.SetMeterProvider(mp)
		p.stops = append(p.stops, mp.Shutdown)
		if handler != nil {
			metricsHandler.Store(&handler)
		}
	}

	return p.shutdown, nil
}

func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: trace %q", ErrUnknownExporter, cfg.TraceExporter)
	}
}

// metricReader returns the reader for the configured exporter and, for
// Prometheus, the handler that serves it.
func metricReader(cfg Config) (sdkmetric.Reader, http.Handler, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		// Registers on the default registry next to the promauto instruments.
		exp, err := promexporter.New()
		if err != nil {
			return nil, nil, err
		}
		return exp, promhttp.Handler(), nil
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		interval := cfg.StdoutInterval
		if interval <= 0 {
			interval = time.Minute
		}
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)), nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: metric %q", ErrUnknownExporter, cfg.MetricExporter)
	}
}

var metricsHandler atomic.Pointer[http.Handler]

// MetricsHandler returns the /metrics handler. Without the Prometheus
// exporter it still serves the promauto instruments.
func MetricsHandler() http.Handler {
	if h := metricsHandler.Load(); h != nil {
		return *h
	}
	return promhttp.Handler()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
