// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "epsem.planner"

// Tracer creates planner spans.
//
// Thread Safety: Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a Tracer. A nil logger uses slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// NoopTracer returns a Tracer that never records.
func NoopTracer() *Tracer {
	return NewTracer(nil, false)
}

func (t *Tracer) start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartStep starts the span covering one history message.
func (t *Tracer) StartStep(ctx context.Context, sessionID string, step int) (context.Context, trace.Span) {
	return t.start(ctx, "planner.step",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("planner.session_id", sessionID),
			attribute.Int("planner.step", step),
		))
}

// StartTrain starts the span covering one window model fit.
func (t *Tracer) StartTrain(ctx context.Context, windowSize, historyLen int) (context.Context, trace.Span) {
	return t.start(ctx, "planner.train", trace.WithAttributes(
		attribute.Int("planner.window_size", windowSize),
		attribute.Int("planner.history_len", historyLen),
	))
}

// StartSimulate starts the span covering one rollout.
func (t *Tracer) StartSimulate(ctx context.Context, windowSize int) (context.Context, trace.Span) {
	return t.start(ctx, "planner.simulate", trace.WithAttributes(attribute.Int("planner.window_size", windowSize)))
}

// End sets the span status from err, attaches attrs, and ends it.
func (t *Tracer) End(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// LoggerWithTrace adds trace_id and span_id to logger when ctx carries a
// valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
