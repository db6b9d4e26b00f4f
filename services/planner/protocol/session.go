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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/epsem/services/planner/controller"
	"github.com/AleutianAI/epsem/services/planner/events"
	"github.com/AleutianAI/epsem/services/planner/results"
	"github.com/AleutianAI/epsem/services/planner/symbols"
	"github.com/AleutianAI/epsem/services/planner/telemetry"
)

// ControllerFactory builds a fresh planner for a newly defined alphabet.
type ControllerFactory func(alphabet *symbols.Alphabet) (*controller.Controller, error)

// Option configures sessions and servers.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	tracer   *telemetry.Tracer
	bus      *events.Bus
	recorder results.Recorder
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the step tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithBus publishes session, step and goal events.
func WithBus(b *events.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithRecorder journals goals.
func WithRecorder(r results.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NoopTracer()
	}
	if o.recorder == nil {
		o.recorder = results.Nop{}
	}
	return o
}

// Stats is a point-in-time view of a live session.
type Stats struct {
	ID         string    `json:"id"`
	Remote     string    `json:"remote,omitempty"`
	Alphabet   string    `json:"alphabet,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Steps      int       `json:"steps"`
	Goals      int       `json:"goals"`
	AvgSteps   float64   `json:"avg_steps"`
	State      string    `json:"state"`
	Epsilon    float64   `json:"epsilon"`
	LastAction string    `json:"last_action,omitempty"`
}

// Session serves one environment connection.
//
// Description:
//
//	Reads one message at a time and answers it before reading the next.
//	The planner is created when the alphabet arrives and replaced if the
//	environment redefines it.
//
// Thread Safety:
//
//	Run must be called once. Stats is safe to call concurrently with Run.
type Session struct {
	id            string
	conn          net.Conn
	cfg           Config
	codec         Codec
	newController ControllerFactory
	opts          options
	logger        *slog.Logger

	reader  *bufio.Reader
	partial []byte

	ctrl    *controller.Controller
	started bool
	steps   int

	mu    sync.Mutex
	stats Stats
}

// NewSession wraps conn. The caller owns conn and closes it after Run.
func NewSession(id string, conn net.Conn, cfg Config, factory ControllerFactory, opts ...Option) *Session {
	o := buildOptions(opts)
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:            id,
		conn:          conn,
		cfg:           cfg,
		codec:         NewCodec(cfg.Sentinel),
		newController: factory,
		opts:          o,
		logger:        o.logger.With(slog.String("session_id", id)),
		reader:        bufio.NewReaderSize(conn, 4096),
		stats: Stats{
			ID:        id,
			Remote:    remote,
			StartedAt: time.Now().UTC(),
			State:     controller.StateWarmup.String(),
		},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Stats returns a copy of the live counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run serves messages until quit, EOF, or an error.
//
// Outputs:
//   - error: nil on quit or when the environment hangs up. Otherwise a
//     ViolationError, ErrReadTimeout, a planner failure, or ctx.Err().
func (s *Session) Run(ctx context.Context) (err error) {
	telemetry.SessionOpened()
	defer telemetry.SessionClosed()

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	s.publish(events.TypeSessionStarted, events.SessionData{Remote: s.stats.Remote})
	s.logger.Info("session started", slog.String("remote", s.stats.Remote))
	defer func() {
		data := events.SessionData{Alphabet: s.Stats().Alphabet}
		if err != nil {
			data.Error = err.Error()
		}
		s.publish(events.TypeSessionEnded, data)
	}()

	for {
		line, rerr := s.readLine(ctx)
		if errors.Is(rerr, io.EOF) {
			s.logger.Info("environment closed the connection", slog.Int("steps", s.steps))
			return nil
		}
		if rerr != nil {
			return rerr
		}

		done, herr := s.handle(ctx, line)
		if herr != nil {
			if errors.Is(herr, ErrProtocolViolation) {
				telemetry.RecordProtocolViolation()
				s.logger.Error("aborting session", slog.String("error", herr.Error()))
			}
			return herr
		}
		if done {
			s.logger.Info("environment quit", slog.Int("steps", s.steps))
			return nil
		}
	}
}

// readLine returns the next newline-terminated message. Silent read
// attempts are retried up to MaxReadRetries. A final unterminated line
// before EOF is returned as a message.
func (s *Session) readLine(ctx context.Context) (string, error) {
	retries := 0
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		chunk, err := s.reader.ReadSlice('\n')
		s.partial = append(s.partial, chunk...)
		if s.cfg.MaxLineBytes > 0 && len(s.partial) > s.cfg.MaxLineBytes {
			line := string(s.partial)
			s.partial = s.partial[:0]
			return "", violation(line, "message exceeds %d bytes", s.cfg.MaxLineBytes)
		}

		switch {
		case err == nil:
			return s.takeLine(), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case isTimeout(err):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			retries++
			if retries > s.cfg.MaxReadRetries {
				return "", fmt.Errorf("%w: %d silent reads of %s", ErrReadTimeout, retries, s.cfg.ReadTimeout)
			}
		case errors.Is(err, io.EOF):
			if len(s.partial) > 0 {
				return s.takeLine(), nil
			}
			return "", io.EOF
		default:
			return "", fmt.Errorf("read: %w", err)
		}
	}
}

func (s *Session) takeLine() string {
	line := string(s.partial)
	s.partial = s.partial[:0]
	return line
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) handle(ctx context.Context, line string) (bool, error) {
	msg, err := s.codec.Decode(line)
	if err != nil {
		return false, err
	}
	switch msg.Kind {
	case KindAlphabet:
		return false, s.onAlphabet(ctx, line, msg.Payload)
	case KindHistory:
		return false, s.onHistory(ctx, line, msg.Payload)
	default:
		return true, nil
	}
}

func (s *Session) onAlphabet(ctx context.Context, line, letters string) error {
	alpha, err := symbols.ParseAlphabet(letters, s.cfg.AlphabetOrder)
	if err != nil {
		return violation(line, "%v", err)
	}
	ctrl, err := s.newController(alpha)
	if err != nil {
		return fmt.Errorf("create planner: %w", err)
	}
	if s.ctrl != nil {
		s.logger.Warn("alphabet redefined, planner reset",
			slog.String("old", s.ctrl.Alphabet().String()),
			slog.String("new", alpha.String()))
	} else {
		s.logger.Info("alphabet defined", slog.String("alphabet", alpha.String()))
	}
	s.ctrl = ctrl

	s.mu.Lock()
	s.stats.Alphabet = letters
	info := results.SessionInfo{ID: s.id, Alphabet: letters, Remote: s.stats.Remote, StartedAt: s.stats.StartedAt}
	s.mu.Unlock()

	if !s.started {
		s.started = true
		if err := s.opts.recorder.StartSession(ctx, info); err != nil {
			s.logger.Warn("failed to record session start", slog.String("error", err.Error()))
		}
	}
	return s.write(s.codec.Ack())
}

func (s *Session) onHistory(ctx context.Context, line, window string) error {
	if s.ctrl == nil {
		return violation(line, "history before alphabet")
	}
	s.steps++

	stepCtx, span := s.opts.tracer.StartStep(ctx, s.id, s.steps)
	d, err := s.ctrl.Step(stepCtx, window)
	if err != nil {
		s.opts.tracer.End(span, err)
		if errors.Is(err, controller.ErrUnknownSymbol) {
			return violation(line, "%v", err)
		}
		return fmt.Errorf("step %d: %w", s.steps, err)
	}
	s.opts.tracer.End(span, nil,
		attribute.String("planner.action", d.Symbol.String()),
		attribute.String("planner.reason", string(d.Reason)),
		attribute.Bool("planner.random", d.Random),
	)
	telemetry.RecordDecision(d.State.String(), string(d.Reason))

	if d.Goal != nil {
		s.onGoal(ctx, *d.Goal)
	}
	s.publish(events.TypeStep, events.StepData{
		Symbol:        d.Symbol.String(),
		State:         d.State.String(),
		Reason:        string(d.Reason),
		Random:        d.Random,
		WindowSize:    d.WindowSize,
		PathRemaining: d.PathRemaining,
		Epsilon:       d.Epsilon,
	})

	snap := s.ctrl.Snapshot()
	s.mu.Lock()
	s.stats.Steps = s.steps
	s.stats.Goals = snap.NumGoals
	s.stats.AvgSteps = snap.AvgSteps
	s.stats.State = d.State.String()
	s.stats.Epsilon = d.Epsilon
	s.stats.LastAction = d.Symbol.String()
	s.mu.Unlock()

	return s.write(d.Symbol.String() + "\n")
}

func (s *Session) onGoal(ctx context.Context, g controller.GoalInfo) {
	telemetry.RecordGoal(g.Steps)
	s.logger.Info("goal reached",
		slog.Int("goal", g.Number),
		slog.Int("steps", g.Steps),
		slog.Float64("avg_steps", g.AvgSteps),
		slog.Float64("rolling_avg_steps", g.RollingAvgSteps),
		slog.Int("predicting_window", g.PredictingWindow))

	s.publish(events.TypeGoal, events.GoalData{
		Number:           g.Number,
		Steps:            g.Steps,
		AvgSteps:         g.AvgSteps,
		RollingAvgSteps:  g.RollingAvgSteps,
		PercRegression:   g.PercRegression,
		PredictingWindow: g.PredictingWindow,
	})

	rec := results.GoalRecord{
		SessionID:        s.id,
		Alphabet:         s.ctrl.Alphabet().String(),
		Number:           g.Number,
		Steps:            g.Steps,
		AvgSteps:         g.AvgSteps,
		RollingAvgSteps:  g.RollingAvgSteps,
		PercRegression:   g.PercRegression,
		Epsilon:          g.Epsilon,
		PredictingWindow: g.PredictingWindow,
		Timestamp:        time.Now().UTC(),
	}
	if err := s.opts.recorder.RecordGoal(ctx, rec); err != nil {
		s.logger.Warn("failed to record goal", slog.Int("goal", g.Number), slog.String("error", err.Error()))
	}
}

func (s *Session) write(msg string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := io.WriteString(s.conn, msg); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (s *Session) publish(typ events.Type, data any) {
	if s.opts.bus == nil {
		return
	}
	s.opts.bus.Publish(s.id, s.steps, typ, data)
}
