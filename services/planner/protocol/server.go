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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Server accepts environment connections, one Session per connection.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	cfg     Config
	factory ControllerFactory
	opts    []Option
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server. Options are passed on to every session.
func NewServer(cfg Config, factory ControllerFactory, opts ...Option) *Server {
	return &Server{
		cfg:      cfg,
		factory:  factory,
		opts:     opts,
		logger:   buildOptions(opts).logger,
		sessions: make(map[string]*Session),
	}
}

// ListenAndServe listens on cfg.ListenAddr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called, then waits for running sessions to finish.
//
// Outputs:
//   - error: nil after ctx cancellation, ErrServerClosed after Shutdown,
//     otherwise the accept error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("planner listening", slog.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			if s.isClosed() {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := NewSession(uuid.NewString(), conn, s.cfg, s.factory, s.opts...)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()
		}()
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("session ended with error",
				slog.String("session_id", sess.ID()),
				slog.String("error", err.Error()))
		}
	}()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions returns stats for every live session, oldest first.
func (s *Server) Sessions() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Stats())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown stops accepting connections. Running sessions continue until
// the context passed to Serve is cancelled or the environment quits.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
