// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package status serves the planner's HTTP status surface: health, live
// sessions, recent events, a websocket event stream, the goal journal,
// and Prometheus metrics.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/epsem/services/planner/events"
	"github.com/AleutianAI/epsem/services/planner/protocol"
	"github.com/AleutianAI/epsem/services/planner/results"
	"github.com/AleutianAI/epsem/services/planner/telemetry"
)

// SessionLister reports live sessions.
type SessionLister interface {
	Sessions() []protocol.Stats
}

// Journal reads recorded sessions and goals.
type Journal interface {
	Sessions(ctx context.Context) ([]results.SessionSummary, error)
	Goals(ctx context.Context, sessionID string) ([]results.GoalRecord, error)
}

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the status HTTP server.
type Server struct {
	cfg      Config
	sessions SessionLister
	bus      *events.Bus
	journal  Journal
	logger   *slog.Logger
	router   *gin.Engine
}

// NewServer wires the routes. journal may be nil, in which case the
// results endpoints answer 503.
func NewServer(cfg Config, sessions SessionLister, bus *events.Bus, journal Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		bus:      bus,
		journal:  journal,
		logger:   logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("epsem-status"))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/planner/sessions", s.handleSessions)
		v1.GET("/planner/events", s.handleEvents)
		v1.GET("/planner/stream", s.handleStream)
		v1.GET("/results/sessions", s.handleResultSessions)
		v1.GET("/results/sessions/:id/goals", s.handleResultGoals)
	}
	s.router = router
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", slog.String("addr", s.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.sessions.Sessions()),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Sessions()})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	recent := s.bus.Recent(limit)
	if sid := c.Query("session_id"); sid != "" {
		filtered := recent[:0:0]
		for _, ev := range recent {
			if ev.SessionID == sid {
				filtered = append(filtered, ev)
			}
		}
		recent = filtered
	}
	c.JSON(http.StatusOK, gin.H{"events": recent, "dropped": s.bus.Dropped()})
}

// handleStream pushes every bus event to a websocket client as JSON.
// An optional session_id query parameter filters the stream.
func (s *Server) handleStream(c *gin.Context) {
	// Subscribe before the handshake completes so no event published
	// after the client connects is missed.
	ch, cancel := s.bus.SubscribeChan(s.cfg.StreamBuffer)
	defer cancel()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade status stream", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	filter := c.Query("session_id")
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && ev.SessionID != filter {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("status stream closed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) handleResultSessions(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "results journal disabled"})
		return
	}
	sessions, err := s.journal.Sessions(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list recorded sessions", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleResultGoals(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "results journal disabled"})
		return
	}
	id := c.Param("id")
	goals, err := s.journal.Goals(c.Request.Context(), id)
	if errors.Is(err, results.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "session_id": id})
		return
	}
	if err != nil {
		s.logger.Error("failed to read goals", slog.String("session_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read goals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "goals": goals})
}
