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

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/epsem/services/planner/events"
	"github.com/AleutianAI/epsem/services/planner/protocol"
	"github.com/AleutianAI/epsem/services/planner/results"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticSessions []protocol.Stats

func (s staticSessions) Sessions() []protocol.Stats { return s }

func newTestServer(t *testing.T, journal Journal) (*Server, *events.Bus) {
	t.Helper()
	bus := events.NewBus(32, nil)
	sessions := staticSessions{{ID: "s1", Alphabet: "ab", Steps: 12, Goals: 2, State: "planning"}}
	return NewServer(DefaultConfig(), sessions, bus, journal, nil), bus
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := get(t, srv.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["sessions"])
}

func TestSessions(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := get(t, srv.Handler(), "/v1/planner/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []protocol.Stats `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "s1", body.Sessions[0].ID)
	assert.Equal(t, 12, body.Sessions[0].Steps)
}

func TestEvents_LimitAndFilter(t *testing.T) {
	srv, bus := newTestServer(t, nil)
	bus.Publish("s1", 1, events.TypeStep, nil)
	bus.Publish("s2", 1, events.TypeStep, nil)
	bus.Publish("s1", 2, events.TypeGoal, nil)

	var body struct {
		Events []events.Event `json:"events"`
	}

	rec := get(t, srv.Handler(), "/v1/planner/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "s2", body.Events[0].SessionID)

	rec = get(t, srv.Handler(), "/v1/planner/events?session_id=s1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, events.TypeGoal, body.Events[1].Type)

	rec = get(t, srv.Handler(), "/v1/planner/events?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResults_DisabledJournal(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), "/v1/results/sessions").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), "/v1/results/sessions/x/goals").Code)
}

func TestResults_FromStore(t *testing.T) {
	store, err := results.OpenStore(results.InMemoryStoreConfig(), nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.StartSession(ctx, results.SessionInfo{ID: "run-1", Alphabet: "ab", StartedAt: time.Now()}))
	require.NoError(t, store.RecordGoal(ctx, results.GoalRecord{SessionID: "run-1", Number: 1, Steps: 9}))

	srv, _ := newTestServer(t, store)

	rec := get(t, srv.Handler(), "/v1/results/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions struct {
		Sessions []results.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, 9, sessions.Sessions[0].TotalSteps)

	rec = get(t, srv.Handler(), "/v1/results/sessions/run-1/goals")
	require.Equal(t, http.StatusOK, rec.Code)
	var goals struct {
		Goals []results.GoalRecord `json:"goals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &goals))
	require.Len(t, goals.Goals, 1)
	assert.Equal(t, 9, goals.Goals[0].Steps)

	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/v1/results/sessions/missing/goals").Code)
}

func TestStream_DeliversFilteredEvents(t *testing.T) {
	srv, bus := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/planner/stream?session_id=s1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	bus.Publish("other", 1, events.TypeStep, nil)
	bus.Publish("s1", 4, events.TypeGoal, events.GoalData{Number: 1, Steps: 4})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev events.Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, events.TypeGoal, ev.Type)
	assert.Equal(t, 4, ev.Step)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv := NewServer(cfg, staticSessions{}, events.NewBus(4, nil), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
