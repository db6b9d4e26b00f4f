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
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenStore(InMemoryStoreConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStore_SessionAndGoals(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.StartSession(ctx, SessionInfo{ID: "s1", Alphabet: "ab", StartedAt: start}))
	for i, steps := range []int{7, 4, 12} {
		require.NoError(t, store.RecordGoal(ctx, GoalRecord{
			SessionID: "s1",
			Alphabet:  "ab",
			Number:    i + 1,
			Steps:     steps,
			Timestamp: start.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	goals, err := store.Goals(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, goals, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{goals[0].Number, goals[1].Number, goals[2].Number})
	assert.Equal(t, 12, goals[2].Steps)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].Goals)
	assert.Equal(t, 23, sessions[0].TotalSteps)
	assert.InDelta(t, 23.0/3.0, sessions[0].AvgSteps(), 1e-9)
	assert.True(t, sessions[0].LastGoalAt.Equal(start.Add(3*time.Minute)))
}

func TestBadgerStore_GoalOrderingPastNine(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.StartSession(ctx, SessionInfo{ID: "s", StartedAt: time.Now()}))
	for n := 1; n <= 12; n++ {
		require.NoError(t, store.RecordGoal(ctx, GoalRecord{SessionID: "s", Number: n, Steps: 1}))
	}

	goals, err := store.Goals(ctx, "s")
	require.NoError(t, err)
	require.Len(t, goals, 12)
	for i, g := range goals {
		assert.Equal(t, i+1, g.Number)
	}
}

func TestBadgerStore_GoalWithoutSessionCreatesSummary(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.RecordGoal(ctx, GoalRecord{SessionID: "orphan", Number: 1, Steps: 3}))
	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "orphan", sessions[0].ID)
	assert.Equal(t, 1, sessions[0].Goals)
}

func TestBadgerStore_UnknownSession(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Goals(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestBadgerStore_SessionsSortedByStart(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.StartSession(ctx, SessionInfo{ID: "zz-first", StartedAt: base}))
	require.NoError(t, store.StartSession(ctx, SessionInfo{ID: "aa-second", StartedAt: base.Add(time.Hour)}))

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "zz-first", sessions[0].ID)
	assert.Equal(t, "aa-second", sessions[1].ID)
}

func TestOpenStore_RequiresPath(t *testing.T) {
	_, err := OpenStore(StoreConfig{}, nil)
	assert.Error(t, err)
}

func TestOpenStore_Persistent(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = time.Hour

	store, err := OpenStore(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, store.StartSession(context.Background(), SessionInfo{ID: "p", StartedAt: time.Now()}))
	require.NoError(t, store.Close())

	reopened, err := OpenStore(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	sessions, err := reopened.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "p", sessions[0].ID)
}

// mockWriteAPI records points like an InfluxDB blocking writer.
type mockWriteAPI struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed bool
	err     error
}

func (m *mockWriteAPI) WritePoint(_ context.Context, point ...*write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.points = append(m.points, point...)
	return nil
}

func (m *mockWriteAPI) WriteRecord(context.Context, ...string) error { return nil }
func (m *mockWriteAPI) EnableBatching()                              {}
func (m *mockWriteAPI) Flush(context.Context) error {
	m.flushed = true
	return nil
}

func TestInfluxSink_RecordGoal(t *testing.T) {
	w := &mockWriteAPI{}
	sink := newInfluxSink(nil, w, "")

	require.NoError(t, sink.RecordGoal(context.Background(), GoalRecord{
		SessionID:        "s1",
		Alphabet:         "ab",
		Number:           2,
		Steps:            5,
		PredictingWindow: 4,
		Timestamp:        time.Unix(100, 0),
	}))

	require.Len(t, w.points, 1)
	p := w.points[0]
	assert.Equal(t, "goal_steps", p.Name())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"session_id": "s1", "alphabet": "ab", "window": "4"}, tags)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.EqualValues(t, 5, fields["steps"])
	assert.EqualValues(t, 2, fields["goal"])

	require.NoError(t, sink.Close())
	assert.True(t, w.flushed)
}

func TestInfluxSink_WriteError(t *testing.T) {
	w := &mockWriteAPI{err: errors.New("unavailable")}
	sink := newInfluxSink(nil, w, "m")
	err := sink.RecordGoal(context.Background(), GoalRecord{SessionID: "s"})
	assert.Error(t, err)
}

func TestNewInfluxSink_RequiresTarget(t *testing.T) {
	_, err := NewInfluxSink(InfluxConfig{})
	assert.Error(t, err)
}

type countingRecorder struct {
	starts, goals, closes int
	err                   error
}

func (c *countingRecorder) StartSession(context.Context, SessionInfo) error {
	c.starts++
	return c.err
}

func (c *countingRecorder) RecordGoal(context.Context, GoalRecord) error {
	c.goals++
	return c.err
}

func (c *countingRecorder) Close() error {
	c.closes++
	return nil
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &countingRecorder{}
	failing := &countingRecorder{err: errors.New("down")}
	m := Multi{ok, failing, Nop{}}

	assert.Error(t, m.StartSession(context.Background(), SessionInfo{}))
	assert.Error(t, m.RecordGoal(context.Background(), GoalRecord{}))
	assert.NoError(t, m.Close())

	assert.Equal(t, 1, ok.starts)
	assert.Equal(t, 1, failing.goals)
	assert.Equal(t, 1, ok.closes)
}
