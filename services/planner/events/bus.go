// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events broadcasts per-step planner activity to observers such as
// the status server's live stream.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind.
type Type string

const (
	TypeSessionStarted Type = "session_started"
	TypeSessionEnded   Type = "session_ended"
	TypeStep           Type = "step"
	TypeGoal           Type = "goal"
)

// Event is one broadcast record.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Step      int       `json:"step"`
	Data      any       `json:"data,omitempty"`
}

// StepData accompanies TypeStep.
type StepData struct {
	Symbol        string  `json:"symbol"`
	State         string  `json:"state"`
	Reason        string  `json:"reason"`
	Random        bool    `json:"random"`
	WindowSize    int     `json:"window_size,omitempty"`
	PathRemaining int     `json:"path_remaining,omitempty"`
	Epsilon       float64 `json:"epsilon"`
}

// GoalData accompanies TypeGoal.
type GoalData struct {
	Number           int     `json:"number"`
	Steps            int     `json:"steps"`
	AvgSteps         float64 `json:"avg_steps"`
	RollingAvgSteps  float64 `json:"rolling_avg_steps"`
	PercRegression   float64 `json:"perc_regression"`
	PredictingWindow int     `json:"predicting_window"`
}

// SessionData accompanies the session lifecycle events.
type SessionData struct {
	Alphabet string `json:"alphabet,omitempty"`
	Remote   string `json:"remote,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Handler processes one event. Handlers run on the publishing goroutine
// and must not block.
type Handler func(Event)

// Bus fans events out to subscribers and keeps a short history.
//
// Thread Safety: Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]Handler
	recent   []Event
	capacity int
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewBus creates a bus that remembers the last capacity events.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity < 1 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:     make(map[string]Handler),
		recent:   make([]Event, 0, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Subscribe registers handler and returns its subscription ID.
func (b *Bus) Subscribe(handler Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = handler
	b.mu.Unlock()
	return id
}

// SubscribeChan delivers events into a buffered channel. Events that do not
// fit are dropped. The returned cancel function unsubscribes and closes the
// channel.
func (b *Bus) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var closeMu sync.Mutex
	closed := false

	id := b.Subscribe(func(ev Event) {
		closeMu.Lock()
		defer closeMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.Unsubscribe(id)
			closeMu.Lock()
			closed = true
			close(ch)
			closeMu.Unlock()
		})
	}
	return ch, cancel
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Publish stamps and broadcasts an event.
func (b *Bus) Publish(sessionID string, step int, typ Type, data any) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Step:      step,
		Data:      data,
	}

	b.mu.Lock()
	if len(b.recent) >= b.capacity {
		b.recent = b.recent[1:]
	}
	b.recent = append(b.recent, ev)
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", string(ev.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	h(ev)
}

// Recent returns up to n of the newest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// Dropped returns how many channel deliveries were dropped.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
