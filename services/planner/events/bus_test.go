// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(10, nil)

	var got []Event
	id := bus.Subscribe(func(ev Event) { got = append(got, ev) })

	bus.Publish("s1", 1, TypeStep, StepData{Symbol: "a"})
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, TypeStep, got[0].Type)
	assert.NotEmpty(t, got[0].ID)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	bus.Publish("s1", 2, TypeStep, nil)
	assert.Len(t, got, 1)
}

func TestBus_RecentIsBounded(t *testing.T) {
	bus := NewBus(3, nil)
	for i := 0; i < 5; i++ {
		bus.Publish("s", i, TypeStep, nil)
	}

	recent := bus.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].Step)
	assert.Equal(t, 4, recent[2].Step)

	last := bus.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, 4, last[0].Step)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(4, nil)
	bus.Subscribe(func(Event) { panic("boom") })

	delivered := false
	bus.Subscribe(func(Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish("s", 1, TypeGoal, GoalData{Number: 1}) })
	assert.True(t, delivered)
}

func TestBus_SubscribeChanDropsWhenFull(t *testing.T) {
	bus := NewBus(8, nil)
	ch, cancel := bus.SubscribeChan(1)

	bus.Publish("s", 1, TypeStep, nil)
	bus.Publish("s", 2, TypeStep, nil)

	ev := <-ch
	assert.Equal(t, 1, ev.Step)
	assert.Equal(t, int64(1), bus.Dropped())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	assert.NotPanics(t, func() { bus.Publish("s", 3, TypeStep, nil) })
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(1000, nil)
	ch, cancel := bus.SubscribeChan(1000)
	defer cancel()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish("s", i, TypeStep, nil)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ch, 400)
	assert.Len(t, bus.Recent(0), 400)
}
