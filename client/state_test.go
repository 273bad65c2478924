// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateStarted, "started"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.state.String()
		if got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestStateManager(t *testing.T) {
	sm := newStateManager()

	if sm.get() != StateCreated {
		t.Errorf("initial state should be Created, got %v", sm.get())
	}
	if sm.isStarted() || sm.isClosed() {
		t.Error("new state manager should be neither started nor closed")
	}
}

func TestStateTransition(t *testing.T) {
	sm := newStateManager()

	if !sm.transition(StateCreated, StateStarted) {
		t.Error("transition Created -> Started should succeed")
	}
	if !sm.isStarted() {
		t.Errorf("state should be Started, got %v", sm.get())
	}

	// Transition from wrong state should fail
	if sm.transition(StateCreated, StateClosed) {
		t.Error("transition from wrong state should fail")
	}
	if sm.get() != StateStarted {
		t.Errorf("state should still be Started, got %v", sm.get())
	}
}

func TestStateTransitionFrom(t *testing.T) {
	sm := newStateManager()

	if !sm.transitionFrom(StateClosed, StateCreated, StateStarted) {
		t.Error("transitionFrom should succeed when current state matches one of the from states")
	}
	if !sm.isClosed() {
		t.Errorf("state should be Closed, got %v", sm.get())
	}

	// Closed is terminal
	if sm.transitionFrom(StateStarted, StateCreated) {
		t.Error("transitionFrom should fail when current state doesn't match any from states")
	}
	if sm.transitionFrom(StateClosed, StateCreated, StateStarted) {
		t.Error("closing twice should fail the second time")
	}
}

func TestStateConcurrentClose(t *testing.T) {
	sm := newStateManager()
	sm.transition(StateCreated, StateStarted)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sm.transitionFrom(StateClosed, StateCreated, StateStarted) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("exactly one close should win, got %d", won)
	}
}
