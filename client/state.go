// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the lifecycle state of a connection or session.
type State uint32

// Lifecycle states.
const (
	StateCreated State = iota
	StateStarted
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

// newStateManager creates a new state manager.
func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateCreated)}
}

// get returns the current state.
func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
// Returns true if successful.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

// isStarted returns true if delivery is enabled.
func (sm *stateManager) isStarted() bool {
	return sm.get() == StateStarted
}

// isClosed returns true if the owner has been permanently closed.
func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
