// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package worker

// State is the lifecycle state of an execution context.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateBusy
	StateCrashed
	StateRestarting
	StateFailed
	StateDestroyed
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateReady:         "ready",
	StateBusy:          "busy",
	StateCrashed:       "crashed",
	StateRestarting:    "restarting",
	StateFailed:        "failed",
	StateDestroyed:     "destroyed",
}

// String returns the name of the state.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "invalid"
}

// alive reports whether the context can still accept tasks
func (s State) alive() bool {
	switch s {
	case StateInitializing, StateReady, StateBusy, StateRestarting:
		return true
	}
	return false
}

// Status is the state of the dispatcher as a whole.
type Status int

const (
	// StatusUninitialized is the status before Initialize.
	StatusUninitialized Status = iota

	// StatusInitializing is the status while the contexts boot.
	StatusInitializing

	// StatusReady is the status while at least one context accepts tasks.
	StatusReady

	// StatusFailed is the status once every context exhausted its restart budget.
	StatusFailed

	// StatusClosed is the status after Close.
	StatusClosed
)

var statusNames = map[Status]string{
	StatusUninitialized: "uninitialized",
	StatusInitializing:  "initializing",
	StatusReady:         "ready",
	StatusFailed:        "failed",
	StatusClosed:        "closed",
}

// String returns the name of the status.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "invalid"
}

// ContextStatus is a snapshot of one execution context.
type ContextStatus struct {
	ID         int
	State      State
	Generation int
	Crashes    int
	Restarts   int
	Queued     int
	LastError  string
}
