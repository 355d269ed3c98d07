// Package task owns the lifecycle of one unit of work: an explicit state
// table, a persisted per-task machine, the runner that drives it through
// policy, outbox and DLQ, and a per-session scheduler.
package task

import (
	"errors"
	"fmt"
)

type State string

const (
	StateIdle             State = "IDLE"
	StateParsingIntent    State = "PARSING_INTENT"
	StateThinking         State = "THINKING"
	StateExecuting        State = "EXECUTING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateReflecting       State = "REFLECTING"
	StateResponding       State = "RESPONDING"
	StateCompleted        State = "COMPLETED"
	StateCancelled        State = "CANCELLED"
	StateFailed           State = "FAILED"
)

var (
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrCancelled         = errors.New("task cancelled")
)

// transitions is the complete legal graph. Every non-terminal state may also
// move to CANCELLED.
var transitions = map[State][]State{
	StateIdle:             {StateParsingIntent},
	StateParsingIntent:    {StateThinking, StateFailed},
	StateThinking:         {StateExecuting, StateResponding, StateFailed},
	StateExecuting:        {StateReflecting, StateAwaitingApproval, StateFailed},
	StateAwaitingApproval: {StateExecuting, StateFailed},
	StateReflecting:       {StateThinking, StateResponding, StateFailed},
	StateResponding:       {StateCompleted, StateFailed},
}

// Terminal reports whether s is COMPLETED, CANCELLED or FAILED.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TerminalStates lists the terminal states as strings for store queries.
func TerminalStates() []string {
	return []string{string(StateCompleted), string(StateCancelled), string(StateFailed)}
}

// ActiveStates lists every non-terminal state.
func ActiveStates() []string {
	return []string{
		string(StateIdle),
		string(StateParsingIntent),
		string(StateThinking),
		string(StateExecuting),
		string(StateAwaitingApproval),
		string(StateReflecting),
		string(StateResponding),
	}
}
