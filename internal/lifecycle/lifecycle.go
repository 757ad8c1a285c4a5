// Package lifecycle defines the session lifecycle state machine.
//
// A session moves through a fixed set of states; every transition not listed
// in the transition map is invalid. State changes are applied with a single
// compare-and-swap UPDATE so concurrent workers cannot regress a session.
package lifecycle

import (
	"errors"
	"fmt"
)

// State is a session lifecycle state.
type State string

const (
	// Detected means a session.start event has been seen.
	Detected State = "detected"
	// Capturing means the session is active and accumulating events.
	Capturing State = "capturing"
	// Ended means a session.end event has been seen and a transcript key recorded.
	Ended State = "ended"
	// Parsed means the transcript has been parsed and stats persisted.
	Parsed State = "parsed"
	// Summarized means a summary has been generated for the parsed session.
	Summarized State = "summarized"
	// Archived is the terminal success state.
	Archived State = "archived"
	// Failed is the terminal failure state.
	Failed State = "failed"
)

// ErrInvalidTransition is returned when the requested transition is not in
// the transition map.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions is the exhaustive transition map. Anything absent is invalid.
var transitions = map[State][]State{
	Detected:   {Capturing, Ended, Failed},
	Capturing:  {Ended, Failed},
	Ended:      {Parsed, Failed},
	Parsed:     {Summarized, Failed},
	Summarized: {Archived},
	Archived:   {},
	Failed:     {},
}

// ParseState validates a raw string against the known states.
func ParseState(s string) (State, error) {
	switch State(s) {
	case Detected, Capturing, Ended, Parsed, Summarized, Archived, Failed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown lifecycle state %q", s)
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanTransitionAny reports whether at least one state in from allows a
// transition to to. Used when the caller accepts a set of source states.
func CanTransitionAny(from []State, to State) bool {
	for _, f := range from {
		if CanTransition(f, to) {
			return true
		}
	}
	return false
}

// NonTerminalStates returns every state a session can still leave.
func NonTerminalStates() []State {
	return []State{Detected, Capturing, Ended, Parsed, Summarized}
}

// ResettableStates returns the states from which an operator may reset a
// session back to Ended for a reparse.
func ResettableStates() []State {
	return []State{Parsed, Summarized, Failed}
}

// TerminalStates returns the states the backfill waiter treats as done.
// Summarized and Archived count as terminal for waiting purposes even though
// Summarized still has an outgoing transition.
func TerminalStates() []State {
	return []State{Parsed, Summarized, Archived, Failed}
}
