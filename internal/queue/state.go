package queue

import (
	"errors"
	"fmt"
)

// State is the Redis structure an entry currently sits in.
//
// Valid lifecycle:
//
//	waiting ──► active ──► completed
//	   ▲         │  │
//	   │         │  └────► failed
//	   │         ▼
//	   └─────── delayed
//
// An active entry also returns to waiting when a restarted process
// recovers it. completed and failed are terminal.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// validMoves lists every allowed (from → to) pair.
var validMoves = map[State][]State{
	StateWaiting: {StateActive},
	StateActive:  {StateCompleted, StateFailed, StateDelayed, StateWaiting},
	StateDelayed: {StateWaiting},
	// completed and failed are terminal
}

// ParseState converts a raw string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	for _, known := range States {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown queue state %q", s)
}

// Terminal reports whether an entry in s is never claimed again.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// CanMove reports whether an entry may move from → to.
func CanMove(from, to State) bool {
	for _, s := range validMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalMove is returned when an operation would break the lifecycle.
var ErrIllegalMove = errors.New("illegal queue state move")

func checkMove(from, to State) error {
	if !CanMove(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrIllegalMove, from, to)
	}
	return nil
}
