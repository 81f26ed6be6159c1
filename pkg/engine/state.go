package engine

import (
	"errors"
	"fmt"
	"slices"
)

// State is a scheduler state.
type State int

const (
	Idle State = iota
	WaitingForTick
	Collecting
	Dispatching
	Committing
	Stopped
)

var stateNames = [...]string{
	Idle:           "IDLE",
	WaitingForTick: "WAITING_FOR_TICK",
	Collecting:     "COLLECTING",
	Dispatching:    "DISPATCHING",
	Committing:     "COMMITTING",
	Stopped:        "STOPPED",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ErrInvalidTransition is returned for a transition missing from the
// transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the legal successors of every state. DISPATCHING is
// re-entered from DISPATCHING or COMMITTING when a batch is retried.
var transitions = map[State][]State{
	Idle:           {WaitingForTick, Stopped},
	WaitingForTick: {Collecting, Stopped},
	Collecting:     {Dispatching, WaitingForTick, Stopped},
	Dispatching:    {Committing, Dispatching, Stopped},
	Committing:     {WaitingForTick, Dispatching, Stopped},
	Stopped:        {Idle},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
