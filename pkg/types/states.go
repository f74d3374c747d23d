package types

import (
	"fmt"
	"time"
)

// Now returns the current time as fractional unix seconds, the timestamp
// format used in transitions, callbacks, tokens and block entries.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// State is the lifecycle state shared by tasks, task groups, application
// containers and data containers. The integer indices are wire-stable and
// persisted as-is.
type State int

const (
	StateCreated    State = 0
	StateWaiting    State = 1
	StateProcessing State = 2
	StateSuccess    State = 3
	StateFailed     State = 4
	StateCancelled  State = 5
)

// StateNone marks freshly inserted documents that have not yet gone through
// the created transition.
const StateNone State = -1

var stateNames = []string{
	"created",
	"waiting",
	"processing",
	"success",
	"failed",
	"cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s is an end state. Terminal documents never
// transition again.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// EndStates returns the terminal state indices, in enum order.
func EndStates() []State {
	return []State{StateSuccess, StateFailed, StateCancelled}
}

// ParseState maps a state name back to its index.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateNone, fmt.Errorf("invalid state: %s", name)
}
