package fileops

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a file operation.
type State int32

const (
	StateUninitialized State = iota
	StateWaiting
	StateRunning
	StateDone
	StateCanceled
	StateFailed
	StateVoid
	StateAborted
)

var stateNames = [...]string{
	StateUninitialized: "UNINITIALIZED",
	StateWaiting:       "WAITING",
	StateRunning:       "RUNNING",
	StateDone:          "DONE",
	StateCanceled:      "CANCELED",
	StateFailed:        "FAILED",
	StateVoid:          "VOID",
	StateAborted:       "ABORTED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

func ParseState(s string) (State, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateUninitialized, fmt.Errorf("unknown file operation state: %s", s)
}

// Action is what a pass of the operation does to the file.
type Action int

const (
	ActionNone Action = iota
	ActionCopy
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionCopy:
		return "COPY"
	case ActionRemove:
		return "REMOVE"
	default:
		return "NONE"
	}
}

// FailureType is the classification of a failed pass.
type FailureType int

const (
	FailureRetriable FailureType = iota
	FailureBroken
	FailureNewSource
	FailureNewTarget
	FailureFatal
)

func (f FailureType) String() string {
	switch f {
	case FailureBroken:
		return "BROKEN"
	case FailureNewSource:
		return "NEWSOURCE"
	case FailureNewTarget:
		return "NEWTARGET"
	case FailureFatal:
		return "FATAL"
	default:
		return "RETRIABLE"
	}
}
