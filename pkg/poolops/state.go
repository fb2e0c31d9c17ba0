package poolops

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dCache/dcache-sub032/pkg/topology"
)

var ErrIllegalTransition = errors.New("illegal pool operation transition")

// State is the lifecycle state of a pool operation.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateRunning
	StateExcluded
	StateCanceled
	StateFailed
)

var stateNames = [...]string{"IDLE", "WAITING", "RUNNING", "EXCLUDED", "CANCELED", "FAILED"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

func ParseState(s string) (State, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown pool operation state: %s", s)
}

// Event drives a pool operation between states.
type Event int

const (
	EventActivate Event = iota
	EventStart
	EventComplete
	EventFail
	EventCancel
	EventRestore
	EventExclude
	EventInclude
	EventReset
)

var eventNames = [...]string{"activate", "start", "complete", "fail", "cancel", "restore", "exclude", "include", "reset"}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventActivate: StateWaiting,
		EventExclude:  StateExcluded,
	},
	StateWaiting: {
		EventStart:   StateRunning,
		EventCancel:  StateCanceled,
		EventFail:    StateFailed,
		EventRestore: StateIdle,
	},
	StateRunning: {
		EventComplete: StateIdle,
		EventFail:     StateFailed,
		EventCancel:   StateCanceled,
	},
	StateExcluded: {
		EventInclude: StateIdle,
	},
	StateCanceled: {
		EventReset:   StateIdle,
		EventExclude: StateExcluded,
	},
	StateFailed: {
		EventReset:   StateIdle,
		EventExclude: StateExcluded,
	},
}

// Transition returns the state reached from s on e.
func Transition(s State, e Event) (State, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, e, s)
}

// Action is what a pool status change asks of the scheduler.
type Action int

const (
	ActionNop Action = iota
	ActionDownToUp
	ActionUpToDown
)

func (a Action) String() string {
	switch a {
	case ActionDownToUp:
		return "DOWN_TO_UP"
	case ActionUpToDown:
		return "UP_TO_DOWN"
	default:
		return "NOP"
	}
}

// NextAction maps the recorded status and a newly observed one to an
// action. Repeated reports of the same side are absorbed.
func NextAction(current, incoming topology.PoolStatus) Action {
	if incoming == topology.StatusUninitialized {
		return ActionNop
	}
	down := incoming == topology.StatusDown
	switch current {
	case topology.StatusUninitialized:
		if down {
			return ActionUpToDown
		}
		return ActionDownToUp
	case topology.StatusDown:
		if down {
			return ActionNop
		}
		return ActionDownToUp
	default:
		if down {
			return ActionUpToDown
		}
		return ActionNop
	}
}
