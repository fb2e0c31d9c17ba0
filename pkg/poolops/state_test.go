package poolops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dCache/dcache-sub032/pkg/topology"
)

var allEvents = []Event{
	EventActivate, EventStart, EventComplete, EventFail, EventCancel,
	EventRestore, EventExclude, EventInclude, EventReset,
}

func TestTransition_FromWaiting(t *testing.T) {
	legal := map[Event]State{
		EventStart:   StateRunning,
		EventCancel:  StateCanceled,
		EventFail:    StateFailed,
		EventRestore: StateIdle,
	}

	for _, e := range allEvents {
		t.Run(e.String(), func(t *testing.T) {
			next, err := Transition(StateWaiting, e)
			if want, ok := legal[e]; ok {
				require.NoError(t, err)
				assert.Equal(t, want, next)
				return
			}
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, StateWaiting, next)
		})
	}
}

func TestTransition_Lifecycle(t *testing.T) {
	tests := []struct {
		name   string
		from   State
		events []Event
		want   State
		ok     bool
	}{
		{"scan cycle", StateIdle, []Event{EventActivate, EventStart, EventComplete}, StateIdle, true},
		{"failed scan", StateIdle, []Event{EventActivate, EventStart, EventFail, EventReset}, StateIdle, true},
		{"exclude idle", StateIdle, []Event{EventExclude, EventInclude}, StateIdle, true},
		{"exclude waiting through cancel", StateWaiting, []Event{EventCancel, EventExclude}, StateExcluded, true},
		{"exclude waiting directly", StateWaiting, []Event{EventExclude}, StateWaiting, false},
		{"exclude running directly", StateRunning, []Event{EventExclude}, StateRunning, false},
		{"start idle", StateIdle, []Event{EventStart}, StateIdle, false},
		{"activate excluded", StateExcluded, []Event{EventActivate}, StateExcluded, false},
		{"complete waiting", StateWaiting, []Event{EventComplete}, StateWaiting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.from
			var err error
			for _, e := range tt.events {
				if s, err = Transition(s, e); err != nil {
					break
				}
			}
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition)
			}
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestNextAction(t *testing.T) {
	tests := []struct {
		current  topology.PoolStatus
		incoming topology.PoolStatus
		want     Action
	}{
		{topology.StatusUninitialized, topology.StatusEnabled, ActionDownToUp},
		{topology.StatusUninitialized, topology.StatusReadOnly, ActionDownToUp},
		{topology.StatusUninitialized, topology.StatusDown, ActionUpToDown},
		{topology.StatusDown, topology.StatusDown, ActionNop},
		{topology.StatusDown, topology.StatusEnabled, ActionDownToUp},
		{topology.StatusDown, topology.StatusReadOnly, ActionDownToUp},
		{topology.StatusEnabled, topology.StatusDown, ActionUpToDown},
		{topology.StatusEnabled, topology.StatusReadOnly, ActionNop},
		{topology.StatusReadOnly, topology.StatusEnabled, ActionNop},
		{topology.StatusReadOnly, topology.StatusDown, ActionUpToDown},
		{topology.StatusEnabled, topology.StatusUninitialized, ActionNop},
	}

	for _, tt := range tests {
		t.Run(tt.current.String()+"->"+tt.incoming.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, NextAction(tt.current, tt.incoming))
		})
	}
}

func TestParseState(t *testing.T) {
	for i := range stateNames {
		s, err := ParseState(State(i).String())
		require.NoError(t, err)
		assert.Equal(t, State(i), s)
	}
	_, err := ParseState("sleeping")
	assert.Error(t, err)
}
