package upstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachineTransition(t *testing.T) {
	sm := newStateMachine()
	assert.Equal(t, StateInit, sm.current())

	var transitions [][2]ConnectionState
	sm.onStateChange(func(old, new ConnectionState) {
		transitions = append(transitions, [2]ConnectionState{old, new})
	})

	sm.transition(StateConnecting)
	sm.transition(StateConnected)

	assert.Equal(t, StateConnected, sm.current())
	assert.Nil(t, sm.lastErr())
	assert.Equal(t, [][2]ConnectionState{
		{StateInit, StateConnecting},
		{StateConnecting, StateConnected},
	}, transitions)
}

func TestStateMachineFailClearsOnReconnect(t *testing.T) {
	sm := newStateMachine()
	sm.transition(StateConnecting)
	sm.fail(errors.New("boom"))

	assert.Equal(t, StateDisconnected, sm.current())
	assert.EqualError(t, sm.lastErr(), "boom")

	sm.transition(StateConnected)
	assert.Nil(t, sm.lastErr())
}

func TestBackoffSchedule(t *testing.T) {
	sm := newStateMachine()
	sm.transition(StateConnecting)
	sm.fail(errors.New("x"))
	assert.Equal(t, backoffBase, sm.nextBackoff())

	sm.fail(errors.New("x"))
	assert.Equal(t, backoffBase*backoffFactor, sm.nextBackoff())
}

func TestBackoffCap(t *testing.T) {
	sm := newStateMachine()
	sm.transition(StateConnecting)
	for i := 0; i < 20; i++ {
		sm.fail(errors.New("x"))
	}
	assert.Equal(t, backoffCap, sm.nextBackoff())
}

func TestIsValidTransition(t *testing.T) {
	sm := newStateMachine()
	assert.True(t, sm.isValidTransition(StateConnecting))
	assert.False(t, sm.isValidTransition(StateConnected))
}
