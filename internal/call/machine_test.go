package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_HappyPathCaller(t *testing.T) {
	m := NewMachine()
	for _, next := range []State{
		StateAcquiringMedia,
		StateFetchingCredentials,
		StateInitiating,
		StateAwaitingAnswer,
		StateNegotiating,
		StateConnected,
		StateClosing,
		StateClosed,
	} {
		require.NoError(t, m.To(next), "to %s", next)
		assert.Equal(t, next, m.State())
	}
	assert.True(t, m.State().Terminal())
}

func TestMachine_HappyPathCallee(t *testing.T) {
	m := NewMachine()
	for _, next := range []State{
		StateAcquiringMedia,
		StateFetchingCredentials,
		StateAwaitingAnswer, // callee skips Initiating
		StateNegotiating,
		StateConnected,
		StateClosing,
		StateClosed,
	} {
		require.NoError(t, m.To(next), "to %s", next)
	}
}

func TestMachine_IllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		walk []State
		next State
	}{
		{"idle to connected", nil, StateConnected},
		{"skip credentials", []State{StateAcquiringMedia}, StateInitiating},
		{"back to idle", []State{StateAcquiringMedia}, StateIdle},
		{"connected to negotiating", []State{
			StateAcquiringMedia, StateFetchingCredentials, StateAwaitingAnswer,
			StateNegotiating, StateConnected,
		}, StateNegotiating},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine()
			for _, s := range tc.walk {
				require.NoError(t, m.To(s))
			}
			before := m.State()
			assert.Error(t, m.To(tc.next))
			assert.Equal(t, before, m.State(), "failed transition must not move the machine")
		})
	}
}

func TestMachine_FailedFromAnyNonTerminal(t *testing.T) {
	walks := map[string][]State{
		"idle":            nil,
		"acquiring":       {StateAcquiringMedia},
		"awaiting answer": {StateAcquiringMedia, StateFetchingCredentials, StateAwaitingAnswer},
		"connected": {
			StateAcquiringMedia, StateFetchingCredentials, StateAwaitingAnswer,
			StateNegotiating, StateConnected,
		},
	}
	for name, walk := range walks {
		t.Run(name, func(t *testing.T) {
			m := NewMachine()
			for _, s := range walk {
				require.NoError(t, m.To(s))
			}
			require.NoError(t, m.To(StateFailed))
			assert.Equal(t, StateFailed, m.State())
		})
	}
}

func TestMachine_ClosingFromAnyNonTerminal(t *testing.T) {
	// A hangup can land while setup is still acquiring media or fetching
	// credentials; the machine must record it from every non-terminal state.
	walks := map[string][]State{
		"idle":        nil,
		"acquiring":   {StateAcquiringMedia},
		"fetching":    {StateAcquiringMedia, StateFetchingCredentials},
		"initiating":  {StateAcquiringMedia, StateFetchingCredentials, StateInitiating},
		"negotiating": {StateAcquiringMedia, StateFetchingCredentials, StateAwaitingAnswer, StateNegotiating},
	}
	for name, walk := range walks {
		t.Run(name, func(t *testing.T) {
			m := NewMachine()
			for _, s := range walk {
				require.NoError(t, m.To(s))
			}
			require.NoError(t, m.To(StateClosing))
			assert.Error(t, m.To(StateClosing), "closing twice is an error")
			require.NoError(t, m.To(StateClosed))
		})
	}
}

func TestMachine_TerminalStatesAreSticky(t *testing.T) {
	closed := NewMachine()
	for _, s := range []State{
		StateAcquiringMedia, StateFetchingCredentials, StateAwaitingAnswer,
		StateNegotiating, StateClosing, StateClosed,
	} {
		require.NoError(t, closed.To(s))
	}
	assert.Error(t, closed.To(StateFailed), "closed cannot become failed")
	assert.Error(t, closed.To(StateAcquiringMedia))

	failed := NewMachine()
	require.NoError(t, failed.To(StateFailed))
	assert.Error(t, failed.To(StateFailed), "failed cannot fail again")
	assert.Error(t, failed.To(StateClosing))
	assert.Equal(t, StateFailed, failed.State())
}

func TestMachine_In(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.To(StateAcquiringMedia))
	assert.True(t, m.In(StateIdle, StateAcquiringMedia))
	assert.False(t, m.In(StateConnected, StateClosed))
}
