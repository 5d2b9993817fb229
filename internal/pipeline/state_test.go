package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var allStates = []State{Disconnected, Connecting, Connected, Handshaking, Ready, Starting, Streaming, Stopping, Error}

func TestLegalTransitionsSucceed(t *testing.T) {
	cases := []struct{ from, to State }{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connected, Handshaking},
		{Handshaking, Ready},
		{Ready, Starting},
		{Starting, Streaming},
		{Streaming, Stopping},
		{Stopping, Ready},
		{Error, Connecting},
	}
	for _, c := range cases {
		m := &Machine{state: c.from}
		err := m.Transition(c.to)
		require.NoError(t, err, "%s -> %s should be legal", c.from, c.to)
		assert.Equal(t, c.to, m.State())
	}
}

func TestIllegalTransitionsRefused(t *testing.T) {
	cases := []struct{ from, to State }{
		{Disconnected, Streaming},
		{Ready, Stopping},
		{Streaming, Starting},
		{Connected, Ready},
		{Error, Streaming},
	}
	for _, c := range cases {
		m := &Machine{state: c.from}
		err := m.Transition(c.to)
		require.Error(t, err, "%s -> %s should be illegal", c.from, c.to)
		var illegal *IllegalTransition
		require.ErrorAs(t, err, &illegal)
		assert.Equal(t, c.from, m.State(), "state must not change on a refused transition")
	}
}

func TestObserverNotifiedOnlyOnSuccess(t *testing.T) {
	m := NewMachine()
	var seen []State
	m.Observe(Observer{OnState: func(from, to State) { seen = append(seen, to) }})

	require.NoError(t, m.Transition(Connecting))
	require.NoError(t, m.Transition(Connected))
	require.Error(t, m.Transition(Streaming)) // illegal from Connected

	assert.Equal(t, []State{Connecting, Connected}, seen)
}

// TestRandomWalkNeverLeavesTable drives the machine through a random walk of
// attempted transitions and checks that every observed state after a call
// either matches the pre-call state (refused) or is a table-allowed
// successor, i.e. no transition outside §4.6's table is ever silently
// accepted.
func TestRandomWalkNeverLeavesTable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewMachine()
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			before := m.State()
			to := allStates[rapid.IntRange(0, len(allStates)-1).Draw(t, "to")]
			err := m.Transition(to)
			after := m.State()
			if err == nil {
				assert.True(t, allowed[before][to], "accepted transition %s -> %s not in table", before, to)
				assert.Equal(t, to, after)
			} else {
				assert.Equal(t, before, after, "state changed despite refused transition")
			}
		}
	})
}

func TestUnregisterStopsNotifications(t *testing.T) {
	m := NewMachine()
	count := 0
	unregister := m.Observe(Observer{OnState: func(from, to State) { count++ }})
	require.NoError(t, m.Transition(Connecting))
	unregister()
	require.NoError(t, m.Transition(Connected))
	assert.Equal(t, 1, count)
}
