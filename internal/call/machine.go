package call

import (
	"fmt"
	"sync"
)

// State is the single authoritative phase of one call negotiation. Tracking
// accepted/muted/connected as independent flags is what leaks media devices
// and peer objects when events arrive late or twice; every piece of call
// logic consults and advances this machine instead.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateFetchingCredentials
	StateInitiating
	StateAwaitingAnswer
	StateNegotiating
	StateConnected
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateFetchingCredentials:
		return "fetching_credentials"
	case StateInitiating:
		return "initiating"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:                {StateAcquiringMedia},
	StateAcquiringMedia:      {StateFetchingCredentials},
	StateFetchingCredentials: {StateInitiating, StateAwaitingAnswer},
	StateInitiating:          {StateAwaitingAnswer},
	StateAwaitingAnswer:      {StateNegotiating},
	StateNegotiating:         {StateConnected},
	StateClosing:             {StateClosed},
}

// Machine serializes state transitions for one call.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To advances to next if the transition is legal. StateClosing and
// StateFailed are reachable from every non-terminal state: a hangup or a
// fatal error can arrive at any point in the lifecycle, including while
// setup is still acquiring media.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next == StateClosing || next == StateFailed {
		if m.state.Terminal() || m.state == next {
			return fmt.Errorf("call already %s", m.state)
		}
		m.state = next
		return nil
	}

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.state, next)
}

// In reports whether the current state is one of the given states.
func (m *Machine) In(states ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		if m.state == s {
			return true
		}
	}
	return false
}
