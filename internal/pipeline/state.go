// Package pipeline implements the SWRP endpoint lifecycle state machine
// (§4.6) shared by the source and sink pipelines, plus the observer
// registration both sides use to report state, stats, preview frames, and
// errors without the pipeline holding a back-pointer to its caller.
package pipeline

import (
	"fmt"
	"sync"
)

// State is one of the nine lifecycle states an endpoint can be in.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Handshaking
	Ready
	Starting
	Streaming
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Handshaking:
		return "Handshaking"
	case Ready:
		return "Ready"
	case Starting:
		return "Starting"
	case Streaming:
		return "Streaming"
	case Stopping:
		return "Stopping"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// allowed is the legal-transition table of §4.6. A transition not present
// here is a programming error and is refused by Transition.
var allowed = map[State]map[State]bool{
	Disconnected: {Connecting: true},
	Connecting:   {Connected: true, Disconnected: true, Error: true},
	Connected:    {Handshaking: true, Disconnected: true, Error: true},
	Handshaking:  {Ready: true, Disconnected: true, Error: true},
	Ready:        {Starting: true, Disconnected: true, Error: true},
	Starting:     {Streaming: true, Ready: true, Disconnected: true, Error: true},
	Streaming:    {Stopping: true, Disconnected: true, Error: true},
	Stopping:     {Ready: true, Disconnected: true, Error: true},
	Error:        {Disconnected: true, Connecting: true},
}

// IllegalTransition reports an attempted transition not present in the
// table above.
type IllegalTransition struct {
	From, To State
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("pipeline: illegal transition %s -> %s", e.From, e.To)
}

// Machine is a mutex-guarded state holder that refuses illegal transitions
// and notifies registered observers on every successful one.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []Observer
}

// NewMachine returns a Machine starting in Disconnected.
func NewMachine() *Machine {
	return &Machine{state: Disconnected}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine from its current state to to. It returns
// *IllegalTransition without changing state if the move is not in the
// allowed table; otherwise every registered observer is notified (outside
// the lock, so an observer callback may itself call back into the Machine).
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	next, ok := allowed[from]
	if !ok || !next[to] {
		m.mu.Unlock()
		return &IllegalTransition{From: from, To: to}
	}
	m.state = to
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		if o.OnState != nil {
			o.OnState(from, to)
		}
	}
	return nil
}

// Observe registers a new Observer and returns a function that
// unregisters it.
func (m *Machine) Observe(o Observer) (unregister func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
	idx := len(m.observers) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.observers) {
			m.observers = append(m.observers[:idx], m.observers[idx+1:]...)
		}
	}
}

func (m *Machine) snapshotObservers() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Observer(nil), m.observers...)
}

// NotifyStats delivers a stats snapshot to every registered observer's
// OnStats callback, outside the lock.
func (m *Machine) NotifyStats(s Stats) {
	for _, o := range m.snapshotObservers() {
		if o.OnStats != nil {
			o.OnStats(s)
		}
	}
}

// NotifyPreview delivers a preview frame to every registered observer's
// OnPreview callback, outside the lock.
func (m *Machine) NotifyPreview(frame []byte) {
	for _, o := range m.snapshotObservers() {
		if o.OnPreview != nil {
			o.OnPreview(frame)
		}
	}
}

// NotifyError delivers an error to every registered observer's OnError
// callback, outside the lock.
func (m *Machine) NotifyError(err error) {
	for _, o := range m.snapshotObservers() {
		if o.OnError != nil {
			o.OnError(err)
		}
	}
}

// Observer is the set of callbacks a pipeline caller (shell/UI) registers to
// receive state transitions, stats snapshots, preview frames, and errors.
// Any field may be nil.
type Observer struct {
	OnState   func(from, to State)
	OnStats   func(Stats)
	OnPreview func(frame []byte)
	OnError   func(error)
}

// Stats mirrors SessionStats (§3): the counters an observer's OnStats
// callback receives once per second from the stats task.
type Stats struct {
	FramesCaptured     uint64
	FramesEncoded      uint64
	FramesSent         uint64
	FramesDropped      uint64
	BytesSent          uint64
	CurrentFPS         float64
	CurrentBitrateBps  float64
	LatencyUs          uint64
	StartTimeUnixNanos int64
}
