package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatcore/internal/bus"
)

// State represents the realtime connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Error        State = "error"
)

// validTransitions defines allowed state transitions. Error is reachable
// from every state and is advisory: the manager keeps retrying from it.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Error},
	Connecting:   {Connected, Disconnected, Error},
	Connected:    {Disconnected, Error},
	Error:        {Connecting, Disconnected, Error},
}

// Detail annotates the error state.
type Detail struct {
	Attempt int
	Message string
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	detail  Detail
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the current state, its error detail and when it was entered.
func (m *Machine) Snapshot() (State, Detail, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.detail, m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op except for Error, whose detail is refreshed.
func (m *Machine) Transition(to State) error {
	return m.transition(to, Detail{})
}

// Fail moves to Error annotated with the attempt count and message.
func (m *Machine) Fail(attempt int, msg string) error {
	return m.transition(Error, Detail{Attempt: attempt, Message: msg})
}

func (m *Machine) transition(to State, detail Detail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to && to != Error {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.detail = detail
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnectionState,
			Timestamp: m.since,
			Payload: StatusChange{
				From:   from,
				To:     to,
				Detail: detail,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Detail Detail
}
