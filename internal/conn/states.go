package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mvales/courier/internal/bus"
)

// State represents a connection manager state.
type State string

const (
	Disconnected      State = "DISCONNECTED"
	Connecting        State = "CONNECTING"
	Connected         State = "CONNECTED"
	ReconnectingShort State = "RECONNECTING_SHORT"
	ReconnectingLong  State = "RECONNECTING_LONG"
	Paused            State = "PAUSED"
	Banned            State = "BANNED"
)

// validTransitions defines allowed state transitions. BANNED is
// terminal except for an explicit external reset back to DISCONNECTED.
var validTransitions = map[State][]State{
	Disconnected:      {Connecting, Paused, Banned},
	Connecting:        {Connected, ReconnectingShort, ReconnectingLong, Disconnected, Paused, Banned},
	Connected:         {ReconnectingShort, ReconnectingLong, Disconnected, Paused, Banned},
	ReconnectingShort: {Connecting, ReconnectingLong, Disconnected, Paused, Banned},
	ReconnectingLong:  {Connecting, Disconnected, Paused, Banned},
	Paused:            {Connecting, Disconnected, Banned},
	Banned:            {Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnStateChanged,
			Timestamp: time.Now(),
			Payload: bus.ConnStateChange{
				From: string(from),
				To:   string(to),
			},
		})
	}
	return nil
}
