package session

import (
	"fmt"
	"slices"
	"sync"

	"github.com/sejijohn/tuskersd/internal/bus"
)

// State is a chat session lifecycle state.
type State string

const (
	Idle    State = "IDLE"
	Loading State = "LOADING"
	Ready   State = "READY"
	Failed  State = "ERROR"
	Closed  State = "CLOSED"
)

var validTransitions = map[State][]State{
	Idle:    {Loading},
	Loading: {Ready, Failed, Closed},
	Ready:   {Failed, Closed},
	Failed:  {Closed},
	Closed:  {},
}

// machine tracks and enforces session lifecycle transitions, publishing
// each change on the bus.
type machine struct {
	mu             sync.RWMutex
	current        State
	conversationID string
	bus            *bus.Bus
}

func newMachine(conversationID string, b *bus.Bus) *machine {
	return &machine{current: Idle, conversationID: conversationID, bus: b}
}

func (m *machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state. Returns an error when the transition
// is not in the table.
func (m *machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		current := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid session transition from %s to %s", current, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind: bus.KindSessionState,
			Payload: bus.SessionStateChanged{
				ConversationID: m.conversationID,
				From:           string(from),
				To:             string(to),
			},
		})
	}
	return nil
}
