package session

import (
	"testing"
	"time"

	"github.com/sejijohn/tuskersd/internal/bus"
)

func TestMachineHappyPath(t *testing.T) {
	m := newMachine("c1", nil)
	if m.Current() != Idle {
		t.Fatalf("initial state = %s, want IDLE", m.Current())
	}
	for _, to := range []State{Loading, Ready, Closed} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
}

func TestMachineFailurePath(t *testing.T) {
	m := newMachine("c1", nil)
	_ = m.Transition(Loading)
	_ = m.Transition(Ready)
	if err := m.Transition(Failed); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Closed); err != nil {
		t.Fatal(err)
	}
}

func TestMachineRejectsInvalid(t *testing.T) {
	m := newMachine("c1", nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("IDLE -> READY should be rejected")
	}
	_ = m.Transition(Loading)
	_ = m.Transition(Ready)
	_ = m.Transition(Closed)
	if err := m.Transition(Ready); err == nil {
		t.Error("CLOSED -> READY should be rejected")
	}
}

func TestMachinePublishesTransitions(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 4)
	defer unsub()

	m := newMachine("c1", b)
	_ = m.Transition(Loading)

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(bus.SessionStateChanged)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if change.From != "IDLE" || change.To != "LOADING" || change.ConversationID != "c1" {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state event")
	}
}
