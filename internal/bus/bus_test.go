package bus

import (
	"testing"
	"time"
)

func TestPublishMatchesPrefix(t *testing.T) {
	b := New()
	msgCh, unsubMsg := b.Subscribe("message.", 4)
	defer unsubMsg()
	allCh, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	b.Publish(Event{Kind: KindMessageUpserted})
	b.Publish(Event{Kind: KindRosterUpdated})

	select {
	case evt := <-msgCh:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("kind = %q, want %q", evt.Kind, KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message event")
	}
	select {
	case evt := <-msgCh:
		t.Errorf("unexpected event on message. subscriber: %q", evt.Kind)
	default:
	}

	if got := len(allCh); got != 2 {
		t.Errorf("catch-all received %d events, want 2", got)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Publish(Event{Kind: KindSessionState})

	evt := <-ch
	if evt.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Publish(Event{Kind: "a"})
	b.Publish(Event{Kind: "b"}) // buffer full, must not block

	if got := len(ch); got != 1 {
		t.Errorf("buffered %d events, want 1", got)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("x.", 1)
	unsub()
	unsub() // second call is a no-op

	b.Publish(Event{Kind: "x.y"}) // must not panic on closed state
}
