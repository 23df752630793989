package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sejijohn/tuskersd/internal/bus"
	"github.com/sejijohn/tuskersd/internal/cache"
	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// mockLog records appends and returns configurable results.
type mockLog struct {
	mu    sync.Mutex
	calls []chat.Message
	err   error
	delay time.Duration // artificial delay to observe intermediate states
}

func (m *mockLog) Append(_ context.Context, msg chat.Message) (chat.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	n := len(m.calls)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return chat.Message{}, m.err
	}
	msg.ID = fmt.Sprintf("server-%d", n)
	msg.CreatedAt = time.Now().UTC()
	return msg, nil
}

func (m *mockLog) appendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLog) Query(context.Context, string, *remote.Cursor, int) (remote.Page, error) {
	return remote.Page{}, nil
}

func (m *mockLog) Tail(context.Context, string) (remote.TailHandle, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockLog) PatchStatus(context.Context, string, string, string, chat.Status) error {
	return nil
}

type mockConvs struct {
	mu      sync.Mutex
	patches []remote.ConversationPatch
}

func (m *mockConvs) Get(context.Context, string) (chat.Conversation, error) {
	return chat.Conversation{}, remote.ErrConversationNotFound
}

func (m *mockConvs) Patch(_ context.Context, _ string, fields remote.ConversationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = append(m.patches, fields)
	return nil
}

func (m *mockConvs) lastPatch() (remote.ConversationPatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.patches) == 0 {
		return remote.ConversationPatch{}, false
	}
	return m.patches[len(m.patches)-1], true
}

func testDB(t *testing.T) *cache.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := cache.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestSender(db *cache.DB, log *mockLog, convs *mockConvs, b *bus.Bus) *Sender {
	logger, _ := zap.NewDevelopment()
	return NewSender(db, log, convs, b, logger, 50*time.Millisecond, 2*time.Second)
}

func TestSenderDrainsQueuedMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	log := &mockLog{}
	convs := &mockConvs{}
	s := newTestSender(db, log, convs, b)

	ch, unsub := b.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	if err := db.QueueOutbox("client-1", "c1", "me", "hello"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		ack, ok := evt.Payload.(bus.SendAck)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if ack.ClientID != "client-1" || ack.ServerID != "server-1" {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}

	if got := log.appendCount(); got != 1 {
		t.Fatalf("got %d appends, want 1", got)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}
}

func TestSenderReportsFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	log := &mockLog{err: fmt.Errorf("network error")}
	s := newTestSender(db, log, &mockConvs{}, b)

	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	if err := db.QueueOutbox("client-1", "c1", "me", "hello"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		failed, ok := evt.Payload.(bus.SendFailed)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if failed.ClientID != "client-1" || failed.Reason == "" {
			t.Errorf("failure = %+v", failed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	// Entry is marked failed, not retried forever.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (marked failed)", len(pending))
	}
}

// TestSenderOptimisticEcho verifies the cached echo appears under the
// client id before the remote append completes, then is replaced by the
// authoritative record afterwards.
func TestSenderOptimisticEcho(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	log := &mockLog{delay: 500 * time.Millisecond}
	s := newTestSender(db, log, &mockConvs{}, b)

	ch, unsub := b.Subscribe(bus.KindMessageUpserted, 10)
	defer unsub()

	if err := db.QueueOutbox("client-1", "c1", "me", "optimistic"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for optimistic message.upserted event")
	}

	// Echo is cached under the client id while the append is in flight.
	msgs, err := db.ListMessages("c1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "client-1" {
		t.Fatalf("cached messages = %+v, want one echo under client-1", msgs)
	}
	if msgs[0].Body != "optimistic" {
		t.Errorf("body = %q", msgs[0].Body)
	}

	time.Sleep(time.Second)

	// After the ack only the authoritative record remains.
	msgs, err = db.ListMessages("c1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d cached messages, want 1", len(msgs))
	}
	if msgs[0].ID != "server-1" {
		t.Errorf("cached id = %q, want server-1", msgs[0].ID)
	}
}

func TestSenderPatchesConversationSummary(t *testing.T) {
	db := testDB(t)
	convs := &mockConvs{}
	s := newTestSender(db, &mockLog{}, convs, bus.New())

	if err := db.QueueOutbox("client-1", "c1", "me", "the newest message"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if patch, ok := convs.lastPatch(); ok {
			if patch.LastMessageSummary != "the newest message" {
				t.Errorf("summary = %q", patch.LastMessageSummary)
			}
			if patch.UpdatedAt.IsZero() {
				t.Error("UpdatedAt not set")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("conversation summary never patched")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
