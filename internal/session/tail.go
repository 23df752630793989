package session

import (
	"context"
	"sync"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// tailRunner drives a conversation's live tail feed: every observed
// record is handed to onMessage (the controller dedups and merges). On a
// transport drop it re-opens the feed once per session; a second drop is
// reported through onDown.
type tailRunner struct {
	log            remote.MessageLog
	conversationID string
	onMessage      func(chat.Message)
	onDown         func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handle   remote.TailHandle
	reopened bool
	closed   bool
}

func openTail(ctx context.Context, log remote.MessageLog, conversationID string, onMessage func(chat.Message), onDown func(error)) (*tailRunner, error) {
	t := &tailRunner{
		log:            log,
		conversationID: conversationID,
		onMessage:      onMessage,
		onDown:         onDown,
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	handle, err := log.Tail(t.ctx, conversationID)
	if err != nil {
		t.cancel()
		return nil, err
	}
	t.handle = handle
	go t.run(handle)
	return t, nil
}

// Close tears the tail down. Safe to call more than once.
func (t *tailRunner) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	handle := t.handle
	t.mu.Unlock()

	t.cancel()
	if handle != nil {
		_ = handle.Close()
	}
}

func (t *tailRunner) run(handle remote.TailHandle) {
	for {
		select {
		case msg, ok := <-handle.Events():
			if !ok {
				t.handleStop(handle)
				return
			}
			t.onMessage(msg)
		case <-t.ctx.Done():
			return
		}
	}
}

// handleStop deals with a feed that ended while the session is live,
// whether the transport erred or the remote end closed cleanly. One
// re-open attempt per session, then surface the failure.
func (t *tailRunner) handleStop(handle remote.TailHandle) {
	select {
	case <-handle.Err():
	default:
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	retry := !t.reopened
	t.reopened = true
	t.mu.Unlock()

	if retry {
		next, err := t.log.Tail(t.ctx, t.conversationID)
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				_ = next.Close()
				return
			}
			t.handle = next
			t.mu.Unlock()
			go t.run(next)
			return
		}
	}

	if t.onDown != nil {
		t.onDown(remote.ErrSubscriptionDropped)
	}
}
