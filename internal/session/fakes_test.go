package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

func mkMsg(id, conversationID, senderID string, ts int64) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           "body-" + id,
		CreatedAt:      time.UnixMilli(ts),
	}
}

type patchCall struct {
	MessageID string
	UserID    string
	Status    chat.Status
}

// fakeLog is an in-memory remote.MessageLog. Query mirrors the real
// store's keyset pagination; scripted pages, when set, are returned
// verbatim in order (for boundary-race tests).
type fakeLog struct {
	mu       sync.Mutex
	msgs     []chat.Message
	scripted []remote.Page

	queryErr error
	patchErr error

	patchCh chan patchCall
	tails   []*fakeTail
}

func newFakeLog(msgs ...chat.Message) *fakeLog {
	return &fakeLog{msgs: msgs, patchCh: make(chan patchCall, 100)}
}

func (l *fakeLog) Append(_ context.Context, msg chat.Message) (chat.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.CreatedAt = time.Now().UTC()
	l.msgs = append(l.msgs, msg)
	return msg, nil
}

func (l *fakeLog) Query(_ context.Context, conversationID string, cursor *remote.Cursor, limit int) (remote.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.queryErr != nil {
		return remote.Page{}, l.queryErr
	}
	if len(l.scripted) > 0 {
		page := l.scripted[0]
		l.scripted = l.scripted[1:]
		return page, nil
	}

	var filtered []chat.Message
	for _, m := range l.msgs {
		if m.ConversationID != conversationID {
			continue
		}
		if cursor != nil {
			if m.CreatedAt.After(cursor.Before) {
				continue
			}
			if m.CreatedAt.Equal(cursor.Before) && m.ID <= cursor.ID {
				continue
			}
		}
		filtered = append(filtered, m)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].ID < filtered[j].ID
	})
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	page := remote.Page{Messages: filtered, HasMore: len(filtered) == limit}
	if len(filtered) > 0 {
		oldest := filtered[len(filtered)-1]
		page.NextCursor = &remote.Cursor{Before: oldest.CreatedAt, ID: oldest.ID}
	}
	return page, nil
}

func (l *fakeLog) Tail(_ context.Context, _ string) (remote.TailHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &fakeTail{
		events: make(chan chat.Message, 32),
		errs:   make(chan error, 1),
	}
	l.tails = append(l.tails, t)
	return t, nil
}

func (l *fakeLog) PatchStatus(_ context.Context, _, messageID, userID string, status chat.Status) error {
	l.mu.Lock()
	patchErr := l.patchErr
	if patchErr == nil {
		for i := range l.msgs {
			if l.msgs[i].ID == messageID && l.msgs[i].StatusMap[userID] < status {
				if l.msgs[i].StatusMap == nil {
					l.msgs[i].StatusMap = make(map[string]chat.Status)
				}
				l.msgs[i].StatusMap[userID] = status
			}
		}
	}
	l.mu.Unlock()

	if patchErr != nil {
		return patchErr
	}
	l.patchCh <- patchCall{MessageID: messageID, UserID: userID, Status: status}
	return nil
}

func (l *fakeLog) openTails() []*fakeTail {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeTail(nil), l.tails...)
}

// waitPatch blocks for the next recorded status write.
func (l *fakeLog) waitPatch(timeout time.Duration) (patchCall, bool) {
	select {
	case p := <-l.patchCh:
		return p, true
	case <-time.After(timeout):
		return patchCall{}, false
	}
}

type fakeTail struct {
	events chan chat.Message
	errs   chan error

	mu     sync.Mutex
	closed bool
}

func (t *fakeTail) Events() <-chan chat.Message { return t.events }
func (t *fakeTail) Err() <-chan error           { return t.errs }

func (t *fakeTail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}

func (t *fakeTail) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// drop simulates a transport disconnect.
func (t *fakeTail) drop() {
	t.errs <- remote.ErrSubscriptionDropped
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	t.mu.Unlock()
}

// push delivers a message on the feed.
func (t *fakeTail) push(m chat.Message) {
	t.events <- m
}

type fakeConvs struct {
	mu    sync.Mutex
	convs map[string]chat.Conversation
}

func newFakeConvs(convs ...chat.Conversation) *fakeConvs {
	f := &fakeConvs{convs: make(map[string]chat.Conversation)}
	for _, c := range convs {
		f.convs[c.ID] = c
	}
	return f
}

func (f *fakeConvs) Get(_ context.Context, id string) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return chat.Conversation{}, remote.ErrConversationNotFound
	}
	return c, nil
}

func (f *fakeConvs) Patch(_ context.Context, id string, fields remote.ConversationPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.convs[id]
	c.LastMessageSummary = fields.LastMessageSummary
	c.UpdatedAt = fields.UpdatedAt
	f.convs[id] = c
	return nil
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]chat.Profile
	handles  map[string][]*fakeProfileHandle
	subErr   error
	subStall bool // Subscribe hangs until the caller's ctx is cancelled
}

func newFakeProfiles(profiles ...chat.Profile) *fakeProfiles {
	f := &fakeProfiles{
		profiles: make(map[string]chat.Profile),
		handles:  make(map[string][]*fakeProfileHandle),
	}
	for _, p := range profiles {
		f.profiles[p.UserID] = p
	}
	return f
}

func (f *fakeProfiles) Get(_ context.Context, userID string) (chat.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok {
		return p, nil
	}
	return chat.Profile{UserID: userID}, nil
}

func (f *fakeProfiles) Subscribe(ctx context.Context, userID string) (remote.ProfileHandle, error) {
	f.mu.Lock()
	stall := f.subStall
	f.mu.Unlock()
	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	h := &fakeProfileHandle{updates: make(chan chat.Profile, 8)}
	initial, ok := f.profiles[userID]
	if !ok {
		initial = chat.Profile{UserID: userID}
	}
	h.updates <- initial
	f.handles[userID] = append(f.handles[userID], h)
	return h, nil
}

// push delivers a profile change to every subscriber of that user.
func (f *fakeProfiles) push(p chat.Profile) {
	f.mu.Lock()
	f.profiles[p.UserID] = p
	handles := append([]*fakeProfileHandle(nil), f.handles[p.UserID]...)
	f.mu.Unlock()
	for _, h := range handles {
		h.mu.Lock()
		if !h.closed {
			h.updates <- p
		}
		h.mu.Unlock()
	}
}

func (f *fakeProfiles) subscriptionCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := 0
	for _, h := range f.handles[userID] {
		if !h.isClosed() {
			open++
		}
	}
	return open
}

type fakeProfileHandle struct {
	updates chan chat.Profile
	mu      sync.Mutex
	closed  bool
}

func (h *fakeProfileHandle) Updates() <-chan chat.Profile { return h.updates }

func (h *fakeProfileHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.updates)
	}
	return nil
}

func (h *fakeProfileHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
