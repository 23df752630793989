package session

import (
	"context"
	"time"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

// pageStore fetches a conversation's history backward page by page and
// folds each page into the session's ordered set. Messages already known
// to the set are silently dropped, which guards against the tail feed
// and a page fetch racing on the same boundary message.
type pageStore struct {
	log            remote.MessageLog
	set            *messageSet
	conversationID string
	pageSize       int
	timeout        time.Duration

	cursor  *remote.Cursor
	hasMore bool
	loaded  bool
}

func newPageStore(log remote.MessageLog, set *messageSet, conversationID string, pageSize int, timeout time.Duration) *pageStore {
	return &pageStore{
		log:            log,
		set:            set,
		conversationID: conversationID,
		pageSize:       pageSize,
		timeout:        timeout,
	}
}

// LoadInitial fetches the newest page. Returns the messages newly added
// to the set.
func (p *pageStore) LoadInitial(ctx context.Context) ([]chat.Message, error) {
	p.cursor = nil
	p.hasMore = false
	p.loaded = false
	msgs, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	p.loaded = true
	return msgs, nil
}

// LoadOlder fetches the page before the current cursor. Once the history
// is exhausted (a short page was returned), further calls are no-ops
// until Reset.
func (p *pageStore) LoadOlder(ctx context.Context) ([]chat.Message, error) {
	if !p.loaded || !p.hasMore {
		return nil, nil
	}
	return p.fetch(ctx)
}

// HasMore reports whether older history remains.
func (p *pageStore) HasMore() bool { return p.hasMore }

// Reset forgets all pagination state, for a reopened conversation.
func (p *pageStore) Reset() {
	p.cursor = nil
	p.hasMore = false
	p.loaded = false
}

func (p *pageStore) fetch(ctx context.Context) ([]chat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	page, err := p.log.Query(ctx, p.conversationID, p.cursor, p.pageSize)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &remote.FetchError{Op: "page fetch", Err: ctx.Err()}
		}
		return nil, err
	}

	p.hasMore = page.HasMore
	if page.NextCursor != nil {
		p.cursor = page.NextCursor
	}

	var added []chat.Message
	for _, m := range page.Messages {
		if isNew, _ := p.set.upsert(m); isNew {
			added = append(added, m)
		}
	}
	return added, nil
}
