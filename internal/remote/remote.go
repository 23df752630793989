// Package remote defines the daemon's view of the application's backing
// document store: a paginated message log with a cheap live tail, a
// conversation store, and per-user profile feeds. Implementations live in
// subpackages; the session core depends only on these interfaces.
package remote

import (
	"context"
	"time"

	"github.com/sejijohn/tuskersd/internal/chat"
)

// Cursor is an opaque pagination marker referencing the oldest message
// boundary of the most recently fetched page. A nil *Cursor means "start
// of time" (nothing fetched yet); end of history is signalled separately
// via Page.HasMore.
type Cursor struct {
	Before time.Time
	ID     string
}

// Page is one backward slice of a conversation's message log, ordered
// newest to oldest.
type Page struct {
	Messages   []chat.Message
	NextCursor *Cursor
	HasMore    bool
}

// TailHandle is a live feed bounded to a conversation's newest message.
// Events carries each appended (or re-delivered) record; at-least-once
// delivery is allowed, consumers must dedup by id. Err yields at most one
// terminal error after Events closes.
type TailHandle interface {
	Events() <-chan chat.Message
	Err() <-chan error
	Close() error
}

// ProfileHandle is a live feed of one user's profile record.
type ProfileHandle interface {
	Updates() <-chan chat.Profile
	Close() error
}

// MessageLog is the append-only remote message store.
type MessageLog interface {
	// Append writes a new message; the store assigns the id and the
	// server timestamp, returned on the stored copy.
	Append(ctx context.Context, msg chat.Message) (chat.Message, error)

	// Query fetches one page newest-to-oldest strictly before the cursor
	// (nil cursor = from the newest message).
	Query(ctx context.Context, conversationID string, cursor *Cursor, limit int) (Page, error)

	// Tail opens a change feed covering messages appended to the
	// conversation after the call.
	Tail(ctx context.Context, conversationID string) (TailHandle, error)

	// PatchStatus advances one recipient's status on one message. The
	// write is monotonic: a redundant or regressive patch is a no-op.
	PatchStatus(ctx context.Context, conversationID, messageID, userID string, status chat.Status) error
}

// ConversationStore is the remote conversation document store.
type ConversationStore interface {
	Get(ctx context.Context, id string) (chat.Conversation, error)
	Patch(ctx context.Context, id string, fields ConversationPatch) error
}

// ConversationPatch carries the mutable conversation fields a client
// updates after a send.
type ConversationPatch struct {
	LastMessageSummary string
	UpdatedAt          time.Time
}

// ProfileStore is the remote member profile store.
type ProfileStore interface {
	Get(ctx context.Context, userID string) (chat.Profile, error)
	Subscribe(ctx context.Context, userID string) (ProfileHandle, error)
}
