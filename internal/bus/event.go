package bus

import (
	"time"

	"github.com/sejijohn/tuskersd/internal/chat"
)

// Event kinds published on the daemon bus. Subscribers filter by prefix,
// e.g. "message." receives every message event.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindStatusAdvanced    = "status.advanced"
	KindRosterUpdated     = "roster.member_updated"
	KindSessionState      = "session.state_changed"
	KindTailDropped       = "sync.tail_dropped"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageUpserted announces a message newly visible in a session.
type MessageUpserted struct {
	ConversationID string
	Message        chat.Message
}

// SendAck maps an optimistic client id to the authoritative server id.
type SendAck struct {
	ConversationID string
	ClientID       string
	ServerID       string
}

// SendFailed reports a send that could not be appended to the remote log.
type SendFailed struct {
	ConversationID string
	ClientID       string
	Reason         string
}

// StatusAdvanced announces a merged per-recipient status change.
type StatusAdvanced struct {
	ConversationID string
	MessageID      string
	UserID         string
	Status         chat.Status
}

// RosterUpdated carries the newest profile snapshot for one member.
type RosterUpdated struct {
	ConversationID string
	Profile        chat.Profile
}

// SessionStateChanged reports a session lifecycle transition.
type SessionStateChanged struct {
	ConversationID string
	From, To       string
}

// TailDropped reports a conversation's live feed failing past recovery.
type TailDropped struct {
	ConversationID string
	Reason         string
}
