package chat

import "time"

// ConversationKind distinguishes one-to-one chats from group chats.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Message is one record in a conversation's message log. Sender metadata
// is denormalized at send time and never live-updated on the message.
type Message struct {
	ID             string            `bson:"_id" json:"id"`
	ConversationID string            `bson:"conversation_id" json:"conversation_id"`
	SenderID       string            `bson:"sender_id" json:"sender_id"`
	SenderName     string            `bson:"sender_name" json:"sender_name"`
	SenderAvatar   string            `bson:"sender_avatar,omitempty" json:"sender_avatar,omitempty"`
	Body           string            `bson:"body" json:"body"`
	CreatedAt      time.Time         `bson:"created_at" json:"created_at"`
	StatusMap      map[string]Status `bson:"status_map,omitempty" json:"status_map,omitempty"`
}

// StatusFor returns the recipient's status for this message and whether
// an entry exists at all.
func (m *Message) StatusFor(userID string) (Status, bool) {
	s, ok := m.StatusMap[userID]
	return s, ok
}

// Conversation is the chat container document.
type Conversation struct {
	ID                 string           `bson:"_id" json:"id"`
	Kind               ConversationKind `bson:"kind" json:"kind"`
	Title              string           `bson:"title,omitempty" json:"title,omitempty"`
	ParticipantIDs     []string         `bson:"participant_ids" json:"participant_ids"`
	LastMessageSummary string           `bson:"last_message_summary,omitempty" json:"last_message_summary,omitempty"`
	UpdatedAt          time.Time        `bson:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Profile is a member's live profile record, fed to the roster.
type Profile struct {
	UserID      string    `bson:"_id" json:"user_id"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	AvatarRef   string    `bson:"avatar_ref,omitempty" json:"avatar_ref,omitempty"`
	Role        string    `bson:"role,omitempty" json:"role,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}
