package cache

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sejijohn/tuskersd/internal/chat"
)

// UpsertConversation mirrors a conversation document.
func (db *DB) UpsertConversation(c *chat.Conversation) error {
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, kind, title, participant_ids, last_message_summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			participant_ids = excluded.participant_ids,
			last_message_summary = excluded.last_message_summary,
			updated_at = MAX(conversations.updated_at, excluded.updated_at)`,
		c.ID, string(c.Kind), c.Title, string(participants), c.LastMessageSummary, c.UpdatedAt.UnixMilli())
	return err
}

// GetConversation returns a mirrored conversation, or nil when absent.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	var (
		c            chat.Conversation
		kind         string
		participants string
		updatedAt    int64
	)
	err := db.QueryRow(`
		SELECT id, kind, title, participant_ids, last_message_summary, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &kind, &c.Title, &participants, &c.LastMessageSummary, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Kind = chat.ConversationKind(kind)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns mirrored conversations newest-activity first.
func (db *DB) ListConversations(limit int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, title, participant_ids, last_message_summary, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Conversation
	for rows.Next() {
		var (
			c            chat.Conversation
			kind         string
			participants string
			updatedAt    int64
		)
		if err := rows.Scan(&c.ID, &kind, &c.Title, &participants, &c.LastMessageSummary, &updatedAt); err != nil {
			return nil, err
		}
		c.Kind = chat.ConversationKind(kind)
		c.UpdatedAt = time.UnixMilli(updatedAt)
		if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
