package cache

import (
	"encoding/json"
	"time"

	"github.com/sejijohn/tuskersd/internal/chat"
)

// UpsertMessage mirrors a message, merging the stored status map with the
// incoming one so a stale snapshot never regresses a cached status.
func (db *DB) UpsertMessage(m *chat.Message) error {
	return db.upsertMessage(m, false)
}

// UpsertPendingMessage mirrors an optimistic local echo that has not been
// confirmed by the remote log yet.
func (db *DB) UpsertPendingMessage(m *chat.Message) error {
	return db.upsertMessage(m, true)
}

func (db *DB) upsertMessage(m *chat.Message, pending bool) error {
	existing, err := db.statusMap(m.ConversationID, m.ID)
	if err != nil {
		return err
	}
	merged, err := json.Marshal(chat.MergeStatusMaps(existing, m.StatusMap))
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, sender_avatar, body, created_at, status_map, pending, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			sender_avatar = excluded.sender_avatar,
			body = excluded.body,
			status_map = excluded.status_map,
			pending = excluded.pending,
			cached_at = excluded.cached_at`,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.SenderAvatar,
		m.Body, m.CreatedAt.UnixMilli(), string(merged), pending, now)
	return err
}

func (db *DB) statusMap(conversationID, msgID string) (map[string]chat.Status, error) {
	var raw string
	err := db.QueryRow(`SELECT status_map FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID).Scan(&raw)
	if err != nil {
		return nil, nil // absent row, nothing to merge
	}
	var m map[string]chat.Status
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMessage removes one cached message. Used to discard an optimistic
// echo once the authoritative record arrives.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// ListMessages returns cached messages for a conversation using keyset
// pagination by created_at descending.
func (db *DB) ListMessages(conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeMs := before.UnixMilli()
	if before.IsZero() {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, sender_name, sender_avatar, body, created_at, status_map
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, msg_id ASC
		LIMIT ?`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m         chat.Message
			createdAt int64
			statusRaw string
		)
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.SenderName,
			&m.SenderAvatar, &m.Body, &createdAt, &statusRaw); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(statusRaw), &m.StatusMap); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of cached messages in a conversation.
func (db *DB) MessageCount(conversationID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	return count, err
}
