package cache

import (
	"time"

	"github.com/sejijohn/tuskersd/internal/chat"
)

// UpsertRosterMember mirrors the latest profile snapshot for a member of
// a conversation.
func (db *DB) UpsertRosterMember(conversationID string, p *chat.Profile) error {
	_, err := db.Exec(`
		INSERT INTO roster (conversation_id, user_id, display_name, avatar_ref, role, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE roster.display_name END,
			avatar_ref = excluded.avatar_ref,
			role = excluded.role,
			updated_at = excluded.updated_at`,
		conversationID, p.UserID, p.DisplayName, p.AvatarRef, p.Role, p.UpdatedAt.UnixMilli())
	return err
}

// ListRoster returns the cached roster for a conversation keyed by user,
// ordered by display name for a stable member sheet.
func (db *DB) ListRoster(conversationID string) ([]chat.Profile, error) {
	rows, err := db.Query(`
		SELECT user_id, display_name, avatar_ref, role, updated_at
		FROM roster WHERE conversation_id = ?
		ORDER BY display_name ASC, user_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Profile
	for rows.Next() {
		var (
			p         chat.Profile
			updatedAt int64
		)
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarRef, &p.Role, &updatedAt); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}
