package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, title, counterpart_id, counterpart_name, unread_count, is_active, presence, last_seen_at, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			counterpart_id = excluded.counterpart_id,
			counterpart_name = excluded.counterpart_name,
			unread_count = excluded.unread_count,
			is_active = excluded.is_active,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.CounterpartID, c.CounterpartName, c.UnreadCount, c.IsActive, c.Presence, c.LastSeenAt, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// TouchChat bumps a chat's last-message summary without resetting the rest
// of the aggregate. The chat row is created if missing.
func (db *DB) TouchChat(chatID string, lastMessageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		chatID, lastMessageAt, preview, now)
	return err
}

// SetChatPresence updates the counterparty presence fields only.
func (db *DB) SetChatPresence(chatID, presence string, lastSeenAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE chats SET presence = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
		presence, lastSeenAt, now, chatID)
	return err
}

// IncrementUnread bumps the unread counter for a chat.
func (db *DB) IncrementUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1 WHERE id = ?`, chatID)
	return err
}

// ClearUnread resets the unread counter for a chat.
func (db *DB) ClearUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0 WHERE id = ?`, chatID)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
// Archived chats (is_active = 0) are excluded unless includeArchived is set.
func (db *DB) ListChats(limit, offset int, includeArchived bool) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, title, counterpart_id, counterpart_name, unread_count, is_active, presence, last_seen_at, last_message_at, last_message_preview
		FROM chats`
	if !includeArchived {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY last_message_at DESC LIMIT ? OFFSET ?`

	rows, err := db.Query(q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.CounterpartID, &c.CounterpartName, &c.UnreadCount, &c.IsActive, &c.Presence, &c.LastSeenAt, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by ID, or nil when absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, title, counterpart_id, counterpart_name, unread_count, is_active, presence, last_seen_at, last_message_at, last_message_preview
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.CounterpartID, &c.CounterpartName, &c.UnreadCount, &c.IsActive, &c.Presence, &c.LastSeenAt, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
