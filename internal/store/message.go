package store

import (
	"database/sql"
	"time"
)

// InsertOptimistic appends a locally-created message identified by its temp
// id. Until reconciliation, msg_id carries the temp id so the
// (chat_id, msg_id) uniqueness holds for in-flight sends too.
func (db *DB) InsertOptimistic(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, temp_id, sender_id, sender_name, kind, content, status, from_me, is_optimistic, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'sending', 1, 1, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO NOTHING`,
		m.ChatID, m.TempID, m.TempID, m.SenderID, m.SenderName, m.Kind, m.Content, m.SentAt, now)
	return err
}

// UpsertMessage inserts or updates a server-confirmed message, idempotent on
// (chat_id, msg_id). On conflict only post-creation-mutable fields change:
// content and sent_at are immutable once confirmed.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, temp_id, sender_id, sender_name, kind, content, appointment_id, status, from_me, is_optimistic, error_message, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			appointment_id = excluded.appointment_id,
			status = excluded.status,
			error_message = excluded.error_message`,
		m.ChatID, m.MsgID, m.TempID, m.SenderID, m.SenderName, m.Kind, m.Content,
		nullable(m.AppointmentID), m.Status, m.FromMe, m.IsOptimistic, m.ErrorMessage, m.SentAt, now)
	return err
}

// ReconcileMessage replaces an in-flight optimistic row with the confirmed
// identity. A poll or catch-up batch can deliver the confirmed record first
// without its temp id (the association is held caller-side only); in that
// case the optimistic duplicate is dropped and the ack merges into the
// existing row, so ack and delivery commute. Returns false when no matching
// temp id exists (store was reset); the caller then falls back to
// UpsertMessage so the confirmed message is never dropped.
func (db *DB) ReconcileMessage(tempID, msgID string, sentAt int64) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var chatID string
	err = tx.QueryRow(`SELECT chat_id FROM messages WHERE temp_id = ? AND is_optimistic = 1`, tempID).Scan(&chatID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var confirmedExists bool
	if err := tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM messages WHERE chat_id = ? AND msg_id = ? AND is_optimistic = 0)`,
		chatID, msgID).Scan(&confirmedExists); err != nil {
		return false, err
	}
	if confirmedExists {
		if _, err := tx.Exec(`DELETE FROM messages WHERE temp_id = ? AND is_optimistic = 1`, tempID); err != nil {
			return false, err
		}
		// Keep the temp id on the surviving row so a late lookup by temp
		// id still resolves.
		if _, err := tx.Exec(`UPDATE messages SET temp_id = ? WHERE chat_id = ? AND msg_id = ?`,
			tempID, chatID, msgID); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	res, err := tx.Exec(`
		UPDATE messages
		SET msg_id = ?, status = 'sent', is_optimistic = 0, error_message = '', sent_at = ?
		WHERE temp_id = ? AND is_optimistic = 1`,
		msgID, sentAt, tempID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// MarkMessageFailed flags an optimistic message as failed. The row stays
// visible until the user retries or discards it.
func (db *DB) MarkMessageFailed(tempID, errMsg string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = 'failed', error_message = ?
		WHERE temp_id = ? AND is_optimistic = 1`,
		errMsg, tempID)
	return err
}

// DeleteMessageByTemp removes a failed optimistic message the user discarded.
func (db *DB) DeleteMessageByTemp(tempID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE temp_id = ? AND is_optimistic = 1`, tempID)
	return err
}

// GetMessageStatus returns the delivery status for a confirmed message, or
// "" when the message is unknown.
func (db *DB) GetMessageStatus(chatID, msgID string) (string, error) {
	var s string
	err := db.QueryRow(`SELECT status FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).Scan(&s)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return s, err
}

// SetMessageStatus records a delivery status. Rank monotonicity is enforced
// by the caller (the delivery tracker), not here.
func (db *DB) SetMessageStatus(chatID, msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE chat_id = ? AND msg_id = ?`, status, chatID, msgID)
	return err
}

// ClearAppointmentRef tombstones a request message whose appointment was
// deleted: the reference is nulled, the message row persists.
func (db *DB) ClearAppointmentRef(appointmentID string) error {
	_, err := db.Exec(`UPDATE messages SET appointment_id = NULL WHERE appointment_id = ?`, appointmentID)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by sent
// timestamp, newest first. Rows sharing a timestamp keep insertion order.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_id, temp_id, sender_id, sender_name, kind, content, COALESCE(appointment_id, ''), status, from_me, is_optimistic, error_message, sent_at
		FROM messages
		WHERE chat_id = ? AND sent_at < ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.TempID, &m.SenderID, &m.SenderName, &m.Kind, &m.Content, &m.AppointmentID, &m.Status, &m.FromMe, &m.IsOptimistic, &m.ErrorMessage, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage loads a single cached message by msg_id, or by temp_id when
// the row is still optimistic. Returns nil when no row matches.
func (db *DB) GetMessage(chatID, msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, chat_id, msg_id, temp_id, sender_id, sender_name, kind, content, COALESCE(appointment_id, ''), status, from_me, is_optimistic, error_message, sent_at
		FROM messages
		WHERE chat_id = ? AND (msg_id = ? OR temp_id = ?)
		ORDER BY is_optimistic ASC
		LIMIT 1`, chatID, msgID, msgID)

	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.TempID, &m.SenderID, &m.SenderName, &m.Kind, &m.Content, &m.AppointmentID, &m.Status, &m.FromMe, &m.IsOptimistic, &m.ErrorMessage, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
