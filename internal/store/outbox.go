package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(tempID, chatID, kind, content string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (temp_id, chat_id, kind, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		tempID, chatID, kind, content, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE temp_id = ?`, now, tempID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(tempID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE temp_id = ?`, serverMsgID, now, tempID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(tempID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE temp_id = ?`, errMsg, now, tempID)
	return err
}

// DeleteOutboxEntry removes an outbox entry.
func (db *DB) DeleteOutboxEntry(tempID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE temp_id = ?`, tempID)
	return err
}

// GetOutboxEntry returns the outbox entry for a temp id, or nil when absent.
func (db *DB) GetOutboxEntry(tempID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, temp_id, chat_id, kind, content, status, attempts, error_message, server_msg_id
		FROM outbox WHERE temp_id = ?`, tempID).
		Scan(&e.ID, &e.TempID, &e.ChatID, &e.Kind, &e.Content, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns outbox entries that are still queued.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, temp_id, chat_id, kind, content, status, attempts, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.TempID, &e.ChatID, &e.Kind, &e.Content, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RequeueInFlight moves 'sending' entries back to 'queued' after a
// reconnect, but only those under the attempt ceiling: an entry that
// already used its automatic retry is marked failed instead. Returns the
// temp ids that were failed so callers can flag the messages.
func (db *DB) RequeueInFlight(maxAttempts int) (requeued int, failed []string, err error) {
	now := time.Now().UnixMilli()

	rows, err := db.Query(`SELECT temp_id FROM outbox WHERE status = 'sending' AND attempts >= ?`, maxAttempts)
	if err != nil {
		return 0, nil, err
	}
	for rows.Next() {
		var tempID string
		if err := rows.Scan(&tempID); err != nil {
			_ = rows.Close()
			return 0, nil, err
		}
		failed = append(failed, tempID)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	if _, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = 'connection lost', updated_at = ?
		WHERE status = 'sending' AND attempts >= ?`, now, maxAttempts); err != nil {
		return 0, nil, err
	}

	res, err := db.Exec(`
		UPDATE outbox SET status = 'queued', updated_at = ?
		WHERE status = 'sending' AND attempts < ?`, now, maxAttempts)
	if err != nil {
		return 0, failed, err
	}
	n, _ := res.RowsAffected()
	return int(n), failed, nil
}
