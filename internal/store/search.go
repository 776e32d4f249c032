package store

// SearchMessages performs a full-text search on message content.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.chat_id, m.msg_id, m.temp_id, m.sender_id, m.sender_name,
		       m.kind, m.content, COALESCE(m.appointment_id, ''), m.status,
		       m.from_me, m.is_optimistic, m.error_message, m.sent_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ChatID, &r.Message.MsgID, &r.Message.TempID,
			&r.Message.SenderID, &r.Message.SenderName, &r.Message.Kind,
			&r.Message.Content, &r.Message.AppointmentID, &r.Message.Status,
			&r.Message.FromMe, &r.Message.IsOptimistic, &r.Message.ErrorMessage,
			&r.Message.SentAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
