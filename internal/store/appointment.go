package store

import (
	"database/sql"
	"time"
)

// UpsertAppointment inserts or updates an appointment record (idempotent on id).
func (db *DB) UpsertAppointment(a *Appointment) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO appointments (id, chat_id, message_id, requester_id, starts_at, duration_minutes, location, status, teacher_ready, student_ready, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			starts_at = excluded.starts_at,
			duration_minutes = excluded.duration_minutes,
			location = excluded.location,
			status = excluded.status,
			teacher_ready = excluded.teacher_ready,
			student_ready = excluded.student_ready,
			updated_at = excluded.updated_at`,
		a.ID, a.ChatID, a.MessageID, a.RequesterID, a.StartsAt, a.DurationMinutes, a.Location, a.Status,
		nullBool(a.TeacherReady), nullBool(a.StudentReady), now)
	return err
}

// GetAppointment returns a single appointment by ID, or nil when absent.
func (db *DB) GetAppointment(id string) (*Appointment, error) {
	var a Appointment
	var teacher, student sql.NullBool
	err := db.QueryRow(`
		SELECT id, chat_id, message_id, requester_id, starts_at, duration_minutes, location, status, teacher_ready, student_ready, updated_at
		FROM appointments WHERE id = ?`, id).
		Scan(&a.ID, &a.ChatID, &a.MessageID, &a.RequesterID, &a.StartsAt, &a.DurationMinutes, &a.Location, &a.Status, &teacher, &student, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.TeacherReady = boolPtr(teacher)
	a.StudentReady = boolPtr(student)
	return &a, nil
}

// ListAppointments returns appointments for a chat ordered by start time.
func (db *DB) ListAppointments(chatID string) ([]Appointment, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, message_id, requester_id, starts_at, duration_minutes, location, status, teacher_ready, student_ready, updated_at
		FROM appointments WHERE chat_id = ? ORDER BY starts_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Appointment
	for rows.Next() {
		var a Appointment
		var teacher, student sql.NullBool
		if err := rows.Scan(&a.ID, &a.ChatID, &a.MessageID, &a.RequesterID, &a.StartsAt, &a.DurationMinutes, &a.Location, &a.Status, &teacher, &student, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.TeacherReady = boolPtr(teacher)
		a.StudentReady = boolPtr(student)
		out = append(out, a)
	}
	return out, rows.Err()
}

// HasAppointmentOnDay reports whether any non-cancelled appointment exists
// for the chat within [dayStart, dayEnd). Used as the cached side of the
// date-conflict pre-check.
func (db *DB) HasAppointmentOnDay(chatID string, dayStart, dayEnd int64) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM appointments
		WHERE chat_id = ? AND starts_at >= ? AND starts_at < ? AND status != 'CANCELLED'`,
		chatID, dayStart, dayEnd).Scan(&n)
	return n > 0, err
}

// DueForCompletion returns confirmed appointments whose scheduled end has
// passed as of the given instant.
func (db *DB) DueForCompletion(now int64) ([]Appointment, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, message_id, requester_id, starts_at, duration_minutes, location, status, teacher_ready, student_ready, updated_at
		FROM appointments
		WHERE status = 'CONFIRMED' AND starts_at + duration_minutes * 60000 <= ?`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Appointment
	for rows.Next() {
		var a Appointment
		var teacher, student sql.NullBool
		if err := rows.Scan(&a.ID, &a.ChatID, &a.MessageID, &a.RequesterID, &a.StartsAt, &a.DurationMinutes, &a.Location, &a.Status, &teacher, &student, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.TeacherReady = boolPtr(teacher)
		a.StudentReady = boolPtr(student)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAppointment removes an appointment record.
func (db *DB) DeleteAppointment(id string) error {
	_, err := db.Exec(`DELETE FROM appointments WHERE id = ?`, id)
	return err
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func boolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}
