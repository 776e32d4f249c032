package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Log holds the ordered message collection for one open conversation,
// oldest first. It merges locally-created optimistic entries with
// server-confirmed ones; merging is commutative, so a poll batch and a send
// acknowledgement for the same message converge regardless of arrival order.
//
// All methods must be called from the owning view's goroutine; the Manager
// serializes access across views.
type Log struct {
	chatID  string
	selfID  string
	msgs    []*Message
	byID    map[string]*Message
	byTemp  map[string]*Message
	hasMore bool
	now     func() time.Time
}

// NewLog creates an empty log for one conversation.
func NewLog(chatID, selfID string) *Log {
	return &Log{
		chatID: chatID,
		selfID: selfID,
		byID:   make(map[string]*Message),
		byTemp: make(map[string]*Message),
		now:    time.Now,
	}
}

// ChatID returns the conversation this log belongs to. Incoming batches
// tagged with a different chat id must not be applied here.
func (l *Log) ChatID() string { return l.chatID }

// HasMore reports whether older pages remain on the server.
func (l *Log) HasMore() bool { return l.hasMore }

// Len returns the number of messages currently held.
func (l *Log) Len() int { return len(l.msgs) }

// Messages returns a snapshot of the log, oldest first.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = *m
	}
	return out
}

// LoadInitial replaces the log contents with the first page, given oldest
// first. In-flight optimistic entries survive the reload so a reload racing
// a send does not lose the pending message.
func (l *Log) LoadInitial(batch []Message, hasMore bool) {
	var pending []*Message
	for _, m := range l.msgs {
		if m.IsOptimistic {
			pending = append(pending, m)
		}
	}

	l.msgs = nil
	l.byID = make(map[string]*Message)
	l.byTemp = make(map[string]*Message)
	l.hasMore = hasMore

	for i := range batch {
		l.insertOrdered(batch[i])
	}
	for _, m := range pending {
		// A pending send may have been confirmed inside the reloaded page.
		if m.TempID != "" && l.byTemp[m.TempID] != nil {
			continue
		}
		l.insertOrdered(*m)
	}
}

// LoadOlder prepends an older page, given oldest first. Calling twice with
// the same cursor is safe: entries already present are skipped.
func (l *Log) LoadOlder(batch []Message, hasMore bool) {
	l.hasMore = hasMore
	var fresh []*Message
	for i := range batch {
		m := batch[i]
		if m.ID != "" && l.byID[m.ID] != nil {
			continue
		}
		c := m
		fresh = append(fresh, &c)
	}
	if len(fresh) == 0 {
		return
	}
	l.msgs = append(fresh, l.msgs...)
	for _, m := range fresh {
		l.index(m)
	}
}

// SendOptimistic appends a sending-status message at the tail and returns
// the generated temp id used to reconcile the acknowledgement.
func (l *Log) SendOptimistic(content, kind string) string {
	tempID := uuid.New().String()
	m := &Message{
		TempID:       tempID,
		ChatID:       l.chatID,
		SenderID:     l.selfID,
		Kind:         kind,
		Content:      content,
		SentAt:       l.now(),
		Status:       StatusSending,
		IsOptimistic: true,
	}
	l.msgs = append(l.msgs, m)
	l.byTemp[tempID] = m
	return tempID
}

// Stage appends an optimistic send whose temp id was minted elsewhere, e.g.
// by the outbox. Re-staging a temp id the log already holds is a no-op.
func (l *Log) Stage(m Message) {
	if m.TempID == "" || l.byTemp[m.TempID] != nil {
		return
	}
	m.ID = ""
	m.Status = StatusSending
	m.IsOptimistic = true
	entry := m
	l.msgs = append(l.msgs, &entry)
	l.byTemp[entry.TempID] = &entry
}

// Reconcile replaces the optimistic entry identified by tempID with the
// server-confirmed message, in place at the same position. When no matching
// temp id is found (the log was reset underneath the ack) the confirmed
// message is appended instead — a confirmed message is never dropped.
// Returns whether an in-place match happened.
func (l *Log) Reconcile(tempID string, confirmed Message) bool {
	m := l.byTemp[tempID]
	if m == nil {
		// Stale-data path: resolved by appending, not surfaced.
		l.ApplyIncoming(confirmed)
		return false
	}

	if confirmed.ID != "" {
		if existing := l.byID[confirmed.ID]; existing != nil && existing != m {
			// The poll already delivered the confirmed record; drop the
			// optimistic duplicate so the count equals the number of sends.
			l.remove(m)
			l.mergeMutable(existing, confirmed)
			return true
		}
	}

	m.ID = confirmed.ID
	m.SentAt = confirmed.SentAt
	m.SenderID = orDefault(confirmed.SenderID, m.SenderID)
	m.AppointmentID = orDefault(confirmed.AppointmentID, m.AppointmentID)
	m.Status = StatusSent
	if next, changed := Advance(m.Status, confirmed.Status); changed {
		m.Status = next
	}
	m.IsOptimistic = false
	m.Error = ""
	if m.ID != "" {
		l.byID[m.ID] = m
	}
	return true
}

// ApplyIncoming inserts or updates a server message by id. Redelivery is
// harmless: an existing entry only merges fields that can change after
// creation (status, edits, reactions); content and sent time stay fixed.
func (l *Log) ApplyIncoming(m Message) {
	if m.TempID != "" {
		if pending := l.byTemp[m.TempID]; pending != nil && pending.IsOptimistic {
			// The echo of one of our own sends arrived via the stream
			// before the HTTP ack. Reconcile handles the merge.
			l.Reconcile(m.TempID, m)
			return
		}
	}
	if m.ID == "" {
		return
	}
	if existing := l.byID[m.ID]; existing != nil {
		l.mergeMutable(existing, m)
		return
	}
	l.insertOrdered(m)
}

// ApplyReceipt advances the delivery status of a confirmed message.
// Returns the resulting status and whether anything changed.
func (l *Log) ApplyReceipt(msgID string, s Status) (Status, bool) {
	m := l.byID[msgID]
	if m == nil {
		return "", false
	}
	next, changed := Advance(m.Status, s)
	m.Status = next
	return next, changed
}

// MarkFailed flags an in-flight send as failed. The entry stays visible
// until the user retries or discards it.
func (l *Log) MarkFailed(tempID, errMsg string) {
	m := l.byTemp[tempID]
	if m == nil {
		return
	}
	if next, changed := Advance(m.Status, StatusFailed); changed {
		m.Status = next
		m.Error = errMsg
	}
}

// Retry discards a failed entry and queues its content as a fresh send
// attempt under a new temp id. Returns the new temp id, or "" when the
// entry is unknown or not failed.
func (l *Log) Retry(tempID string) string {
	m := l.byTemp[tempID]
	if m == nil || m.Status != StatusFailed {
		return ""
	}
	content, kind := m.Content, m.Kind
	l.remove(m)
	return l.SendOptimistic(content, kind)
}

// Discard removes a failed entry without resending.
func (l *Log) Discard(tempID string) {
	m := l.byTemp[tempID]
	if m == nil || m.Status != StatusFailed {
		return
	}
	l.remove(m)
}

// insertOrdered places a message at its position by sent time. Equal
// timestamps keep insertion order: the new message goes after existing ones
// so already-rendered content never reorders.
func (l *Log) insertOrdered(m Message) {
	c := m
	i := len(l.msgs)
	for i > 0 && l.msgs[i-1].SentAt.After(c.SentAt) {
		i--
	}
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = &c
	l.index(&c)
}

func (l *Log) index(m *Message) {
	if m.ID != "" {
		l.byID[m.ID] = m
	}
	if m.TempID != "" {
		l.byTemp[m.TempID] = m
	}
}

func (l *Log) remove(target *Message) {
	for i, m := range l.msgs {
		if m == target {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			break
		}
	}
	if target.ID != "" && l.byID[target.ID] == target {
		delete(l.byID, target.ID)
	}
	if target.TempID != "" && l.byTemp[target.TempID] == target {
		delete(l.byTemp, target.TempID)
	}
}

// mergeMutable folds post-creation-mutable fields of src into dst.
func (l *Log) mergeMutable(dst *Message, src Message) {
	if next, changed := Advance(dst.Status, src.Status); changed {
		dst.Status = next
	}
	if src.IsEdited {
		dst.IsEdited = true
	}
	if src.Reactions != nil {
		dst.Reactions = src.Reactions
	}
	// Copied verbatim: deleting an appointment nulls the reference, and a
	// redelivery of the request message must be able to carry that out.
	dst.AppointmentID = src.AppointmentID
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
