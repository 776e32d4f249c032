package conversation

import (
	"testing"
	"time"
)

func testLog() *Log {
	l := NewLog("c1", "me")
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	n := 0
	l.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return l
}

func at(min int) time.Time {
	return time.Date(2024, 1, 15, 9, min, 0, 0, time.UTC)
}

func TestSendThenReconcile(t *testing.T) {
	l := testLog()

	tempID := l.SendOptimistic("hello", KindText)
	if tempID == "" {
		t.Fatal("empty temp id")
	}

	msgs := l.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Status != StatusSending || !msgs[0].IsOptimistic {
		t.Errorf("optimistic entry = %+v, want sending/optimistic", msgs[0])
	}

	matched := l.Reconcile(tempID, Message{ID: "m42", ChatID: "c1", SentAt: at(30)})
	if !matched {
		t.Error("reconcile should match in place")
	}

	msgs = l.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages after reconcile, want 1", len(msgs))
	}
	if msgs[0].ID != "m42" || msgs[0].IsOptimistic || msgs[0].Status != StatusSent {
		t.Errorf("got %+v, want confirmed m42/sent", msgs[0])
	}
}

// Reconciliation is idempotent: sends followed by matching reconciles leave
// exactly one entry per send, no duplicates.
func TestReconcileIdempotent(t *testing.T) {
	l := testLog()

	var temps []string
	for i := 0; i < 5; i++ {
		temps = append(temps, l.SendOptimistic("msg", KindText))
	}
	for i, tempID := range temps {
		confirmed := Message{ID: "m" + string(rune('0'+i)), SentAt: at(i)}
		l.Reconcile(tempID, confirmed)
		l.Reconcile(tempID, confirmed) // duplicate ack
	}

	if l.Len() != 5 {
		t.Errorf("got %d messages, want 5 (one per send)", l.Len())
	}
}

// Applying the confirmed record before the ack arrives (stream beat HTTP)
// must converge to the same single entry.
func TestReconcileCommutesWithIncoming(t *testing.T) {
	l := testLog()

	tempID := l.SendOptimistic("hello", KindText)

	// Stream echo arrives first, carrying the server identity.
	l.ApplyIncoming(Message{ID: "m42", TempID: tempID, SenderID: "me", Content: "hello", SentAt: at(30)})
	// Then the HTTP ack reconciles.
	l.Reconcile(tempID, Message{ID: "m42", SentAt: at(30)})

	msgs := l.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 regardless of arrival order", len(msgs))
	}
	if msgs[0].ID != "m42" || msgs[0].IsOptimistic {
		t.Errorf("got %+v, want confirmed m42", msgs[0])
	}
}

func TestReconcileUnknownTempAppends(t *testing.T) {
	l := testLog()

	// Log was reset; the ack's temp id is unknown. The confirmed message
	// must be appended, never dropped.
	l.Reconcile("gone", Message{ID: "m7", Content: "late", SentAt: at(10)})

	msgs := l.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m7" {
		t.Errorf("got %v, want appended m7", msgs)
	}
}

func TestApplyIncomingRedelivery(t *testing.T) {
	l := testLog()

	m := Message{ID: "m7", Content: "hi", Status: StatusSent, SentAt: at(5)}
	l.ApplyIncoming(m)

	// Redelivered by a second poll batch with tampered immutable fields.
	m.Content = "changed"
	m.Status = StatusDelivered
	l.ApplyIncoming(m)

	msgs := l.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d entries for m7, want 1", len(msgs))
	}
	if msgs[0].Content != "hi" {
		t.Errorf("content = %q, want immutable %q", msgs[0].Content, "hi")
	}
	if msgs[0].Status != StatusDelivered {
		t.Errorf("status = %q, want delivered (mutable)", msgs[0].Status)
	}
}

func TestRedeliveryClearsAppointmentRef(t *testing.T) {
	l := testLog()

	m := Message{ID: "m7", Kind: KindAppointmentRequest, Status: StatusSent, SentAt: at(5), AppointmentID: "apt-1"}
	l.ApplyIncoming(m)

	// The appointment was deleted; the redelivered request carries no
	// reference anymore and the held entry must drop it too.
	m.AppointmentID = ""
	l.ApplyIncoming(m)

	msgs := l.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d entries for m7, want 1", len(msgs))
	}
	if msgs[0].AppointmentID != "" {
		t.Errorf("appointment ref = %q, want it cleared", msgs[0].AppointmentID)
	}
}

func TestLoadOlderIdempotent(t *testing.T) {
	l := testLog()
	l.LoadInitial([]Message{
		{ID: "m3", SentAt: at(3)},
		{ID: "m4", SentAt: at(4)},
	}, true)

	older := []Message{
		{ID: "m1", SentAt: at(1)},
		{ID: "m2", SentAt: at(2)},
	}
	l.LoadOlder(older, false)
	l.LoadOlder(older, false) // same cursor fetched twice

	msgs := l.Messages()
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4 (dedupe by id)", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[3].ID != "m4" {
		t.Errorf("order = %v, want m1..m4", ids(msgs))
	}
	if l.HasMore() {
		t.Error("hasMore should be false after final page")
	}
}

func TestLoadInitialKeepsPendingSend(t *testing.T) {
	l := testLog()

	tempID := l.SendOptimistic("in flight", KindText)
	l.LoadInitial([]Message{{ID: "m1", SentAt: at(1)}}, false)

	if l.Len() != 2 {
		t.Fatalf("got %d messages, want 2 (page + pending send)", l.Len())
	}
	if !l.Reconcile(tempID, Message{ID: "m2", SentAt: at(2)}) {
		t.Error("pending send should survive the reload")
	}
}

// Equal timestamps preserve insertion order; no secondary key reorders
// already-rendered content.
func TestEqualTimestampsKeepInsertionOrder(t *testing.T) {
	l := testLog()
	ts := at(10)
	l.ApplyIncoming(Message{ID: "a", SentAt: ts})
	l.ApplyIncoming(Message{ID: "b", SentAt: ts})
	l.ApplyIncoming(Message{ID: "c", SentAt: ts})

	got := ids(l.Messages())
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

// Offline send scenario: failed send, retry after reconnect, single entry
// confirmed as m42.
func TestFailedSendRetryScenario(t *testing.T) {
	l := testLog()

	t1 := l.SendOptimistic("Hello", KindText)
	l.MarkFailed(t1, "offline")

	msgs := l.Messages()
	if msgs[0].Status != StatusFailed || msgs[0].Error != "offline" {
		t.Fatalf("got %+v, want failed/offline", msgs[0])
	}

	t2 := l.Retry(t1)
	if t2 == "" || t2 == t1 {
		t.Fatalf("retry temp id = %q, want a fresh id", t2)
	}

	l.Reconcile(t2, Message{ID: "m42", SentAt: at(40)})

	msgs = l.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d entries for Hello, want exactly 1", len(msgs))
	}
	if msgs[0].ID != "m42" || msgs[0].Status != StatusSent || msgs[0].IsOptimistic {
		t.Errorf("got %+v, want m42/sent/confirmed", msgs[0])
	}
	if msgs[0].Content != "Hello" {
		t.Errorf("content = %q, want Hello (reused on retry)", msgs[0].Content)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	l := testLog()
	tempID := l.SendOptimistic("hi", KindText)

	if got := l.Retry(tempID); got != "" {
		t.Errorf("Retry of in-flight send = %q, want rejected", got)
	}
}

func TestDiscardFailed(t *testing.T) {
	l := testLog()
	tempID := l.SendOptimistic("hi", KindText)
	l.MarkFailed(tempID, "nope")
	l.Discard(tempID)

	if l.Len() != 0 {
		t.Errorf("got %d messages after discard, want 0", l.Len())
	}
}

func TestApplyReceiptMonotonic(t *testing.T) {
	l := testLog()
	l.ApplyIncoming(Message{ID: "m1", Status: StatusSent, SentAt: at(1)})

	// Read arrives before delivered: accepted, collapses both.
	if s, changed := l.ApplyReceipt("m1", StatusRead); !changed || s != StatusRead {
		t.Errorf("read receipt: got (%s,%v), want (read,true)", s, changed)
	}
	// Stale delivered after read: rejected.
	if s, changed := l.ApplyReceipt("m1", StatusDelivered); changed || s != StatusRead {
		t.Errorf("stale delivered: got (%s,%v), want (read,false)", s, changed)
	}
	// Unknown message: no-op.
	if _, changed := l.ApplyReceipt("missing", StatusRead); changed {
		t.Error("receipt for unknown message should not change anything")
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
