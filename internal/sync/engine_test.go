package sync

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/backend"
	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/presence"
	"github.com/tutorlane/chatd/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus, *presence.Tracker) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	tracker := presence.NewTracker()
	apts := appointment.NewEngine(db, nil, b, zap.NewNop(), func() string { return "me" })
	e := NewEngine(db, b, apts, tracker, zap.NewNop())
	return e, db, b, tracker
}

func inbound(msgID, content string, sentAt int64) *store.Message {
	return &store.Message{
		ChatID:   "chat-1",
		MsgID:    msgID,
		SenderID: "them",
		Kind:     store.KindText,
		Content:  content,
		Status:   "sent",
		SentAt:   sentAt,
	}
}

func TestIngestMessageIsIdempotent(t *testing.T) {
	e, db, _, _ := testEngine(t)

	msg := inbound("m1", "hello", 1000)
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("chat-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1 after redelivery", len(msgs))
	}

	chat, err := db.GetChat("chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.LastMessagePreview != "hello" {
		t.Fatalf("chat aggregate = %+v", chat)
	}
}

func TestIngestEchoReconcilesOptimisticSend(t *testing.T) {
	e, db, _, _ := testEngine(t)

	err := db.InsertOptimistic(&store.Message{
		ChatID:  "chat-1",
		TempID:  "tmp-1",
		Kind:    store.KindText,
		Content: "hi there",
		SentAt:  1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	echo := &store.Message{
		ChatID:  "chat-1",
		MsgID:   "m9",
		TempID:  "tmp-1",
		FromMe:  true,
		Kind:    store.KindText,
		Content: "hi there",
		Status:  "sent",
		SentAt:  2000,
	}
	if err := e.IngestMessage(echo); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("chat-1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1 (echo must not duplicate)", len(msgs))
	}
	if msgs[0].MsgID != "m9" || msgs[0].IsOptimistic || msgs[0].SentAt != 2000 {
		t.Fatalf("reconciled row = %+v", msgs[0])
	}

	// The late acknowledgement path upserts the same identity again.
	if err := e.IngestMessage(echo); err != nil {
		t.Fatal(err)
	}
	msgs, _ = db.ListMessages("chat-1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("message count after re-ingest = %d, want 1", len(msgs))
	}
}

func TestEchoWithoutTempIDThenAck(t *testing.T) {
	e, db, _, _ := testEngine(t)

	err := db.InsertOptimistic(&store.Message{
		ChatID:  "chat-1",
		TempID:  "tmp-1",
		Kind:    store.KindText,
		Content: "hi there",
		SentAt:  1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A poll surfaces the confirmed record first, and the record does not
	// carry the temp id, so ingestion lands it as its own row.
	echo := &store.Message{
		ChatID:  "chat-1",
		MsgID:   "m9",
		FromMe:  true,
		Kind:    store.KindText,
		Content: "hi there",
		Status:  "sent",
		SentAt:  2000,
	}
	if err := e.IngestMessage(echo); err != nil {
		t.Fatal(err)
	}

	// The acknowledgement arrives afterwards and must collapse the pair.
	matched, err := db.ReconcileMessage("tmp-1", "m9", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if !matched {
		t.Fatal("late acknowledgement should still match the optimistic row")
	}

	msgs, _ := db.ListMessages("chat-1", 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want the optimistic duplicate dropped", len(msgs))
	}
	if msgs[0].MsgID != "m9" || msgs[0].IsOptimistic || msgs[0].Status != "sent" {
		t.Fatalf("surviving row = %+v, want confirmed m9", msgs[0])
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	// 40 three-byte runes: the 100-byte cut falls inside a code point.
	s := strings.Repeat("世", 40)

	got := truncate(s, 100)
	if len(got) > 100 {
		t.Fatalf("len = %d, want <= 100", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != s[:99] {
		t.Errorf("got %d bytes, want the cut backed off to byte 99", len(got))
	}

	if truncate("short", 100) != "short" {
		t.Error("strings within the limit must pass through unchanged")
	}
}

func TestIngestReceiptMonotonic(t *testing.T) {
	e, db, _, _ := testEngine(t)

	if err := e.IngestMessage(inbound("m1", "x", 1000)); err != nil {
		t.Fatal(err)
	}

	// Read arrives before delivered and wins.
	if err := e.IngestReceipt(backend.Receipt{ChatID: "chat-1", MsgID: "m1", Status: "read"}); err != nil {
		t.Fatal(err)
	}
	s, _ := db.GetMessageStatus("chat-1", "m1")
	if s != "read" {
		t.Fatalf("status = %s, want read", s)
	}

	// Stale delivered after read is dropped.
	if err := e.IngestReceipt(backend.Receipt{ChatID: "chat-1", MsgID: "m1", Status: "delivered"}); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetMessageStatus("chat-1", "m1")
	if s != "read" {
		t.Fatalf("status after stale receipt = %s, want read", s)
	}
}

func TestRedeliveryDoesNotRewindStatus(t *testing.T) {
	e, db, _, _ := testEngine(t)

	msg := inbound("m1", "x", 1000)
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestReceipt(backend.Receipt{ChatID: "chat-1", MsgID: "m1", Status: "read"}); err != nil {
		t.Fatal(err)
	}

	// Poll fallback redelivers the record with its original status.
	stale := inbound("m1", "x", 1000)
	stale.Status = "sent"
	if err := e.IngestMessage(stale); err != nil {
		t.Fatal(err)
	}
	s, _ := db.GetMessageStatus("chat-1", "m1")
	if s != "read" {
		t.Fatalf("status = %s, want read preserved across redelivery", s)
	}
}

func TestIngestReceiptForUnknownMessage(t *testing.T) {
	e, _, _, _ := testEngine(t)
	if err := e.IngestReceipt(backend.Receipt{ChatID: "chat-1", MsgID: "ghost", Status: "read"}); err != nil {
		t.Fatalf("unknown-message receipt should be a no-op, got %v", err)
	}
}

func TestInboundMessageClearsTypingAndBumpsUnread(t *testing.T) {
	e, db, _, tracker := testEngine(t)

	tracker.SetTyping("chat-1", "them", "They")
	if err := e.IngestMessage(inbound("m1", "done typing", 1000)); err != nil {
		t.Fatal(err)
	}

	typers := tracker.ActiveTypers("chat-1", "me", time.Now())
	if len(typers) != 0 {
		t.Fatalf("typers = %+v, want none after their message landed", typers)
	}

	chat, _ := db.GetChat("chat-1")
	if chat.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", chat.UnreadCount)
	}
}

func TestOwnMessageDoesNotBumpUnread(t *testing.T) {
	e, db, _, _ := testEngine(t)

	msg := inbound("m1", "mine", 1000)
	msg.SenderID = "me"
	msg.FromMe = true
	if err := e.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	chat, _ := db.GetChat("chat-1")
	if chat.UnreadCount != 0 {
		t.Fatalf("unread = %d, want 0", chat.UnreadCount)
	}
}

func TestIngestBatch(t *testing.T) {
	e, db, b, tracker := testEngine(t)
	ch, unsub := b.Subscribe("sync.", 16)
	defer unsub()

	batch := &backend.Batch{
		Cursor: "c-2",
		Messages: []*store.Message{
			inbound("m1", "one", 1000),
			inbound("m2", "two", 2000),
		},
		Receipts: []backend.Receipt{
			{ChatID: "chat-1", MsgID: "m1", Status: "read"},
		},
		Appointments: []appointment.Appointment{
			{
				ID: "apt-1", ChatID: "chat-1", RequesterID: "them",
				StartsAt: time.UnixMilli(5000), DurationMinutes: 60,
				Status: appointment.Pending,
			},
		},
		Typing: []backend.Typing{
			{ChatID: "chat-1", UserID: "them", UserName: "They"},
		},
		Presence: []backend.Presence{
			{UserID: "them", ChatID: "chat-1", Status: "online", LastSeenAt: 9000},
		},
	}
	if err := e.IngestBatch(batch); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSyncBatchApplied {
			t.Fatalf("event = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no batch-applied event")
	}

	msgs, _ := db.ListMessages("chat-1", 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	s, _ := db.GetMessageStatus("chat-1", "m1")
	if s != "read" {
		t.Fatalf("m1 status = %s, want read", s)
	}
	apt, _ := db.GetAppointment("apt-1")
	if apt == nil || apt.Status != "PENDING" {
		t.Fatalf("appointment = %+v", apt)
	}
	if got := tracker.Presence("them"); got.Status != presence.Online {
		t.Fatalf("presence = %+v", got)
	}

	// Redelivering the whole batch must change nothing structural.
	if err := e.IngestBatch(batch); err != nil {
		t.Fatal(err)
	}
	msgs, _ = db.ListMessages("chat-1", 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("message count after redelivery = %d, want 2", len(msgs))
	}
}
