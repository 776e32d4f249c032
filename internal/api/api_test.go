package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/backend"
	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/config"
	"github.com/tutorlane/chatd/internal/outbox"
	"github.com/tutorlane/chatd/internal/presence"
	"github.com/tutorlane/chatd/internal/status"
	"github.com/tutorlane/chatd/internal/store"
	"github.com/tutorlane/chatd/internal/sync"
)

type stubRemote struct{}

func (stubRemote) CreateAppointment(_ context.Context, req appointment.CreateRequest) (*appointment.Appointment, error) {
	return &appointment.Appointment{
		ID: "apt-1", ChatID: req.ChatID, MessageID: "msg-1", RequesterID: "me",
		StartsAt:        req.DateTime,
		DurationMinutes: int(req.EndDateTime.Sub(req.DateTime) / time.Minute),
		Location:        req.Location,
		Status:          appointment.Pending,
	}, nil
}
func (stubRemote) RespondAppointment(context.Context, string, bool) error  { return nil }
func (stubRemote) CompleteAppointment(context.Context, string, bool) error { return nil }
func (stubRemote) DeleteAppointment(context.Context, string) error         { return nil }
func (stubRemote) HasAppointmentOnDate(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

type stubSender struct{}

func (stubSender) SendMessage(_ context.Context, req backend.SendRequest) (*backend.SendResult, error) {
	return &backend.SendResult{MsgID: "srv-" + req.TempID, SentAt: 1}, nil
}

type fixture struct {
	handler *Handler
	db      *store.DB
	tracker *presence.Tracker
	machine *status.Machine
}

func testHandler(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	tracker := presence.NewTracker()
	client := backend.NewClient(config.API{TokenPath: filepath.Join(t.TempDir(), "absent")}, log)
	apts := appointment.NewEngine(db, stubRemote{}, b, log, client.SelfID)
	sender := outbox.NewSender(db, stubSender{}, b, log, client.SelfID)
	engine := sync.NewEngine(db, b, apts, tracker, log)
	coord := sync.NewCoordinator(config.Sync{}, client, nil, engine, apts, db, machine, b, log)

	h := NewHandler("main", db, b, machine, sender, coord, apts, tracker, client, log)
	return &fixture{handler: h, db: db, tracker: tracker, machine: machine}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.Router().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	f := testHandler(t)

	rec := f.request(t, http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Session != "main" || res.State != "BOOTING" || res.Banner != "connecting" {
		t.Fatalf("response = %+v", res)
	}
}

func TestListChatsEmpty(t *testing.T) {
	f := testHandler(t)
	rec := f.request(t, http.MethodGet, "/v1/chats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "[]\n" {
		t.Fatalf("body = %q, want empty array", got)
	}
}

func TestSendMessage(t *testing.T) {
	f := testHandler(t)

	rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/messages", SendMessageRequest{Content: "hello"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res SendMessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.TempID == "" {
		t.Fatal("empty temp id")
	}

	rec = f.request(t, http.MethodGet, "/v1/chats/chat-1/messages", nil)
	var page MessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Status != "sending" {
		t.Fatalf("messages = %+v", page.Messages)
	}
}

func TestSendMessageRejectsEmptyBody(t *testing.T) {
	f := testHandler(t)
	rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/messages", SendMessageRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var res errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Code != "VALIDATION" {
		t.Fatalf("code = %s", res.Code)
	}
}

func TestMarkReadClearsUnread(t *testing.T) {
	f := testHandler(t)
	if err := f.db.UpsertChat(&store.Chat{ID: "chat-1", Title: "T"}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.IncrementUnread("chat-1"); err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/read", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	chat, _ := f.db.GetChat("chat-1")
	if chat.UnreadCount != 0 {
		t.Fatalf("unread = %d, want 0", chat.UnreadCount)
	}
}

func TestCreateAppointment(t *testing.T) {
	f := testHandler(t)
	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)

	rec := f.request(t, http.MethodPost, "/v1/appointments", CreateAppointmentRequest{
		ChatID:      "chat-1",
		DateTime:    start.Format(time.RFC3339),
		EndDateTime: start.Add(time.Hour).Format(time.RFC3339),
		Location:    "Library",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.request(t, http.MethodGet, "/v1/appointments?chat=chat-1", nil)
	var apts []appointment.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &apts); err != nil {
		t.Fatal(err)
	}
	if len(apts) != 1 || apts[0].Status != appointment.Pending {
		t.Fatalf("appointments = %+v", apts)
	}
}

func TestCreateAppointmentRejectsBadTimes(t *testing.T) {
	f := testHandler(t)
	start := time.Now().Add(24 * time.Hour)

	rec := f.request(t, http.MethodPost, "/v1/appointments", CreateAppointmentRequest{
		ChatID:      "chat-1",
		DateTime:    start.Format(time.RFC3339),
		EndDateTime: start.Add(-time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRespondUnknownAppointment(t *testing.T) {
	f := testHandler(t)
	accepted := true
	rec := f.request(t, http.MethodPost, "/v1/appointments/nope/respond", RespondAppointmentRequest{Accepted: &accepted})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTypingEndpoint(t *testing.T) {
	f := testHandler(t)
	f.tracker.SetTyping("chat-1", "u1", "Ada")
	f.tracker.SetTyping("chat-1", "u2", "Grace")

	rec := f.request(t, http.MethodGet, "/v1/chats/chat-1/typing", nil)
	var res TypingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Typers) != 2 {
		t.Fatalf("typers = %+v", res.Typers)
	}
	if res.Text != "Ada and Grace are typing…" {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	f := testHandler(t)
	rec := f.request(t, http.MethodGet, "/v1/search", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestOpenAndCloseChatClearsTyping(t *testing.T) {
	f := testHandler(t)
	if err := f.db.UpsertChat(&store.Chat{ID: "chat-1", Title: "T"}); err != nil {
		t.Fatal(err)
	}

	rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/open", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("open status = %d", rec.Code)
	}

	f.tracker.SetTyping("chat-1", "u1", "Ada")
	rec = f.request(t, http.MethodPost, "/v1/chats/chat-1/close", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close status = %d", rec.Code)
	}
	if typers := f.tracker.ActiveTypers("chat-1", "me", time.Now()); len(typers) != 0 {
		t.Fatalf("typers after close = %+v, want none", typers)
	}
}

func TestMessagesDecorationsAligned(t *testing.T) {
	f := testHandler(t)
	base := time.Now().UnixMilli()
	for i, sender := range []string{"u1", "u1", "u2"} {
		err := f.db.UpsertMessage(&store.Message{
			ChatID: "chat-1", MsgID: fmt.Sprintf("m%d", i), SenderID: sender,
			Kind: store.KindText, Content: "hi", Status: "sent",
			SentAt: base + int64(i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := f.request(t, http.MethodGet, "/v1/chats/chat-1/messages", nil)
	var page MessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Decorations) != len(page.Messages) {
		t.Fatalf("decorations = %d, messages = %d", len(page.Decorations), len(page.Messages))
	}
	// Newest first: m2 opens a sender run, so it shows an avatar.
	if page.Messages[0].MsgID != "m2" || !page.Decorations[0].ShowAvatar {
		t.Fatalf("head = %+v dec = %+v", page.Messages[0], page.Decorations[0])
	}
}

func (f *fixture) page(t *testing.T, chatID string) MessagesResponse {
	t.Helper()
	rec := f.request(t, http.MethodGet, "/v1/chats/"+chatID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var page MessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	return page
}

func TestOpenChatViewFollowsStoreEvents(t *testing.T) {
	f := testHandler(t)
	if err := f.db.UpsertChat(&store.Chat{ID: "chat-1", Title: "T"}); err != nil {
		t.Fatal(err)
	}
	if rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/open", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("open status = %d", rec.Code)
	}

	msg := &store.Message{
		ChatID: "chat-1", MsgID: "m1", SenderID: "them",
		Kind: store.KindText, Content: "hi", Status: "sent", SentAt: 1000,
	}
	if err := f.db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	f.handler.applyEvent(bus.Event{Kind: bus.KindMessageUpserted, ChatID: "chat-1", Payload: "m1"})

	page := f.page(t, "chat-1")
	if len(page.Messages) != 1 || page.Messages[0].MsgID != "m1" || page.Messages[0].Status != "sent" {
		t.Fatalf("view page = %+v", page.Messages)
	}

	// A receipt advances the row in the cache and republishes; the open
	// view must pick the new status up.
	if err := f.db.SetMessageStatus("chat-1", "m1", "delivered"); err != nil {
		t.Fatal(err)
	}
	f.handler.applyEvent(bus.Event{Kind: bus.KindMessageUpserted, ChatID: "chat-1", Payload: "m1"})

	page = f.page(t, "chat-1")
	if page.Messages[0].Status != "delivered" {
		t.Fatalf("status = %q, want delivered", page.Messages[0].Status)
	}
}

func TestOpenViewReconcilesPollThenAck(t *testing.T) {
	f := testHandler(t)
	if err := f.db.UpsertChat(&store.Chat{ID: "chat-1", Title: "T"}); err != nil {
		t.Fatal(err)
	}
	if rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/open", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("open status = %d", rec.Code)
	}

	rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/messages", SendMessageRequest{Content: "hello"})
	var sent SendMessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil {
		t.Fatal(err)
	}

	page := f.page(t, "chat-1")
	if len(page.Messages) != 1 || page.Messages[0].Status != "sending" || !page.Messages[0].FromMe {
		t.Fatalf("staged page = %+v", page.Messages)
	}

	// The confirmed record lands via the poll first, without a temp id.
	confirmed := &store.Message{
		ChatID: "chat-1", MsgID: "srv-1", FromMe: true,
		Kind: store.KindText, Content: "hello", Status: "sent", SentAt: 2000,
	}
	if err := f.db.UpsertMessage(confirmed); err != nil {
		t.Fatal(err)
	}
	f.handler.applyEvent(bus.Event{Kind: bus.KindMessageUpserted, ChatID: "chat-1", Payload: "srv-1"})

	// The late acknowledgement must collapse the pair into one entry.
	f.handler.applyEvent(bus.Event{
		Kind:    bus.KindMessageSendAck,
		ChatID:  "chat-1",
		Payload: outbox.Ack{ChatID: "chat-1", TempID: sent.TempID, MsgID: "srv-1", SentAt: 2000},
	})

	page = f.page(t, "chat-1")
	if len(page.Messages) != 1 {
		t.Fatalf("got %d entries after ack, want 1", len(page.Messages))
	}
	if page.Messages[0].MsgID != "srv-1" || page.Messages[0].IsOptimistic {
		t.Fatalf("entry = %+v, want confirmed srv-1", page.Messages[0])
	}
}

func TestOpenViewMarksFailedSend(t *testing.T) {
	f := testHandler(t)
	if err := f.db.UpsertChat(&store.Chat{ID: "chat-1", Title: "T"}); err != nil {
		t.Fatal(err)
	}
	if rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/open", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("open status = %d", rec.Code)
	}

	rec := f.request(t, http.MethodPost, "/v1/chats/chat-1/messages", SendMessageRequest{Content: "hello"})
	var sent SendMessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil {
		t.Fatal(err)
	}

	f.handler.applyEvent(bus.Event{
		Kind:    bus.KindMessageSendFailed,
		ChatID:  "chat-1",
		Payload: outbox.Failure{ChatID: "chat-1", TempID: sent.TempID, Error: "network unreachable"},
	})

	page := f.page(t, "chat-1")
	if len(page.Messages) != 1 || page.Messages[0].Status != "failed" {
		t.Fatalf("page = %+v, want one failed entry", page.Messages)
	}
	if page.Messages[0].ErrorMessage != "network unreachable" {
		t.Fatalf("error = %q", page.Messages[0].ErrorMessage)
	}

	f.handler.applyEvent(bus.Event{Kind: bus.KindMessageDiscarded, ChatID: "chat-1", Payload: sent.TempID})
	if page := f.page(t, "chat-1"); len(page.Messages) != 0 {
		t.Fatalf("page after discard = %+v, want empty", page.Messages)
	}
}
