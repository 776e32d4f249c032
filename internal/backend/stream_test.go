package backend

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/store"
)

func testStream(t *testing.T) (*Stream, <-chan bus.Event) {
	t.Helper()
	b := bus.New()
	ch, unsub := b.Subscribe("remote.", 16)
	t.Cleanup(unsub)

	client := &Client{selfID: "me", log: zap.NewNop()}
	return NewStream("ws://unused", client, b, zap.NewNop()), ch
}

func recvEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return bus.Event{}
	}
}

func TestDispatchMessageFrame(t *testing.T) {
	s, ch := testStream(t)

	s.dispatch([]byte(`{"type":"message","data":{"id":"m1","chatId":"c1","senderId":"me","type":"TEXT","content":"hi","status":"sent","sentAt":42}}`))

	evt := recvEvent(t, ch)
	if evt.Kind != bus.KindRemoteMessage || evt.ChatID != "c1" {
		t.Fatalf("event = %+v", evt)
	}
	msg, ok := evt.Payload.(*store.Message)
	if !ok {
		t.Fatalf("payload type %T", evt.Payload)
	}
	if msg.MsgID != "m1" || !msg.FromMe || msg.SentAt != 42 {
		t.Fatalf("message = %+v", msg)
	}
}

func TestDispatchReceiptFrame(t *testing.T) {
	s, ch := testStream(t)

	s.dispatch([]byte(`{"type":"receipt","data":{"chatId":"c1","messageId":"m1","status":"read"}}`))

	evt := recvEvent(t, ch)
	if evt.Kind != bus.KindRemoteReceipt {
		t.Fatalf("kind = %s", evt.Kind)
	}
	r := evt.Payload.(Receipt)
	if r.MsgID != "m1" || r.Status != "read" {
		t.Fatalf("receipt = %+v", r)
	}
}

func TestDispatchIgnoresMalformedFrames(t *testing.T) {
	s, ch := testStream(t)

	s.dispatch([]byte(`not json`))
	s.dispatch([]byte(`{"type":"message","data":{"sentAt":"not a number"}}`))
	s.dispatch([]byte(`{"type":"unknown-kind","data":{}}`))

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
