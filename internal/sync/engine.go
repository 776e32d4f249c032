package sync

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/backend"
	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/conversation"
	"github.com/tutorlane/chatd/internal/presence"
	"github.com/tutorlane/chatd/internal/store"
)

// Engine ingests remote events into the local cache. Every application is
// idempotent: the stream and the poll fallback can both deliver the same
// record and redelivery must be harmless. It subscribes to "remote." events
// on the bus.
type Engine struct {
	db           *store.DB
	bus          *bus.Bus
	appointments *appointment.Engine
	presence     *presence.Tracker
	log          *zap.Logger
	cancel       context.CancelFunc
}

func NewEngine(db *store.DB, b *bus.Bus, apts *appointment.Engine, tracker *presence.Tracker, log *zap.Logger) *Engine {
	return &Engine{
		db:           db,
		bus:          b,
		appointments: apts,
		presence:     tracker,
		log:          log.Named("sync"),
	}
}

// Start subscribes to inbound remote events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("remote.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRemoteMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.log.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindRemoteReceipt:
		r, ok := evt.Payload.(backend.Receipt)
		if !ok {
			return
		}
		if err := e.IngestReceipt(r); err != nil {
			e.log.Error("failed to ingest receipt", zap.Error(err), zap.String("msg_id", r.MsgID))
		}
	case bus.KindRemoteAppointment:
		a, ok := evt.Payload.(appointment.Appointment)
		if !ok {
			return
		}
		if err := e.appointments.ApplyRemote(&a); err != nil {
			e.log.Error("failed to apply appointment", zap.Error(err), zap.String("id", a.ID))
		}
	case bus.KindRemoteTyping:
		t, ok := evt.Payload.(backend.Typing)
		if !ok {
			return
		}
		e.presence.SetTyping(t.ChatID, t.UserID, t.UserName)
	case bus.KindRemotePresence:
		p, ok := evt.Payload.(backend.Presence)
		if !ok {
			return
		}
		e.IngestPresence(p)
	}
}

// IngestMessage applies one remote message. An echo of an in-flight
// optimistic send is recognized by its temp id and reconciled in place;
// anything else is an idempotent upsert keyed on (chat, message id).
func (e *Engine) IngestMessage(msg *store.Message) error {
	seen, err := e.db.GetMessageStatus(msg.ChatID, msg.MsgID)
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}

	if seen != "" {
		// A redelivered record carries the status it had when the batch
		// was cut; never let it rewind a later receipt.
		if next, ok := conversation.Advance(conversation.Status(seen), conversation.Status(msg.Status)); ok {
			msg.Status = string(next)
		} else {
			msg.Status = seen
		}
	}

	reconciled := false
	if msg.FromMe && msg.TempID != "" {
		ok, err := e.db.ReconcileMessage(msg.TempID, msg.MsgID, msg.SentAt)
		if err != nil {
			return fmt.Errorf("reconcile message: %w", err)
		}
		reconciled = ok
	}
	if !reconciled {
		if err := e.db.UpsertMessage(msg); err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
	}

	if err := e.db.TouchChat(msg.ChatID, msg.SentAt, preview(msg)); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	if !msg.FromMe {
		// Redelivery through the poll fallback must not bump the count
		// again, so only first sight of the id counts.
		if seen == "" {
			if err := e.db.IncrementUnread(msg.ChatID); err != nil {
				e.log.Warn("failed to bump unread count", zap.Error(err))
			}
		}
		// An inbound message supersedes the sender's typing indicator.
		e.presence.ClearTyping(msg.ChatID, msg.SenderID)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		ChatID:    msg.ChatID,
		Timestamp: time.Now(),
		Payload:   msg.MsgID,
	})
	return nil
}

// IngestReceipt applies a delivery-status change. Ranks only move forward;
// a stale receipt arriving after a higher one is dropped.
func (e *Engine) IngestReceipt(r backend.Receipt) error {
	current, err := e.db.GetMessageStatus(r.ChatID, r.MsgID)
	if err != nil {
		return fmt.Errorf("load message status: %w", err)
	}
	if current == "" {
		// Receipt for a message the cache has not seen yet; the message
		// upsert that follows in the same batch carries the status.
		return nil
	}
	next, changed := conversation.Advance(conversation.Status(current), conversation.Status(r.Status))
	if !changed {
		return nil
	}
	if err := e.db.SetMessageStatus(r.ChatID, r.MsgID, string(next)); err != nil {
		return fmt.Errorf("set message status: %w", err)
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		ChatID:    r.ChatID,
		Timestamp: time.Now(),
		Payload:   r.MsgID,
	})
	return nil
}

// IngestPresence records a user's availability both in the tracker and on
// the cached chat row for list rendering.
func (e *Engine) IngestPresence(p backend.Presence) {
	e.presence.SetPresence(p.UserID, presence.Status(p.Status), time.UnixMilli(p.LastSeenAt))
	if p.ChatID != "" {
		if err := e.db.SetChatPresence(p.ChatID, p.Status, p.LastSeenAt); err != nil {
			e.log.Warn("failed to update chat presence", zap.Error(err))
		}
	}
}

// IngestBatch applies one poll result in order: messages, receipts,
// appointments, then the ephemeral signals.
func (e *Engine) IngestBatch(b *backend.Batch) error {
	for _, msg := range b.Messages {
		if err := e.IngestMessage(msg); err != nil {
			return err
		}
	}
	for _, r := range b.Receipts {
		if err := e.IngestReceipt(r); err != nil {
			return err
		}
	}
	for i := range b.Appointments {
		if err := e.appointments.ApplyRemote(&b.Appointments[i]); err != nil {
			return err
		}
	}
	for _, t := range b.Typing {
		e.presence.SetTyping(t.ChatID, t.UserID, t.UserName)
	}
	for _, p := range b.Presence {
		e.IngestPresence(p)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindSyncBatchApplied,
		Timestamp: time.Now(),
		Payload:   len(b.Messages),
	})
	return nil
}

func preview(msg *store.Message) string {
	switch msg.Kind {
	case store.KindAppointmentRequest:
		return "Appointment request"
	case store.KindAppointmentResponse:
		return "Appointment response"
	case store.KindSystemMessage:
		return msg.Content
	default:
		return truncate(msg.Content, 100)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	// Back off to a rune boundary so the cut never splits a code point.
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
