package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/backend"
	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/conversation"
	"github.com/tutorlane/chatd/internal/errs"
	"github.com/tutorlane/chatd/internal/store"
)

// MessageSender submits one message to the platform.
type MessageSender interface {
	SendMessage(ctx context.Context, req backend.SendRequest) (*backend.SendResult, error)
}

// Ack announces a successful send: the optimistic row identified by TempID
// now carries the server id and timestamp.
type Ack struct {
	ChatID string
	TempID string
	MsgID  string
	SentAt int64
}

// Failure announces a failed send. The message stays visible as failed with
// a retry affordance.
type Failure struct {
	ChatID string
	TempID string
	Error  string
}

// Sender owns the optimistic send pipeline: Queue inserts the message
// locally and records it in the outbox; a background loop drains queued
// entries to the platform and reconciles or fails each one.
type Sender struct {
	db     *store.DB
	remote MessageSender
	bus    *bus.Bus
	log    *zap.Logger
	selfID func() string
	cancel context.CancelFunc
}

func NewSender(db *store.DB, remote MessageSender, b *bus.Bus, log *zap.Logger, selfID func() string) *Sender {
	return &Sender{
		db:     db,
		remote: remote,
		bus:    b,
		log:    log.Named("outbox"),
		selfID: selfID,
	}
}

// Queue stages an outgoing message. The optimistic row is visible
// immediately with status sending; the returned temp id identifies it until
// the server acknowledgement replaces it.
func (s *Sender) Queue(chatID, kind, content string) (string, error) {
	if content == "" {
		return "", errs.Validation("message content is empty")
	}
	tempID := uuid.NewString()
	now := time.Now().UnixMilli()

	err := s.db.InsertOptimistic(&store.Message{
		ChatID:       chatID,
		MsgID:        tempID,
		TempID:       tempID,
		SenderID:     s.selfID(),
		Kind:         kind,
		Content:      content,
		Status:       "sending",
		FromMe:       true,
		IsOptimistic: true,
		SentAt:       now,
	})
	if err != nil {
		return "", errs.Internal("stage optimistic message", err)
	}
	if err := s.db.QueueOutbox(tempID, chatID, kind, content); err != nil {
		return "", errs.Internal("queue outbox entry", err)
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		ChatID:    chatID,
		Timestamp: time.Now(),
		Payload:   tempID,
	})
	return tempID, nil
}

// Retry re-queues a failed message as a brand-new attempt with a fresh temp
// id. The failed row is removed; content is reused verbatim.
func (s *Sender) Retry(tempID string) (string, error) {
	entry, err := s.db.GetOutboxEntry(tempID)
	if err != nil {
		return "", errs.Internal("load outbox entry", err)
	}
	if entry == nil {
		return "", errs.Validation("unknown message")
	}
	if entry.Status != "failed" {
		return "", errs.Validation("only failed messages can be retried")
	}
	if err := s.db.DeleteMessageByTemp(tempID); err != nil {
		return "", errs.Internal("drop failed message", err)
	}
	if err := s.db.DeleteOutboxEntry(tempID); err != nil {
		return "", errs.Internal("drop failed outbox entry", err)
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageDiscarded,
		ChatID:    entry.ChatID,
		Timestamp: time.Now(),
		Payload:   tempID,
	})
	return s.Queue(entry.ChatID, entry.Kind, entry.Content)
}

// Discard removes a failed message entirely.
func (s *Sender) Discard(tempID string) error {
	entry, err := s.db.GetOutboxEntry(tempID)
	if err != nil {
		return errs.Internal("load outbox entry", err)
	}
	if entry == nil {
		return errs.Validation("unknown message")
	}
	if entry.Status != "failed" {
		return errs.Validation("only failed messages can be discarded")
	}
	if err := s.db.DeleteMessageByTemp(tempID); err != nil {
		return errs.Internal("drop failed message", err)
	}
	if err := s.db.DeleteOutboxEntry(tempID); err != nil {
		return err
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageDiscarded,
		ChatID:    entry.ChatID,
		Timestamp: time.Now(),
		Payload:   tempID,
	})
	return nil
}

// Start begins draining the outbox.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the drain loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.log.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.TempID); err != nil {
			s.log.Error("failed to mark sending", zap.Error(err), zap.String("temp_id", entry.TempID))
			continue
		}

		res, err := s.remote.SendMessage(ctx, backend.SendRequest{
			ChatID:  entry.ChatID,
			TempID:  entry.TempID,
			Type:    entry.Kind,
			Content: entry.Content,
		})
		if err != nil {
			s.fail(entry, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.TempID, res.MsgID); err != nil {
			s.log.Error("failed to mark sent", zap.Error(err), zap.String("temp_id", entry.TempID))
		}
		// The stream echo of this message may have landed first, in which
		// case the optimistic row is already confirmed and reconcile finds
		// nothing; the upsert below is then an idempotent no-op.
		ok, err := s.db.ReconcileMessage(entry.TempID, res.MsgID, res.SentAt)
		if err != nil {
			s.log.Error("failed to reconcile message", zap.Error(err), zap.String("temp_id", entry.TempID))
			continue
		}
		if !ok {
			status := conversation.StatusSent
			if cur, err := s.db.GetMessageStatus(entry.ChatID, res.MsgID); err == nil && cur != "" {
				status, _ = conversation.Advance(conversation.Status(cur), conversation.StatusSent)
			}
			_ = s.db.UpsertMessage(&store.Message{
				ChatID:   entry.ChatID,
				MsgID:    res.MsgID,
				TempID:   entry.TempID,
				SenderID: s.selfID(),
				Kind:     entry.Kind,
				Content:  entry.Content,
				Status:   string(status),
				FromMe:   true,
				SentAt:   res.SentAt,
			})
		}
		if err := s.db.TouchChat(entry.ChatID, res.SentAt, entry.Content); err != nil {
			s.log.Warn("failed to touch chat", zap.Error(err))
		}

		s.log.Info("message sent",
			zap.String("temp_id", entry.TempID), zap.String("msg_id", res.MsgID))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendAck,
			ChatID:    entry.ChatID,
			Timestamp: time.Now(),
			Payload:   Ack{ChatID: entry.ChatID, TempID: entry.TempID, MsgID: res.MsgID, SentAt: res.SentAt},
		})
	}
}

func (s *Sender) fail(entry store.OutboxEntry, sendErr error) {
	s.log.Error("failed to send message", zap.Error(sendErr), zap.String("temp_id", entry.TempID))
	_ = s.db.MarkOutboxFailed(entry.TempID, sendErr.Error())
	_ = s.db.MarkMessageFailed(entry.TempID, sendErr.Error())
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		ChatID:    entry.ChatID,
		Timestamp: time.Now(),
		Payload:   Failure{ChatID: entry.ChatID, TempID: entry.TempID, Error: sendErr.Error()},
	})
}
