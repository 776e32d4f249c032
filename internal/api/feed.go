package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/conversation"
	"github.com/tutorlane/chatd/internal/outbox"
)

// Start begins feeding open conversation views from local store mutations
// published on the bus. Events for chats without a mounted view are
// discarded; the cache stays the source of truth and a view reloads from it
// on the next open.
func (h *Handler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	ch, unsub := h.bus.Subscribe("message.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				h.applyEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the view feed.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handler) applyEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageUpserted:
		msgID, ok := evt.Payload.(string)
		if !ok {
			return
		}
		row, err := h.db.GetMessage(evt.ChatID, msgID)
		if err != nil {
			h.log.Error("failed to load message for view", zap.Error(err), zap.String("msg_id", msgID))
			return
		}
		if row == nil {
			return
		}
		lm := toLogMessage(*row)
		h.views.With(evt.ChatID, func(l *conversation.Log) {
			if row.IsOptimistic {
				l.Stage(lm)
				return
			}
			l.ApplyIncoming(lm)
		})

	case bus.KindMessageSendAck:
		ack, ok := evt.Payload.(outbox.Ack)
		if !ok {
			return
		}
		confirmed := conversation.Message{
			ID:     ack.MsgID,
			ChatID: ack.ChatID,
			SentAt: time.UnixMilli(ack.SentAt),
			Status: conversation.StatusSent,
		}
		if row, err := h.db.GetMessage(ack.ChatID, ack.MsgID); err == nil && row != nil {
			confirmed = toLogMessage(*row)
		}
		h.views.With(ack.ChatID, func(l *conversation.Log) {
			l.Reconcile(ack.TempID, confirmed)
		})

	case bus.KindMessageSendFailed:
		f, ok := evt.Payload.(outbox.Failure)
		if !ok {
			return
		}
		h.views.With(f.ChatID, func(l *conversation.Log) {
			l.MarkFailed(f.TempID, f.Error)
		})

	case bus.KindMessageDiscarded:
		tempID, ok := evt.Payload.(string)
		if !ok {
			return
		}
		h.views.With(evt.ChatID, func(l *conversation.Log) {
			l.Discard(tempID)
		})
	}
}
