package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// The socket is a local Unix domain socket; no cross-origin surface.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFrame is one relayed bus event. Payloads stay opaque: clients
// re-fetch through the query endpoints, which keeps the relay loss-tolerant.
type eventFrame struct {
	Kind      string    `json:"kind"`
	ChatID    string    `json:"chatId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// watchEvents streams bus events to a local client. remote.* events are
// internal to the ingestion pipeline and not relayed; everything a client
// can react to arrives as message.*, appointment.*, sync.* or session.*.
func (h *Handler) watchEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ch, unsub := h.bus.Subscribe("", 256)
	defer unsub()

	// Reader goroutine: we never expect frames, but reading surfaces the
	// peer's close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if strings.HasPrefix(evt.Kind, "remote.") {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(eventFrame{
				Kind:      evt.Kind,
				ChatID:    evt.ChatID,
				Timestamp: evt.Timestamp,
			}); err != nil {
				return
			}
		}
	}
}
