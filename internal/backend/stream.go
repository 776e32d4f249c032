package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/errs"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamMaxFrame   = 1 << 20
)

// Stream holds one WebSocket connection to the platform's event feed and
// republishes each frame as a remote.* bus event. It does not reconnect;
// the sync coordinator owns the retry loop.
type Stream struct {
	url    string
	client *Client
	bus    *bus.Bus
	log    *zap.Logger
}

func NewStream(url string, client *Client, b *bus.Bus, log *zap.Logger) *Stream {
	return &Stream{
		url:    url,
		client: client,
		bus:    b,
		log:    log.Named("stream"),
	}
}

// Run dials the feed and pumps frames until the connection drops or ctx is
// cancelled. Returns nil on cancellation, a classified error otherwise.
func (s *Stream) Run(ctx context.Context) error {
	tok, err := s.client.token()
	if err != nil {
		return err
	}
	header := http.Header{"Authorization": {"Bearer " + tok}}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errs.Auth("stream authentication rejected", err)
		}
		return errs.Network("stream dial failed", err)
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(streamMaxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	s.log.Info("stream connected", zap.String("url", s.url))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errs.Network("stream closed", err)
		}
		s.dispatch(raw)
	}
}

func (s *Stream) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn("undecodable stream frame", zap.Error(err))
		return
	}
	now := time.Now()

	switch env.Type {
	case frameMessage:
		var wm wireMessage
		if err := json.Unmarshal(env.Data, &wm); err != nil {
			s.log.Warn("bad message frame", zap.Error(err))
			return
		}
		msg := wm.toStore(s.client.SelfID())
		s.bus.Publish(bus.Event{Kind: bus.KindRemoteMessage, ChatID: msg.ChatID, Timestamp: now, Payload: msg})
	case frameReceipt:
		var r Receipt
		if err := json.Unmarshal(env.Data, &r); err != nil {
			s.log.Warn("bad receipt frame", zap.Error(err))
			return
		}
		s.bus.Publish(bus.Event{Kind: bus.KindRemoteReceipt, ChatID: r.ChatID, Timestamp: now, Payload: r})
	case frameTyping:
		var t Typing
		if err := json.Unmarshal(env.Data, &t); err != nil {
			s.log.Warn("bad typing frame", zap.Error(err))
			return
		}
		s.bus.Publish(bus.Event{Kind: bus.KindRemoteTyping, ChatID: t.ChatID, Timestamp: now, Payload: t})
	case framePresence:
		var p Presence
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.log.Warn("bad presence frame", zap.Error(err))
			return
		}
		s.bus.Publish(bus.Event{Kind: bus.KindRemotePresence, ChatID: p.ChatID, Timestamp: now, Payload: p})
	case frameAppointment:
		var wa wireAppointment
		if err := json.Unmarshal(env.Data, &wa); err != nil {
			s.log.Warn("bad appointment frame", zap.Error(err))
			return
		}
		a := wa.toDomain()
		s.bus.Publish(bus.Event{Kind: bus.KindRemoteAppointment, ChatID: a.ChatID, Timestamp: now, Payload: a})
	default:
		s.log.Debug("ignoring stream frame", zap.String("type", env.Type))
	}
}
