package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/backend"
	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/config"
	"github.com/tutorlane/chatd/internal/errs"
	"github.com/tutorlane/chatd/internal/status"
	"github.com/tutorlane/chatd/internal/store"
)

const (
	cursorKey = "cursor"

	// One automatic resubmission after a reconnect; after that the message
	// is failed and the user decides.
	maxAutoAttempts = 2

	dueCheckInterval = 30 * time.Second
)

// Coordinator owns the connection to the platform: it authenticates,
// catches up via poll, holds the live stream, and drives the state machine
// through connect/reconnect cycles with exponential backoff.
type Coordinator struct {
	cfg     config.Sync
	client  *backend.Client
	stream  *backend.Stream
	engine  *Engine
	apts    *appointment.Engine
	db      *store.DB
	machine *status.Machine
	bus     *bus.Bus
	log     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(
	cfg config.Sync,
	client *backend.Client,
	stream *backend.Stream,
	engine *Engine,
	apts *appointment.Engine,
	db *store.DB,
	machine *status.Machine,
	b *bus.Bus,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		client:  client,
		stream:  stream,
		engine:  engine,
		apts:    apts,
		db:      db,
		machine: machine,
		bus:     b,
		log:     log.Named("coordinator"),
	}
}

// Start launches the connection loop, the poll fallback and the
// due-appointment ticker.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.dueLoop(ctx)
	}()
}

// Stop cancels the loops and waits for them to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// MarkRead clears the chat's unread count and reports the read position
// upstream. The remote call is fire-and-forget: its failure is logged, never
// surfaced, and never blocks rendering.
func (c *Coordinator) MarkRead(chatID string) error {
	if err := c.db.ClearUnread(chatID); err != nil {
		return errs.Internal("clear unread count", err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.client.MarkChatRead(ctx, chatID); err != nil {
			c.log.Warn("mark-read not delivered", zap.String("chat", chatID), zap.Error(err))
		}
	}()
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := c.machine.Transition(status.Connecting); err != nil {
			c.log.Warn("state transition refused", zap.Error(err))
		}
		c.bus.Publish(bus.Event{Kind: bus.KindSyncConnecting, Timestamp: time.Now()})

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Stream ended cleanly; reconnect immediately.
			backoff = time.Second
			continue
		}

		if errs.Is(err, errs.CodeAuth) {
			c.log.Warn("authentication required", zap.Error(err))
			_ = c.machine.Transition(status.AuthRequired)
		} else {
			c.log.Warn("connection lost", zap.Error(err))
			_ = c.machine.Transition(status.Reconnecting)
		}
		c.bus.Publish(bus.Event{Kind: bus.KindSyncDisconnected, Timestamp: time.Now(), Payload: err.Error()})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if max := c.cfg.MaxBackoff; max > 0 && backoff > max {
			backoff = max
		}
	}
}

// connectOnce performs one full session: authenticate, catch up, resubmit
// in-flight sends, then hold the stream until it drops.
func (c *Coordinator) connectOnce(ctx context.Context) error {
	if _, err := c.client.Me(ctx); err != nil {
		return err
	}
	if err := c.catchUp(ctx); err != nil {
		return err
	}

	if err := c.machine.Transition(status.Connected); err != nil {
		c.log.Warn("state transition refused", zap.Error(err))
	}
	c.bus.Publish(bus.Event{Kind: bus.KindSyncConnected, Timestamp: time.Now()})

	c.resubmitInFlight()

	return c.stream.Run(ctx)
}

// catchUp polls everything since the saved cursor and applies it.
func (c *Coordinator) catchUp(ctx context.Context) error {
	cursor, err := c.db.GetSyncState(cursorKey)
	if err != nil {
		return errs.Internal("load sync cursor", err)
	}
	batch, err := c.client.Poll(ctx, cursor)
	if err != nil {
		return err
	}
	if err := c.engine.IngestBatch(batch); err != nil {
		return errs.Internal("apply sync batch", err)
	}
	if batch.Cursor != "" && batch.Cursor != cursor {
		if err := c.db.SetSyncState(cursorKey, batch.Cursor); err != nil {
			return errs.Internal("save sync cursor", err)
		}
	}
	if len(batch.Messages)+len(batch.Receipts)+len(batch.Appointments) > 0 {
		c.log.Info("caught up",
			zap.Int("messages", len(batch.Messages)),
			zap.Int("receipts", len(batch.Receipts)),
			zap.Int("appointments", len(batch.Appointments)))
	}
	return nil
}

// pollLoop re-polls on a fixed cadence while the stream is up. The stream
// is the primary delivery path; the poll catches anything it dropped.
func (c *Coordinator) pollLoop(ctx context.Context) {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.machine.Current() != status.Connected {
				continue
			}
			if err := c.catchUp(ctx); err != nil && ctx.Err() == nil {
				c.log.Debug("poll fallback failed", zap.Error(err))
			}
		}
	}
}

// resubmitInFlight re-queues sends interrupted by the disconnect. Each gets
// one automatic retry; an entry that already used it is failed so the user
// sees it instead of a silent loop.
func (c *Coordinator) resubmitInFlight() {
	requeued, failed, err := c.db.RequeueInFlight(maxAutoAttempts)
	if err != nil {
		c.log.Error("failed to requeue in-flight sends", zap.Error(err))
		return
	}
	if requeued > 0 {
		c.log.Info("resubmitting interrupted sends", zap.Int("count", requeued))
	}
	for _, tempID := range failed {
		_ = c.db.MarkMessageFailed(tempID, "connection lost")
		entry, err := c.db.GetOutboxEntry(tempID)
		if err != nil || entry == nil {
			continue
		}
		c.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			ChatID:    entry.ChatID,
			Timestamp: time.Now(),
			Payload:   tempID,
		})
	}
}

func (c *Coordinator) dueLoop(ctx context.Context) {
	ticker := time.NewTicker(dueCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.apts.ElapseDue(time.Now()); err != nil {
				c.log.Warn("due-appointment sweep failed", zap.Error(err))
			}
		}
	}
}
