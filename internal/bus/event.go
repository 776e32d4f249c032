package bus

import "time"

// Event kinds published on the bus, grouped by namespace prefix.
const (
	// remote.* — raw events parsed off the backend stream/poll, consumed
	// by the sync engine.
	KindRemoteMessage     = "remote.message"
	KindRemoteBatch       = "remote.batch"
	KindRemoteReceipt     = "remote.receipt"
	KindRemoteTyping      = "remote.typing"
	KindRemotePresence    = "remote.presence"
	KindRemoteAppointment = "remote.appointment"

	// message.* — local store mutations, consumed by open conversation views.
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageDiscarded  = "message.discarded"

	// appointment.* — workflow transitions.
	KindAppointmentUpdated = "appointment.updated"
	KindAppointmentDeleted = "appointment.deleted"

	// sync.* — connection-level signals for UI banners.
	KindSyncConnecting   = "sync.connecting"
	KindSyncConnected    = "sync.connected"
	KindSyncDisconnected = "sync.disconnected"
	KindSyncBatchApplied = "sync.batch_applied"

	// session.* — daemon lifecycle.
	KindStatusChanged = "session.status_changed"
)

// Event is a domain event published on the bus. ChatID is set for events
// scoped to one conversation so subscribers can discard batches that no
// longer match the chat they are viewing.
type Event struct {
	Kind      string
	ChatID    string
	Timestamp time.Time
	Payload   any
}
