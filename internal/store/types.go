package store

// MessageKind values mirror the platform wire contract.
const (
	KindText                = "TEXT"
	KindAppointmentRequest  = "APPOINTMENT_REQUEST"
	KindAppointmentResponse = "APPOINTMENT_RESPONSE"
	KindSystemMessage       = "SYSTEM_MESSAGE"
)

// Chat represents a synced conversation summary (the chat list aggregate).
type Chat struct {
	ID                 string
	Title              string
	CounterpartID      string
	CounterpartName    string
	UnreadCount        int
	IsActive           bool
	Presence           string
	LastSeenAt         int64
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents a cached message. MsgID is the server-assigned id once
// confirmed; while a send is in flight the row is identified by TempID and
// MsgID holds the temp id so the (chat_id, msg_id) uniqueness still applies.
type Message struct {
	ID            int64
	ChatID        string
	MsgID         string
	TempID        string
	SenderID      string
	SenderName    string
	Kind          string
	Content       string
	AppointmentID string
	Status        string
	FromMe        bool
	IsOptimistic  bool
	ErrorMessage  string
	SentAt        int64
}

// Appointment represents a cached scheduling record. TeacherReady and
// StudentReady are tri-state: nil means the party has not answered yet.
type Appointment struct {
	ID              string
	ChatID          string
	MessageID       string
	RequesterID     string
	StartsAt        int64
	DurationMinutes int
	Location        string
	Status          string
	TeacherReady    *bool
	StudentReady    *bool
	UpdatedAt       int64
}

// OutboxEntry represents a pending outgoing message. Attempts counts how
// many times a send was started, which bounds automatic resubmission.
type OutboxEntry struct {
	ID           int64
	TempID       string
	ChatID       string
	Kind         string
	Content      string
	Status       string // queued, sending, sent, failed
	Attempts     int
	ErrorMessage string
	ServerMsgID  string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
