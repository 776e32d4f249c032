package conversation

import "time"

// Kind values mirror the platform wire contract.
const (
	KindText                = "TEXT"
	KindAppointmentRequest  = "APPOINTMENT_REQUEST"
	KindAppointmentResponse = "APPOINTMENT_RESPONSE"
	KindSystemMessage       = "SYSTEM_MESSAGE"
)

// Attachment is a file reference carried by a message. Upload mechanics are
// handled elsewhere; the log only carries the reference.
type Attachment struct {
	ID   string
	Name string
	URL  string
	Size int64
}

// Message is the in-memory view of one message in an open conversation.
// Exactly one of ID/TempID identifies it at any time: TempID while the send
// is in flight, ID once the server confirmed it. After reconciliation TempID
// is retained only so a late ack can still find the entry; it is never
// reused for another send.
type Message struct {
	ID            string
	TempID        string
	ChatID        string
	SenderID      string
	SenderName    string
	Kind          string
	Content       string
	Attachments   []Attachment
	AppointmentID string
	SentAt        time.Time
	Status        Status
	IsOptimistic  bool
	IsEdited      bool
	Reactions     map[string]int
	Error         string
}
