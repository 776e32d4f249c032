package appointment

import (
	"encoding/json"
	"time"

	"github.com/tutorlane/chatd/internal/errs"
	"github.com/tutorlane/chatd/internal/store"
)

// Payload is the appointment data carried by a chat message. Request
// messages embed the slot inline as serialized JSON; response messages
// reference the stored appointment record. Exactly one variant is set,
// chosen by the message kind, never by inspecting the content's shape.
// Deleted marks a request whose appointment was removed: the message stays
// and renders a tombstone.
type Payload struct {
	Inline  *Inline
	Linked  *Appointment
	Deleted bool
}

// Inline is the slot data embedded in an APPOINTMENT_REQUEST message body.
type Inline struct {
	DateTime    time.Time `json:"dateTime"`
	EndDateTime time.Time `json:"endDateTime"`
	Location    string    `json:"location"`
}

// EncodeInline serializes the slot data for a request message body.
func EncodeInline(p Inline) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", errs.Internal("encode appointment payload", err)
	}
	return string(b), nil
}

// Lookup resolves an appointment record by ID. Implemented by the engine.
type Lookup interface {
	Get(id string) (*Appointment, error)
}

// Resolve maps a message onto its appointment payload by message kind.
//   - APPOINTMENT_REQUEST with a live reference parses the inline body.
//   - APPOINTMENT_REQUEST with a cleared reference is a tombstone.
//   - APPOINTMENT_RESPONSE links the stored record; a missing record also
//     degrades to a tombstone since the appointment was removed remotely.
func Resolve(kind, content, appointmentID string, lookup Lookup) (Payload, error) {
	switch kind {
	case store.KindAppointmentRequest:
		if appointmentID == "" {
			return Payload{Deleted: true}, nil
		}
		var in Inline
		if err := json.Unmarshal([]byte(content), &in); err != nil {
			return Payload{}, errs.Internal("parse appointment request body", err)
		}
		return Payload{Inline: &in}, nil
	case store.KindAppointmentResponse:
		if appointmentID == "" {
			return Payload{Deleted: true}, nil
		}
		a, err := lookup.Get(appointmentID)
		if err != nil {
			return Payload{}, err
		}
		if a == nil {
			return Payload{Deleted: true}, nil
		}
		return Payload{Linked: a}, nil
	default:
		return Payload{}, errs.Validation("message carries no appointment payload")
	}
}
