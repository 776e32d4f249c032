package conversation

// Status is the delivery state of one message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the happy-path states. A message never moves to a
// lower rank: a stale delivery receipt arriving after a read receipt is
// ignored. Failed sits outside the ranking; it is terminal and only a
// brand-new send attempt (new temp id) leaves it.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the monotonic rank of a status, or -1 for failed/unknown.
func Rank(s Status) int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Advance applies an incoming delivery event to the current status and
// returns the resulting status plus whether it changed.
//
// Rules:
//   - ranks only move up; a read event received before a delivered event is
//     accepted (read implies delivered) and the later delivered event is a
//     no-op,
//   - failed is reachable only from sending (a send failure),
//   - nothing leaves failed.
func Advance(current, incoming Status) (Status, bool) {
	if current == StatusFailed {
		return current, false
	}
	if incoming == StatusFailed {
		if current == StatusSending {
			return StatusFailed, true
		}
		return current, false
	}
	ir := Rank(incoming)
	if ir < 0 {
		return current, false
	}
	if ir > Rank(current) {
		return incoming, true
	}
	return current, false
}
