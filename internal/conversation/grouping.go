package conversation

import "time"

// groupGap is the silence after which a new visual group starts.
const groupGap = 5 * time.Minute

// Decoration carries the per-message presentation flags computed from
// neighbors. Kept here, not in the view layer, so the rules are testable
// without rendering.
type Decoration struct {
	ShowAvatar    bool
	ShowTimestamp bool
}

// Decorate computes grouping flags for a message sequence given oldest
// first. Message i shows an avatar when the sender differs from message i-1
// or the gap exceeds groupGap; it shows a timestamp when the sender differs
// from message i+1 or the gap to it exceeds groupGap.
func Decorate(msgs []Message) []Decoration {
	out := make([]Decoration, len(msgs))
	for i := range msgs {
		out[i].ShowAvatar = i == 0 ||
			msgs[i].SenderID != msgs[i-1].SenderID ||
			msgs[i].SentAt.Sub(msgs[i-1].SentAt) > groupGap
		out[i].ShowTimestamp = i == len(msgs)-1 ||
			msgs[i].SenderID != msgs[i+1].SenderID ||
			msgs[i+1].SentAt.Sub(msgs[i].SentAt) > groupGap
	}
	return out
}

// DateGroup is a run of messages sharing a calendar day.
type DateGroup struct {
	Day      time.Time // midnight in the reference timezone
	Messages []Message
}

// GroupByDay partitions messages (oldest first) into calendar-day groups.
// The day boundary is evaluated in the given reference timezone so grouping
// is stable regardless of where the process runs.
func GroupByDay(msgs []Message, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.UTC
	}
	var groups []DateGroup
	for _, m := range msgs {
		t := m.SentAt.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DateGroup{Day: day})
		}
		groups[len(groups)-1].Messages = append(groups[len(groups)-1].Messages, m)
	}
	return groups
}
