package presence

import (
	"sort"
	"sync"
	"time"
)

// TypingTTL is how long a typing signal stays visible without a refresh.
// Staleness is computed at read time; no timer ever purges the map, so the
// tracker is safe to query on every poll tick.
const TypingTTL = 5 * time.Second

// Status is a participant's presence as derived by the platform.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Busy    Status = "busy"
	Offline Status = "offline"
)

// TypingIndicator is one participant's ephemeral typing signal.
type TypingIndicator struct {
	ChatID    string
	UserID    string
	UserName  string
	Timestamp time.Time
}

// Info holds a participant's presence status with the last-seen timestamp.
type Info struct {
	Status   Status
	LastSeen time.Time
}

// Tracker holds typing indicators per chat and presence per user. Presence
// is derived externally and merely held here.
type Tracker struct {
	mu       sync.Mutex
	typing   map[string]map[string]TypingIndicator // chatID -> userID -> indicator
	presence map[string]Info
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		typing:   make(map[string]map[string]TypingIndicator),
		presence: make(map[string]Info),
		now:      time.Now,
	}
}

// SetTyping upserts a typing indicator with the current time. Each local
// "user is typing" signal refreshes the TTL window.
func (t *Tracker) SetTyping(chatID, userID, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byUser, ok := t.typing[chatID]
	if !ok {
		byUser = make(map[string]TypingIndicator)
		t.typing[chatID] = byUser
	}
	byUser[userID] = TypingIndicator{
		ChatID:    chatID,
		UserID:    userID,
		UserName:  userName,
		Timestamp: t.now(),
	}
}

// ActiveTypers returns the non-expired typing indicators for a chat,
// excluding the current user, ordered oldest signal first. Pure read-time
// filter: expired entries are skipped, not deleted.
func (t *Tracker) ActiveTypers(chatID, currentUserID string, now time.Time) []TypingIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TypingIndicator
	for _, ind := range t.typing[chatID] {
		if ind.UserID == currentUserID {
			continue
		}
		if now.Sub(ind.Timestamp) > TypingTTL {
			continue
		}
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ClearTyping drops one user's typing indicator, typically because their
// message just arrived.
func (t *Tracker) ClearTyping(chatID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing[chatID], userID)
}

// ClearChat drops all typing state for a chat. Called when the conversation
// view is torn down so signals never outlive the view.
func (t *Tracker) ClearChat(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, chatID)
}

// SetPresence records a participant's externally-derived presence.
func (t *Tracker) SetPresence(userID string, status Status, lastSeen time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presence[userID] = Info{Status: status, LastSeen: lastSeen}
}

// Presence returns a participant's presence, defaulting to offline.
func (t *Tracker) Presence(userID string) Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.presence[userID]
	if !ok {
		return Info{Status: Offline}
	}
	return info
}
