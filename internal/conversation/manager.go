package conversation

import "sync"

// Manager owns the logs of currently-open conversations. A log exists only
// between Init and Dispose of its view; an orphaned poll finishing after
// Dispose finds no log and its batch is discarded rather than written into
// a view that no longer exists.
type Manager struct {
	mu     sync.Mutex
	selfID func() string
	active map[string]*Log

	// OnDispose hooks view teardown, e.g. to clear typing state for the chat.
	OnDispose func(chatID string)
}

// NewManager creates a manager for the local user. selfID is resolved lazily
// at mount time because the user id is only known after the first
// authenticated profile fetch.
func NewManager(selfID func() string) *Manager {
	return &Manager{
		selfID: selfID,
		active: make(map[string]*Log),
	}
}

// Init mounts a conversation view and returns its log. Re-initializing an
// already-open chat returns the existing log.
func (m *Manager) Init(chatID string) *Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.active[chatID]; ok {
		return l
	}
	l := NewLog(chatID, m.selfID())
	m.active[chatID] = l
	return l
}

// Dispose unmounts a conversation view and drops its log.
func (m *Manager) Dispose(chatID string) {
	m.mu.Lock()
	_, existed := m.active[chatID]
	delete(m.active, chatID)
	m.mu.Unlock()
	if existed && m.OnDispose != nil {
		m.OnDispose(chatID)
	}
}

// With runs fn against the log for chatID while holding the manager lock,
// serializing all log mutations. Returns false when the view is not
// mounted; the caller simply drops the batch in that case.
func (m *Manager) With(chatID string, fn func(*Log)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.active[chatID]
	if !ok {
		return false
	}
	fn(l)
	return true
}
