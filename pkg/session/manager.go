package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager tracks live sessions in memory, one per connection.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a new session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Start creates a session with a fresh identifier.
func (m *Manager) Start() *Session {
	s := &Session{
		id:      uuid.New().String(),
		created: time.Now(),
		slots:   make(map[any]any),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	return s
}

// Get retrieves a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// End removes the session and releases its slots. Ending an unknown or
// already-ended session is a no-op.
func (m *Manager) End(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.end()
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}
