package file

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaydrop/transport"
)

// Manager keeps the sessions of one client, keyed by pairing code and role.
type Manager struct {
	sessions     map[sessionKey]*Session
	stallTimeout time.Duration
	mu           sync.RWMutex
}

// sessionKey uniquely identifies a session. Both roles of one code may live
// in the same process during loopback use.
type sessionKey struct {
	code string
	role transport.Role
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Debug("Creating session manager")

	return &Manager{
		sessions:     make(map[sessionKey]*Session),
		stallTimeout: DefaultStallTimeout,
	}
}

// SetStallTimeout sets the timeout used by CheckStalled.
func (m *Manager) SetStallTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stallTimeout = timeout
}

// Open registers a new session. Only one unfinished session may exist per
// code and role.
func (m *Manager) Open(code string, role transport.Role, fileName string, fileSize int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey{code: code, role: role}
	if existing, ok := m.sessions[key]; ok && existing.State() < SessionStateCompleted {
		return nil, fmt.Errorf("session already active for code %q as %s", code, role)
	}

	s := NewSession(code, role, fileName, fileSize)
	m.sessions[key] = s

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Open",
		"session_id": s.ID,
		"role":       role,
		"sessions":   len(m.sessions),
	}).Info("Session registered")
	return s, nil
}

// Get returns the session for code and role.
func (m *Manager) Get(code string, role transport.Role) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionKey{code: code, role: role}]
	if !ok {
		return nil, fmt.Errorf("no session for code %q as %s", code, role)
	}
	return s, nil
}

// Remove drops a session from the registry.
func (m *Manager) Remove(code string, role transport.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey{code: code, role: role})
}

// Sessions returns all sessions ordered by ID.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Track feeds engine events into s until events is closed.
func (m *Manager) Track(s *Session, events <-chan Event) {
	for ev := range events {
		s.Observe(ev)
	}
}

// CheckStalled returns the running sessions without progress within the
// stall timeout.
func (m *Manager) CheckStalled() []*Session {
	m.mu.RLock()
	timeout := m.stallTimeout
	m.mu.RUnlock()

	var stalled []*Session
	for _, s := range m.Sessions() {
		if err := s.CheckTimeout(timeout); err != nil {
			stalled = append(stalled, s)
		}
	}
	return stalled
}

// Prune removes finished sessions and returns how many were dropped.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, s := range m.sessions {
		if s.State() >= SessionStateCompleted {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}
