package rotorpool

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is a sticky session→proxy binding.
type session struct {
	id           string
	proxyID      string
	createdAt    time.Time
	lastUsedAt   time.Time
	expiresAt    time.Time
	requestCount int64
}

// SessionInfo is an immutable, point-in-time view of a session binding,
// mirroring §3's Session data model (session_id, proxy_id, created_at,
// last_used_at, expires_at, request_count).
type SessionInfo struct {
	ID           string
	ProxyID      string
	CreatedAt    time.Time
	LastUsedAt   time.Time
	ExpiresAt    time.Time
	RequestCount int64
}

// SessionManager owns sticky session bindings. It follows the same
// map-plus-mutex shape as Pool and BreakerRegistry: one lock guards the
// map, held only long enough to read or mutate an entry.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
}

// NewSessionManager constructs a manager with the given default TTL;
// ttl<=0 means sessions never expire on their own and only Close removes
// them.
func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{sessions: make(map[string]*session), ttl: ttl}
}

// Create mints a new session bound to proxyID, keyed by a fresh uuid.
func (m *SessionManager) Create(proxyID string) string {
	id := uuid.NewString()
	now := time.Now()
	s := &session{id: id, proxyID: proxyID, createdAt: now, lastUsedAt: now}
	if m.ttl > 0 {
		s.expiresAt = now.Add(m.ttl)
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return id
}

// Get returns the bound proxy_id for a session, (false) if absent or
// expired. An expired session is lazily evicted on lookup.
func (m *SessionManager) Get(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	now := time.Now()
	if m.expiredLocked(s, now) {
		delete(m.sessions, sessionID)
		return "", false
	}
	s.lastUsedAt = now
	s.requestCount++
	return s.proxyID, true
}

// Bound implements strategy.SessionView: same lookup as Get, without the
// TTL being part of the strategy's concerns.
func (m *SessionManager) Bound(sessionID string) (string, bool) {
	return m.Get(sessionID)
}

// Bind implements strategy.SessionView: create-or-rebind a session to a new
// proxy, refreshing its TTL.
func (m *SessionManager) Bind(sessionID, proxyID string) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, createdAt: now}
		m.sessions[sessionID] = s
	}
	s.proxyID = proxyID
	s.lastUsedAt = now
	if m.ttl > 0 {
		s.expiresAt = now.Add(m.ttl)
	}
}

// Touch refreshes a session's TTL without changing its binding, reporting
// false for an absent or expired session.
func (m *SessionManager) Touch(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	s, ok := m.sessions[sessionID]
	if !ok || m.expiredLocked(s, now) {
		return false
	}
	s.lastUsedAt = now
	if m.ttl > 0 {
		s.expiresAt = now.Add(m.ttl)
	}
	return true
}

// Info returns the full SessionInfo for sessionID, (false) if absent or
// expired. Unlike Get/Bound, it does not count as a use and leaves
// last_used_at/request_count untouched.
func (m *SessionManager) Info(sessionID string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || m.expiredLocked(s, time.Now()) {
		return SessionInfo{}, false
	}
	return SessionInfo{
		ID:           s.id,
		ProxyID:      s.proxyID,
		CreatedAt:    s.createdAt,
		LastUsedAt:   s.lastUsedAt,
		ExpiresAt:    s.expiresAt,
		RequestCount: s.requestCount,
	}, true
}

// Close removes a session explicitly.
func (m *SessionManager) Close(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// CleanupExpired evicts every session past its TTL, returning the count
// removed. Nothing in this module schedules it: no janitor task runs, so
// unless a host calls it, expired sessions are evicted only lazily on
// lookup.
func (m *SessionManager) CleanupExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if m.expiredLocked(s, now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// OnProxyRemoved drops every session bound to a proxy that has left the
// pool, called from Pool's onRemove hook.
func (m *SessionManager) OnProxyRemoved(proxyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.proxyID == proxyID {
			delete(m.sessions, id)
		}
	}
}

// Len reports the current number of live (non-expired) sessions.
func (m *SessionManager) Len() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if !m.expiredLocked(s, now) {
			n++
		}
	}
	return n
}

func (m *SessionManager) expiredLocked(s *session, now time.Time) bool {
	return m.ttl > 0 && now.After(s.expiresAt)
}
