// Package session tracks time-bounded controller identities. The manager is
// pure state: it never touches transports, so the relay server decides how
// expiry and eviction notices reach the affected connections.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/remlink/relay/internal/ident"
	"github.com/remlink/relay/relay/protocol"
)

// Destroy reasons surfaced in session_expired notices.
const (
	ReasonExpired     = "expired"
	ReasonMaxSessions = "max_sessions_exceeded"
	ReasonKicked      = "kicked"
)

// Session is one live controller identity.
type Session struct {
	ID           string
	Password     string
	DeviceInfo   protocol.DeviceInfo
	CreatedAt    time.Time
	LastActivity time.Time
}

// Stats is a point-in-time census used by the HTTP status endpoint.
type Stats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Expired     int `json:"expired"`
	UniqueUsers int `json:"uniqueUsers"`
}

// Manager owns all live sessions, keyed by id and indexed by password.
type Manager struct {
	timeout    time.Duration
	maxPerUser int

	mu         sync.Mutex
	sessions   map[string]*Session
	byPassword map[string]map[string]*Session
}

// NewManager returns a manager enforcing the given idle timeout and
// per-password cap.
func NewManager(timeout time.Duration, maxPerUser int) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	return &Manager{
		timeout:    timeout,
		maxPerUser: maxPerUser,
		sessions:   make(map[string]*Session),
		byPassword: make(map[string]map[string]*Session),
	}
}

// Timeout returns the configured idle timeout.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Create allocates a session with a fresh unforgeable id. When the password
// is at its cap, the oldest session by CreatedAt is destroyed first and
// returned so the caller can notify its transport.
func (m *Manager) Create(password string, info protocol.DeviceInfo, now time.Time) (Session, []Session, error) {
	id, err := ident.New(ident.SessionIDBytes)
	if err != nil {
		return Session{}, nil, err
	}
	s := &Session{
		ID:           id,
		Password:     password,
		DeviceInfo:   info,
		CreatedAt:    now,
		LastActivity: now,
	}
	var evicted []Session
	m.mu.Lock()
	set := m.byPassword[password]
	if set == nil {
		set = make(map[string]*Session)
		m.byPassword[password] = set
	}
	for len(set) >= m.maxPerUser {
		oldest := oldestLocked(set)
		if oldest == nil {
			break
		}
		evicted = append(evicted, *oldest)
		m.removeLocked(oldest.ID)
	}
	m.sessions[id] = s
	set[id] = s
	m.mu.Unlock()
	return *s, evicted, nil
}

// Validate reports whether a session is live. An idle-expired session is
// destroyed as a side effect and returned with ok=false so the caller can
// send the expiry notice.
func (m *Manager) Validate(id string, now time.Time) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return Session{}, false
	}
	if now.Sub(s.LastActivity) > m.timeout {
		snap := *s
		m.removeLocked(id)
		return snap, false
	}
	return *s, true
}

// Touch bumps LastActivity on a live session.
func (m *Manager) Touch(id string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return false
	}
	s.LastActivity = now
	return true
}

// Destroy removes a session from all indices and returns its final snapshot.
func (m *Manager) Destroy(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return Session{}, false
	}
	snap := *s
	m.removeLocked(id)
	return snap, true
}

// Get returns a snapshot of a session without touching it.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// ForPassword lists every session for a password, oldest first.
func (m *Manager) ForPassword(password string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.byPassword[password] {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep destroys every idle-expired session and returns their snapshots.
func (m *Manager) Sweep(now time.Time) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []Session
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity) > m.timeout {
			expired = append(expired, *s)
			m.removeLocked(id)
		}
	}
	return expired
}

// Stats counts sessions without mutating state. Expired counts sessions that
// are idle past the timeout but not yet swept.
func (m *Manager) Stats(now time.Time) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Total: len(m.sessions), UniqueUsers: len(m.byPassword)}
	for _, s := range m.sessions {
		if now.Sub(s.LastActivity) > m.timeout {
			st.Expired++
		} else {
			st.Active++
		}
	}
	return st
}

func (m *Manager) removeLocked(id string) {
	s := m.sessions[id]
	if s == nil {
		return
	}
	delete(m.sessions, id)
	if set := m.byPassword[s.Password]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byPassword, s.Password)
		}
	}
}

func oldestLocked(set map[string]*Session) *Session {
	var oldest *Session
	for _, s := range set {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	return oldest
}
