package matdisc

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleThreshold is how long a session may sit inactive before the
// sweep evicts it.
const DefaultIdleThreshold = 30 * time.Minute

// DefaultClarifyBudget caps how many clarifying questions the agent may ask
// per session.
const DefaultClarifyBudget = 5

// Session is one conversation's volatile state. Short-term history lives in
// the TurnStore keyed by Session.ID; the session itself tracks activity,
// the clarification budget, and which tools have been disabled by
// permanent failures.
type Session struct {
	ID        string
	UserID    string
	CreatedAt int64

	// runMu serializes turns: one writer per session.
	runMu sync.Mutex

	mu             sync.Mutex
	lastActive     time.Time
	busy           bool
	clarifications int
	disabled       map[string]bool
}

// Touch records activity now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the last activity time.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SetBusy marks the session as mid-turn. Busy sessions are skipped by the
// sweep so an in-flight turn is never evicted under itself.
func (s *Session) SetBusy(b bool) {
	s.mu.Lock()
	s.busy = b
	s.mu.Unlock()
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// ClarifyAllowed consumes one unit of the clarification budget. Returns
// false once the cap is reached; the caller must then answer best-effort
// instead of asking.
func (s *Session) ClarifyAllowed(budget int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clarifications >= budget {
		return false
	}
	s.clarifications++
	return true
}

// Clarifications returns how many clarifying questions have been asked.
func (s *Session) Clarifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clarifications
}

// DisableTool marks a tool unavailable for the remainder of the session.
// Never un-done; a fresh session starts clean.
func (s *Session) DisableTool(name string) {
	s.mu.Lock()
	if s.disabled == nil {
		s.disabled = make(map[string]bool)
	}
	s.disabled[name] = true
	s.mu.Unlock()
}

// ToolDisabled reports whether a tool has been disabled on this session.
func (s *Session) ToolDisabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[name]
}

// disabledCount returns how many tools are disabled.
func (s *Session) disabledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disabled)
}

// Sessions manages session lifecycle: creation, lookup, activity tracking,
// and idle eviction. Ids are never reused — an evicted or unknown id on a
// request yields a brand-new session with a new id.
type Sessions struct {
	mu        sync.Mutex
	byID      map[string]*Session
	lastByUsr map[string]string // user id -> latest session id, for evict-previous
	idle      time.Duration
	evictPrev bool
	onEvict   func(sessionID string)
	logger    *slog.Logger
}

// SessionOption configures a Sessions manager.
type SessionOption func(*Sessions)

// SessionIdle sets the inactivity threshold (default: 30m).
func SessionIdle(d time.Duration) SessionOption {
	return func(m *Sessions) { m.idle = d }
}

// SessionEvictPrevious enables the single-active-session policy: starting a
// new session evicts the user's previous one.
func SessionEvictPrevious() SessionOption {
	return func(m *Sessions) { m.evictPrev = true }
}

// SessionOnEvict sets a hook called with each evicted session id, after the
// session is removed. Used to drop the short-term turn log.
func SessionOnEvict(fn func(sessionID string)) SessionOption {
	return func(m *Sessions) { m.onEvict = fn }
}

// SessionLogger sets the structured logger.
func SessionLogger(l *slog.Logger) SessionOption {
	return func(m *Sessions) { m.logger = l }
}

// NewSessions creates a session manager.
func NewSessions(opts ...SessionOption) *Sessions {
	m := &Sessions{
		byID:      make(map[string]*Session),
		lastByUsr: make(map[string]string),
		idle:      DefaultIdleThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Resolve returns the live session for sessionID, or creates a fresh one
// when the id is empty, unknown, or already evicted. The second return is
// true for a fresh session. Expired ids are never resurrected: the caller
// gets a new id and the old one stays retired forever.
func (m *Sessions) Resolve(userID, sessionID string) (*Session, bool) {
	m.mu.Lock()
	if sessionID != "" {
		if s, ok := m.byID[sessionID]; ok {
			m.mu.Unlock()
			return s, false
		}
	}

	s := &Session{
		ID:         NewID(),
		UserID:     userID,
		CreatedAt:  NowUnix(),
		lastActive: time.Now(),
	}
	var evicted *Session
	if m.evictPrev {
		if prevID := m.lastByUsr[userID]; prevID != "" {
			if prev, ok := m.byID[prevID]; ok && !prev.Busy() {
				delete(m.byID, prevID)
				evicted = prev
			}
		}
	}
	m.byID[s.ID] = s
	m.lastByUsr[userID] = s.ID
	m.mu.Unlock()

	if evicted != nil {
		m.logger.Info("previous session evicted", "session", evicted.ID, "user", userID)
		if m.onEvict != nil {
			m.onEvict(evicted.ID)
		}
	}
	m.logger.Info("session created", "session", s.ID, "user", userID)
	return s, true
}

// Get returns the live session with the given id, or nil.
func (m *Sessions) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[sessionID]
}

// Len returns the number of live sessions.
func (m *Sessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Sweep evicts every session idle past the threshold and returns how many
// were evicted. Busy sessions are skipped. A session already evicted by an
// earlier sweep is simply gone, so overlapping sweeps count it once.
func (m *Sessions) Sweep() int {
	cutoff := time.Now().Add(-m.idle)

	m.mu.Lock()
	var evicted []*Session
	for id, s := range m.byID {
		if s.Busy() {
			continue
		}
		if s.LastActive().Before(cutoff) {
			delete(m.byID, id)
			evicted = append(evicted, s)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		m.logger.Info("session evicted", "session", s.ID, "user", s.UserID)
		if m.onEvict != nil {
			m.onEvict(s.ID)
		}
	}
	return len(evicted)
}

// StartJanitor runs Sweep on a ticker until ctx is cancelled.
func (m *Sessions) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Info("janitor sweep", "evicted", n)
				}
			}
		}
	}()
}
