package matdisc

import (
	"context"
	"sync"
)

// DefaultWindow is how many recent turns enter the prompt context verbatim.
const DefaultWindow = 20

// Window is the prompt-context view of a session's history: the most recent
// turns verbatim plus a count of older turns that were elided. Elision is
// deterministic — no model involvement — so the same history always yields
// the same context.
type Window struct {
	Turns  []Turn
	Elided int
}

// LongTermStore persists per-user facts across sessions. (UserID, Key) is
// unique; Upsert is idempotent last-write-wins. Facts are never deleted by
// session eviction.
type LongTermStore interface {
	GetAll(ctx context.Context, userID string) ([]Fact, error)
	Upsert(ctx context.Context, f Fact) error
	Close() error
}

// TurnStore is the in-process short-term memory: an append-only turn log
// per session. Each session's log has its own lock, so the single-writer
// guarantee holds per session while sessions stay independent.
type TurnStore struct {
	mu   sync.Mutex
	logs map[string]*turnLog
}

type turnLog struct {
	mu     sync.Mutex
	turns  []Turn
	lastAt int64
}

// NewTurnStore creates an empty store.
func NewTurnStore() *TurnStore {
	return &TurnStore{logs: make(map[string]*turnLog)}
}

func (s *TurnStore) log(sessionID string) *turnLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		l = &turnLog{}
		s.logs[sessionID] = l
	}
	return l
}

// Append commits a turn to the session's log. Missing ids and timestamps
// are filled in; timestamps are clamped so per-session order is
// non-decreasing even across clock steps. Committed turns are never
// mutated afterwards.
func (s *TurnStore) Append(sessionID string, t Turn) (Turn, error) {
	l := s.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.At == 0 {
		t.At = NowUnix()
	}
	if t.At < l.lastAt {
		t.At = l.lastAt
	}
	l.lastAt = t.At
	// Copy call records so later caller mutations cannot reach in.
	t.Calls = copyCalls(t.Calls)
	l.turns = append(l.turns, t)
	return t, nil
}

// Window returns the last k turns verbatim and the count of elided older
// turns.
func (s *TurnStore) Window(sessionID string, k int) (Window, error) {
	if k <= 0 {
		k = DefaultWindow
	}
	l := s.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.turns)
	start := 0
	if n > k {
		start = n - k
	}
	return Window{Turns: copyTurns(l.turns[start:]), Elided: start}, nil
}

// History returns a copy of the full committed turn log.
func (s *TurnStore) History(sessionID string) ([]Turn, error) {
	l := s.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyTurns(l.turns), nil
}

// copyTurns copies turns along with each turn's call records, so mutating
// a returned turn cannot reach the committed log.
func copyTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	for i := range out {
		out[i].Calls = copyCalls(out[i].Calls)
	}
	return out
}

func copyCalls(calls []CallRecord) []CallRecord {
	if len(calls) == 0 {
		return nil
	}
	out := make([]CallRecord, len(calls))
	copy(out, calls)
	return out
}

// Drop discards a session's log. Used on eviction; irreversible.
func (s *TurnStore) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, sessionID)
}
