package matdisc

import (
	"testing"
	"time"
)

func backdate(s *Session, d time.Duration) {
	s.mu.Lock()
	s.lastActive = s.lastActive.Add(-d)
	s.mu.Unlock()
}

func TestResolveCreatesAndFinds(t *testing.T) {
	m := NewSessions()
	s, fresh := m.Resolve("u1", "")
	if !fresh || s.ID == "" {
		t.Fatal("expected a fresh session")
	}
	again, fresh := m.Resolve("u1", s.ID)
	if fresh || again != s {
		t.Error("existing id must resolve to the same session")
	}
}

func TestResolveUnknownIDStartsFresh(t *testing.T) {
	m := NewSessions()
	s, fresh := m.Resolve("u1", "no-such-id")
	if !fresh {
		t.Fatal("unknown id must create a fresh session")
	}
	if s.ID == "no-such-id" {
		t.Error("stale id must not be resurrected")
	}
}

func TestSweepEvictsIdleOnce(t *testing.T) {
	var evicted []string
	m := NewSessions(
		SessionIdle(30*time.Minute),
		SessionOnEvict(func(id string) { evicted = append(evicted, id) }),
	)
	idle, _ := m.Resolve("u1", "")
	active, _ := m.Resolve("u2", "")
	backdate(idle, time.Hour)

	if n := m.Sweep(); n != 1 {
		t.Fatalf("first sweep: expected 1 eviction, got %d", n)
	}
	if n := m.Sweep(); n != 0 {
		t.Errorf("second sweep re-evicted: got %d", n)
	}
	if len(evicted) != 1 || evicted[0] != idle.ID {
		t.Errorf("unexpected evict hook calls: %v", evicted)
	}
	if m.Get(active.ID) == nil {
		t.Error("active session evicted")
	}
	if m.Get(idle.ID) != nil {
		t.Error("evicted session still resolvable")
	}
}

func TestSweepSkipsBusySessions(t *testing.T) {
	m := NewSessions()
	s, _ := m.Resolve("u1", "")
	backdate(s, time.Hour)
	s.SetBusy(true)
	if n := m.Sweep(); n != 0 {
		t.Fatalf("busy session evicted")
	}
	s.SetBusy(false)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("idle session survived after busy cleared: got %d", n)
	}
}

func TestTouchDefersEviction(t *testing.T) {
	m := NewSessions()
	s, _ := m.Resolve("u1", "")
	backdate(s, time.Hour)
	s.Touch()
	if n := m.Sweep(); n != 0 {
		t.Error("touched session evicted")
	}
}

func TestEvictPreviousOnNewSession(t *testing.T) {
	var evicted []string
	m := NewSessions(
		SessionEvictPrevious(),
		SessionOnEvict(func(id string) { evicted = append(evicted, id) }),
	)
	first, _ := m.Resolve("u1", "")
	second, _ := m.Resolve("u1", "")
	if len(evicted) != 1 || evicted[0] != first.ID {
		t.Errorf("previous session not evicted: %v", evicted)
	}
	if m.Get(second.ID) == nil {
		t.Error("new session missing")
	}
	// Resuming the live session must not evict it.
	m.Resolve("u1", second.ID)
	if len(evicted) != 1 {
		t.Error("resume evicted the live session")
	}
}

func TestClarifyBudget(t *testing.T) {
	s := &Session{ID: "s1"}
	for i := 0; i < 5; i++ {
		if !s.ClarifyAllowed(5) {
			t.Fatalf("ask %d rejected under budget", i+1)
		}
	}
	if s.ClarifyAllowed(5) {
		t.Error("ask allowed past the cap")
	}
	if s.Clarifications() != 5 {
		t.Errorf("expected 5 consumed, got %d", s.Clarifications())
	}
}

func TestDisableToolSticks(t *testing.T) {
	s := &Session{ID: "s1"}
	if s.ToolDisabled("x") {
		t.Fatal("fresh session has no disabled tools")
	}
	s.DisableTool("x")
	if !s.ToolDisabled("x") || s.ToolDisabled("y") {
		t.Error("disable state wrong")
	}
}
