package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "facts.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestUpsertAndGetAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, matdisc.Fact{
		UserID: "u1", Key: "focus", Value: "solid electrolytes",
		SessionID: "s1", TurnID: "t1",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.Upsert(ctx, matdisc.Fact{UserID: "u1", Key: "unit", Value: "eV"})
	s.Upsert(ctx, matdisc.Fact{UserID: "u2", Key: "focus", Value: "catalysts"})

	facts, err := s.GetAll(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts for u1, got %d", len(facts))
	}
	for _, f := range facts {
		if f.UserID != "u1" {
			t.Errorf("leaked fact from another user: %+v", f)
		}
		if f.Key == "focus" && f.SessionID != "s1" {
			t.Errorf("provenance lost: %+v", f)
		}
	}
}

func TestUpsertLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Upsert(ctx, matdisc.Fact{UserID: "u1", Key: "focus", Value: "old", UpdatedAt: 100})
	s.Upsert(ctx, matdisc.Fact{UserID: "u1", Key: "focus", Value: "new", UpdatedAt: 200})
	// Repeating the same write is a no-op in effect.
	s.Upsert(ctx, matdisc.Fact{UserID: "u1", Key: "focus", Value: "new", UpdatedAt: 200})

	facts, err := s.GetAll(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(facts) != 1 || facts[0].Value != "new" || facts[0].UpdatedAt != 200 {
		t.Errorf("expected single winning fact, got %+v", facts)
	}
}

func TestGetAllEmptyUser(t *testing.T) {
	s := newTestStore(t)
	facts, err := s.GetAll(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("expected no facts, got %d", len(facts))
	}
}
