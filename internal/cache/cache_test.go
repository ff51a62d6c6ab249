package cache

import (
	"testing"
	"time"
)

func TestGetSetRoundtrip(t *testing.T) {
	c := New(10)
	c.Set("k", []byte("v"), time.Minute)
	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if _, ok := c.Get("absent"); ok {
		t.Error("absent key returned a value")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(10)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.Set("k", []byte("v"), time.Hour)
	clock = clock.Add(30 * time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired early")
	}
	clock = clock.Add(31 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry returned")
	}
	if c.Len() != 0 {
		t.Error("expired entry not removed on access")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("1"), time.Hour)
	c.Set("b", []byte("2"), time.Hour)
	c.Get("a") // a is now most recently used
	c.Set("c", []byte("3"), time.Hour)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("new entry missing")
	}
}

func TestSetUpdatesInPlace(t *testing.T) {
	c := New(2)
	c.Set("k", []byte("old"), time.Hour)
	c.Set("k", []byte("new"), time.Hour)
	if got, _ := c.Get("k"); string(got) != "new" {
		t.Errorf("update lost: %q", got)
	}
	if c.Len() != 1 {
		t.Errorf("duplicate entries: %d", c.Len())
	}
}

func TestZeroTTLNotStored(t *testing.T) {
	c := New(2)
	c.Set("k", []byte("v"), 0)
	if _, ok := c.Get("k"); ok {
		t.Error("zero-ttl entry stored")
	}
}
