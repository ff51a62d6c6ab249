package matdisc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSession() *Session {
	return &Session{ID: NewID(), UserID: "u1", lastActive: time.Now()}
}

func TestDispatchResultsInInputOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		reg.Register(&funcTool{name: name, fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"` + name + `"`), nil
		}})
	}
	d := NewDispatcher(reg)
	calls := []ToolCall{
		call("1", "d", `{}`), call("2", "a", `{}`),
		call("3", "c", `{}`), call("4", "b", `{}`),
	}
	recs := d.Dispatch(context.Background(), calls, newTestSession())
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	for i, want := range []string{`"d"`, `"a"`, `"c"`, `"b"`} {
		if string(recs[i].Data) != want {
			t.Errorf("record %d: got %s, want %s", i, recs[i].Data, want)
		}
	}
}

func TestDispatchRunsInParallel(t *testing.T) {
	// Both calls must be in flight at once to pass the barrier.
	var wg sync.WaitGroup
	wg.Add(2)
	reg := NewRegistry()
	reg.Register(&funcTool{name: "slow", fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return json.RawMessage(`"ok"`), nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("barrier never released")
		}
	}})
	d := NewDispatcher(reg)
	recs := d.Dispatch(context.Background(),
		[]ToolCall{call("1", "slow", `{}`), call("2", "slow", `{}`)}, newTestSession())
	for i, r := range recs {
		if r.Status != CallSuccess {
			t.Errorf("call %d failed: %s", i, r.Error)
		}
	}
}

func TestDispatchTimeoutIsolation(t *testing.T) {
	// A exceeds the per-call timeout, B finishes well inside it. B's result
	// must survive and the whole step must be bounded by roughly one timeout.
	const timeout = 200 * time.Millisecond
	reg := NewRegistry()
	reg.Register(&funcTool{name: "slow", fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(10 * timeout):
			return json.RawMessage(`"late"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})
	reg.Register(&funcTool{name: "fast", fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		time.Sleep(timeout / 4)
		return json.RawMessage(`"fast"`), nil
	}})

	d := NewDispatcher(reg, DispatchTimeout(timeout))
	start := time.Now()
	recs := d.Dispatch(context.Background(),
		[]ToolCall{call("1", "slow", `{}`), call("2", "fast", `{}`)}, newTestSession())
	elapsed := time.Since(start)

	if recs[0].Status != CallFailed {
		t.Error("slow call should have timed out")
	}
	if recs[1].Status != CallSuccess || string(recs[1].Data) != `"fast"` {
		t.Errorf("fast call poisoned by sibling: %+v", recs[1])
	}
	if elapsed > 3*timeout {
		t.Errorf("step took %v, expected ~%v", elapsed, timeout)
	}
}

func TestDispatchTransientRetries(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register(&funcTool{name: "flaky", fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		if attempts.Add(1) < 3 {
			return nil, &ErrHTTP{Status: 429, Body: "rate limited"}
		}
		return json.RawMessage(`"ok"`), nil
	}})
	d := NewDispatcher(reg, DispatchRetries(2), DispatchBaseDelay(time.Millisecond))
	recs := d.Dispatch(context.Background(), []ToolCall{call("1", "flaky", `{}`)}, newTestSession())
	if recs[0].Status != CallSuccess {
		t.Fatalf("expected success after retries, got %s", recs[0].Error)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDispatchValidationNotRetried(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.Register(&funcTool{name: "picky", fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, &ErrValidation{Tool: "picky", Reason: "missing field"}
	}})
	d := NewDispatcher(reg, DispatchRetries(2), DispatchBaseDelay(time.Millisecond))
	recs := d.Dispatch(context.Background(), []ToolCall{call("1", "picky", `{}`)}, newTestSession())
	if recs[0].Status != CallFailed {
		t.Fatal("expected failure")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("validation error retried: %d attempts", got)
	}
}

func TestDispatchPermanentDisablesTool(t *testing.T) {
	reg := NewRegistry()
	reg.Register(failingTool("locked", &ErrHTTP{Status: 401, Body: "bad key"}))
	d := NewDispatcher(reg, DispatchRetries(0))
	sess := newTestSession()

	recs := d.Dispatch(context.Background(), []ToolCall{call("1", "locked", `{}`)}, sess)
	if recs[0].Status != CallFailed {
		t.Fatal("expected failure")
	}
	if !sess.ToolDisabled("locked") {
		t.Fatal("permanent failure must disable the tool for the session")
	}

	// Subsequent calls fail without reaching the tool.
	recs = d.Dispatch(context.Background(), []ToolCall{call("2", "locked", `{}`)}, sess)
	if recs[0].Error != "tool unavailable for this session" {
		t.Errorf("unexpected error: %q", recs[0].Error)
	}
}

func TestDispatchPanicBecomesFailedRecord(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&funcTool{name: "bomb", fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	}})
	d := NewDispatcher(reg)
	recs := d.Dispatch(context.Background(), []ToolCall{call("1", "bomb", `{}`)}, newTestSession())
	if recs[0].Status != CallFailed {
		t.Fatal("panic must become a failed record")
	}
}

func TestDispatchUnknownToolIsValidationFailure(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	recs := d.Dispatch(context.Background(), []ToolCall{call("1", "ghost", `{}`)}, newTestSession())
	if recs[0].Status != CallFailed {
		t.Fatal("expected failure for unknown tool")
	}
}
