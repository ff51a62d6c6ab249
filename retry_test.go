package matdisc

import (
	"context"
	"errors"
	"testing"
	"time"
)

// countingProvider fails n times with err, then succeeds.
type countingProvider struct {
	failures int
	err      error
	calls    int
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.calls++
	if p.calls <= p.failures {
		return ChatResponse{}, p.err
	}
	return ChatResponse{Content: "ok"}, nil
}

func TestWithRetryRecoversTransient(t *testing.T) {
	inner := &countingProvider{failures: 2, err: &ErrHTTP{Status: 429}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))
	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" || inner.calls != 3 {
		t.Errorf("got %q after %d calls", resp.Content, inner.calls)
	}
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &countingProvider{failures: 10, err: &ErrHTTP{Status: 503}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))
	_, err := p.Chat(context.Background(), ChatRequest{})
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 503 {
		t.Fatalf("expected the last transient error, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestWithRetryNonTransientPassesThrough(t *testing.T) {
	inner := &countingProvider{failures: 10, err: &ErrHTTP{Status: 400, Body: "bad request"}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))
	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("non-transient error retried: %d calls", inner.calls)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: time.Minute}
	if d := retryDelay(time.Millisecond, 0, err); d < time.Minute {
		t.Errorf("Retry-After floor ignored: %v", d)
	}
	if d := retryDelay(time.Second, 0, &ErrHTTP{Status: 429}); d < time.Second || d > 2*time.Second {
		t.Errorf("backoff out of range: %v", d)
	}
}
