package matdisc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// mockProvider returns scripted responses in order. Safe for concurrent use.
type mockProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error
	calls     []ChatRequest
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	i := len(m.calls) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return ChatResponse{}, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return ChatResponse{Content: "done"}, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockProvider) request(i int) ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

// funcTool is a single-function tool backed by a closure.
type funcTool struct {
	name string
	desc string
	fn   func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

func (t *funcTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        t.name,
		Description: t.desc,
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}}
}

func (t *funcTool) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if name != t.name {
		return nil, &ErrValidation{Tool: name, Reason: "unknown tool"}
	}
	return t.fn(ctx, args)
}

func staticTool(name, result string) *funcTool {
	return &funcTool{name: name, fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	}}
}

func failingTool(name string, err error) *funcTool {
	return &funcTool{name: name, fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, err
	}}
}

// toolCallResponse builds a ChatResponse requesting the given calls.
func toolCallResponse(calls ...ToolCall) ChatResponse {
	return ChatResponse{ToolCalls: calls}
}

func call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// memFactStore is an in-memory LongTermStore for tests.
type memFactStore struct {
	mu    sync.Mutex
	facts map[string]Fact // key: userID + "\x00" + key
	err   error
}

func newMemFactStore() *memFactStore {
	return &memFactStore{facts: make(map[string]Fact)}
}

func (s *memFactStore) GetAll(_ context.Context, userID string) ([]Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Fact
	for _, f := range s.facts {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memFactStore) Upsert(_ context.Context, f Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.facts[fmt.Sprintf("%s\x00%s", f.UserID, f.Key)] = f
	return nil
}

func (s *memFactStore) Close() error { return nil }
