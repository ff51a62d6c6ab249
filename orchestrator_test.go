package matdisc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRunDirectAnswerNoClarification(t *testing.T) {
	// Unambiguous query with a formula: the model searches, then answers.
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse(call("c1", "search_materials", `{"formula":"Fe2O3"}`)),
		{Content: "Fe2O3 has a band gap of about 2.0 eV (Materials Project)."},
	}}
	reg := NewRegistry()
	reg.Register(staticTool("search_materials", `[{"material_id":"mp-19770","band_gap":2.0}]`))

	o := New(provider, reg)
	resp, err := o.Run(context.Background(), "u1", "", "band gap of Fe2O3?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if !strings.Contains(resp.Text, "2.0 eV") {
		t.Errorf("unexpected text: %q", resp.Text)
	}
	if resp.NeedsInput {
		t.Error("no clarification expected for an unambiguous query")
	}
	if out, ok := resp.SearchResults["search_materials"]; !ok || out.Error != "" {
		t.Errorf("expected successful search_results entry, got %+v", out)
	}
	if len(resp.Trace) == 0 {
		t.Error("expected a reasoning trace")
	}

	// Both turns committed.
	hist, ok := o.History(resp.SessionID)
	if !ok || len(hist) != 2 {
		t.Fatalf("expected 2 committed turns, got %d (ok=%v)", len(hist), ok)
	}
	if hist[0].Role != "user" || hist[1].Role != "agent" {
		t.Errorf("unexpected roles: %s, %s", hist[0].Role, hist[1].Role)
	}
}

func TestRunToolFailureStaysOutOfVisibleText(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse(
			call("c1", "good", `{}`),
			call("c2", "bad", `{}`),
		),
		{Content: "The density of LiFePO4 is 3.6 g/cm3. One data source was unavailable."},
	}}
	reg := NewRegistry()
	reg.Register(staticTool("good", `{"density":3.6}`))
	reg.Register(failingTool("bad", &ErrHTTP{Status: 500, Body: "internal server error"}))

	o := New(provider, reg, WithDispatcher(NewDispatcher(reg, DispatchRetries(0))))
	resp, err := o.Run(context.Background(), "u1", "", "density of LiFePO4")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out := resp.SearchResults["bad"]; out.Error == "" {
		t.Error("expected error marker for failed tool")
	}
	if out := resp.SearchResults["good"]; out.Error != "" || out.Records == nil {
		t.Errorf("expected clean result for good tool, got %+v", out)
	}
	lower := strings.ToLower(resp.Text)
	if strings.Contains(lower, "http 500") || strings.Contains(lower, "internal server error") {
		t.Errorf("raw error leaked into visible text: %q", resp.Text)
	}
}

func TestRunIterationCeilingForcesSynthesis(t *testing.T) {
	// Model requests a tool on every iteration and never answers.
	const maxIter = 3
	var responses []ChatResponse
	for range maxIter {
		responses = append(responses, toolCallResponse(call("c", "probe", `{}`)))
	}
	responses = append(responses, ChatResponse{Content: "Best effort from partial results."})
	provider := &mockProvider{responses: responses}
	reg := NewRegistry()
	reg.Register(staticTool("probe", `{"ok":true}`))

	o := New(provider, reg, WithMaxIter(maxIter))
	resp, err := o.Run(context.Background(), "u1", "", "keep digging")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Text != "Best effort from partial results." {
		t.Errorf("unexpected text: %q", resp.Text)
	}
	// maxIter tool rounds plus one synthesis call.
	if got := provider.callCount(); got != maxIter+1 {
		t.Errorf("expected %d model calls, got %d", maxIter+1, got)
	}
	// Synthesis call must not offer tools.
	if last := provider.request(maxIter); len(last.Tools) != 0 {
		t.Error("forced synthesis should not offer tools")
	}
}

func TestRunClarificationCapForcesBestEffort(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse(call("c1", askUserName, `{"question":"Which material did you mean?"}`)),
		{Content: "Here is my best guess without more detail."},
	}}
	reg := NewRegistry()
	reg.Register(staticTool("search_materials", `[]`))

	o := New(provider, reg, WithClarifyBudget(0), WithClarifyPolicy(AlwaysClarify))
	resp, err := o.Run(context.Background(), "u1", "", "tell me about that stuff")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.NeedsInput {
		t.Error("budget exhausted: turn must not end in a question")
	}
	if resp.Text != "Here is my best guess without more detail." {
		t.Errorf("unexpected text: %q", resp.Text)
	}
}

func TestRunClarificationAskedWithinBudget(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse(call("c1", askUserName, `{"question":"Which polymorph do you mean?"}`)),
	}}
	reg := NewRegistry()
	reg.Register(staticTool("search_materials", `[]`))

	o := New(provider, reg, WithClarifyPolicy(AlwaysClarify))
	resp, err := o.Run(context.Background(), "u1", "", "tell me about titania")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.NeedsInput {
		t.Fatal("expected a clarification turn")
	}
	if !strings.Contains(resp.Text, "polymorph") {
		t.Errorf("unexpected question: %q", resp.Text)
	}
	// Question committed as the agent turn; session resumes on next message.
	hist, _ := o.History(resp.SessionID)
	if len(hist) != 2 || hist[1].Content != resp.Text {
		t.Errorf("clarification not committed: %+v", hist)
	}
	if sess := o.Sessions().Get(resp.SessionID); sess.Clarifications() != 1 {
		t.Errorf("expected 1 clarification consumed, got %d", sess.Clarifications())
	}
}

func TestRunConservativePolicySuppressesAsk(t *testing.T) {
	// Query carries a formula, so the default policy rejects the ask and
	// the model must answer on the next iteration.
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse(call("c1", askUserName, `{"question":"What about it?"}`)),
		{Content: "GaN is a wide band gap semiconductor."},
	}}
	reg := NewRegistry()
	reg.Register(staticTool("search_materials", `[]`))

	o := New(provider, reg)
	resp, err := o.Run(context.Background(), "u1", "", "GaN band gap")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.NeedsInput {
		t.Error("policy should suppress the ask for a query with a formula")
	}
	if sess := o.Sessions().Get(resp.SessionID); sess.Clarifications() != 0 {
		t.Error("suppressed ask must not consume budget")
	}
}

func TestRunEvictedSessionGetsFreshIDAndKeepsFacts(t *testing.T) {
	facts := newMemFactStore()
	facts.Upsert(context.Background(), Fact{UserID: "u1", Key: "focus", Value: "cathode materials"})

	provider := &mockProvider{responses: []ChatResponse{
		{Content: "Noted."},
		{Content: "Still focused on cathode materials."},
	}}
	reg := NewRegistry()
	o := New(provider, reg, WithLongTermStore(facts))

	first, err := o.Run(context.Background(), "u1", "", "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Simulate eviction, then reuse the stale id.
	o.Sessions().Get(first.SessionID).mu.Lock()
	o.Sessions().Get(first.SessionID).lastActive = o.Sessions().Get(first.SessionID).lastActive.Add(-time.Hour)
	o.Sessions().Get(first.SessionID).mu.Unlock()
	if n := o.Sessions().Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	second, err := o.Run(context.Background(), "u1", first.SessionID, "what am I working on?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Error("evicted id must not be resurrected")
	}
	// Fresh session: no old history, but facts still reach the prompt.
	hist, _ := o.History(second.SessionID)
	if len(hist) != 2 {
		t.Errorf("fresh session should hold only the new turn pair, got %d", len(hist))
	}
	sys := provider.request(1).Messages[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "cathode materials") {
		t.Error("long-term fact missing from fresh session's prompt")
	}
}

func TestRunLongTermFailureDegrades(t *testing.T) {
	facts := newMemFactStore()
	facts.err = &ErrMemory{Op: "get", Err: context.DeadlineExceeded}

	provider := &mockProvider{responses: []ChatResponse{{Content: "Answer without memory."}}}
	o := New(provider, NewRegistry(), WithLongTermStore(facts))

	resp, err := o.Run(context.Background(), "u1", "", "hello")
	if err != nil {
		t.Fatalf("long-term failure must not abort the turn: %v", err)
	}
	if resp.Text != "Answer without memory." {
		t.Errorf("unexpected text: %q", resp.Text)
	}
}

func TestRunAllToolsDisabledDegrades(t *testing.T) {
	provider := &mockProvider{}
	reg := NewRegistry()
	reg.Register(staticTool("search_materials", `[]`))
	reg.Register(staticTool("search_patents", `[]`))
	o := New(provider, reg)

	sess, _ := o.Sessions().Resolve("u1", "")
	sess.DisableTool("search_materials")
	sess.DisableTool("search_patents")

	resp, err := o.Run(context.Background(), "u1", sess.ID, "find something")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Text != degradedMessage {
		t.Errorf("expected degraded message, got %q", resp.Text)
	}
	if provider.callCount() != 0 {
		t.Error("no model call expected when every tool is gone")
	}
}

func TestRunImageResultsLifted(t *testing.T) {
	img := map[string]any{
		"type": "image", "smiles": "c1ccccc1",
		"mime_type": "image/png", "image_data": "aGVsbG8=",
		"width": 400, "height": 400,
	}
	raw, _ := json.Marshal(img)
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse(call("c1", "draw_structure", `{"smiles":"c1ccccc1"}`)),
		{Content: "Here is the structure of benzene."},
	}}
	reg := NewRegistry()
	reg.Register(staticTool("draw_structure", string(raw)))

	o := New(provider, reg)
	resp, err := o.Run(context.Background(), "u1", "", "draw benzene smiles c1ccccc1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(resp.Images) != 1 {
		t.Fatalf("expected 1 lifted image, got %d", len(resp.Images))
	}
	if resp.Images[0].SMILES != "c1ccccc1" || resp.Images[0].Base64 != "aGVsbG8=" {
		t.Errorf("unexpected image: %+v", resp.Images[0])
	}
}

func TestRunWindowElidesOldTurns(t *testing.T) {
	provider := &mockProvider{}
	o := New(provider, NewRegistry(), WithWindow(4))

	sess, _ := o.Sessions().Resolve("u1", "")
	for i := 0; i < 6; i++ {
		o.turns.Append(sess.ID, Turn{Role: "user", Content: "q"})
		o.turns.Append(sess.ID, Turn{Role: "agent", Content: "a"})
	}

	if _, err := o.Run(context.Background(), "u1", sess.ID, "latest"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	req := provider.request(0)
	// system prompt + elision marker + 4 windowed turns + new user message
	if len(req.Messages) != 7 {
		t.Fatalf("expected 7 messages, got %d", len(req.Messages))
	}
	if !strings.Contains(req.Messages[1].Content, "8 earlier turns") {
		t.Errorf("expected elision marker, got %q", req.Messages[1].Content)
	}
}

func TestRunNeverOrphansTurnsUnderSweep(t *testing.T) {
	// An aggressive janitor races session resolution. Even if a session is
	// evicted between being resolved and being marked busy, the run must
	// re-acquire a live session, so every turn log belongs to a session
	// whose eviction will drop it.
	turns := NewTurnStore()
	sessions := NewSessions(
		SessionIdle(time.Nanosecond),
		SessionOnEvict(func(id string) { turns.Drop(id) }),
	)
	o := New(&mockProvider{}, NewRegistry(),
		WithSessions(sessions), WithTurnStore(turns))

	done := make(chan struct{})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		for {
			select {
			case <-done:
				return
			default:
				sessions.Sweep()
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := o.Run(context.Background(), "u1", "", "hello"); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	close(done)
	<-sweeperDone

	// Nothing is busy anymore; one sweep retires every remaining session.
	sessions.Sweep()
	if n := sessions.Len(); n != 0 {
		t.Fatalf("%d sessions survived the final sweep", n)
	}
	turns.mu.Lock()
	orphans := len(turns.logs)
	turns.mu.Unlock()
	if orphans != 0 {
		t.Errorf("%d turn logs outlived every session", orphans)
	}
}
