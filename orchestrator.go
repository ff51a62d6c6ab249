package matdisc

import (
	"context"
	"encoding/json"
	"log/slog"
)

// DefaultMaxIter is the reason/act iteration ceiling per turn.
const DefaultMaxIter = 10

// maxObservationLen is the maximum rune length for a tool observation
// stored in the loop's message history. Results exceeding this are
// truncated with a marker so the model knows content was trimmed. The
// reasoning trace and search_results keep the full content.
const maxObservationLen = 20_000

// askUserName is the built-in clarification capability exposed alongside
// the registry's tools.
const askUserName = "ask_user"

var askUserDef = ToolDefinition{
	Name:        askUserName,
	Description: "Ask the user one clarifying question when the request is too ambiguous to act on. Use sparingly.",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string","description":"The single question to ask the user"}},"required":["question"]}`),
}

// Orchestrator runs the reason/act/observe loop for one user message at a
// time per session. It owns nothing durable itself: history lives in the
// TurnStore, facts in the LongTermStore, sessions in Sessions.
type Orchestrator struct {
	provider   Provider
	registry   *Registry
	dispatcher *Dispatcher
	sessions   *Sessions
	turns      *TurnStore
	facts      LongTermStore // nil = no long-term memory
	policy     ClarifyPolicy
	assembler  *Assembler

	maxIter       int
	window        int
	clarifyBudget int
	systemPrompt  string

	logger *slog.Logger
	tracer Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger (default: no output).
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer enables tracing of iterations and dispatches.
func WithTracer(t Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMaxIter sets the iteration ceiling (default: 10).
func WithMaxIter(n int) Option {
	return func(o *Orchestrator) { o.maxIter = n }
}

// WithWindow sets how many recent turns enter prompt context (default: 20).
func WithWindow(k int) Option {
	return func(o *Orchestrator) { o.window = k }
}

// WithClarifyBudget sets the per-session clarifying-question cap (default: 5).
func WithClarifyBudget(n int) Option {
	return func(o *Orchestrator) { o.clarifyBudget = n }
}

// WithClarifyPolicy replaces the conservative default gate.
func WithClarifyPolicy(p ClarifyPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithSystemPrompt replaces the built-in system prompt.
func WithSystemPrompt(s string) Option {
	return func(o *Orchestrator) { o.systemPrompt = s }
}

// WithLongTermStore attaches the per-user fact store.
func WithLongTermStore(s LongTermStore) Option {
	return func(o *Orchestrator) { o.facts = s }
}

// WithSessions replaces the session manager (tests, shared managers).
func WithSessions(s *Sessions) Option {
	return func(o *Orchestrator) { o.sessions = s }
}

// WithTurnStore replaces the short-term turn store.
func WithTurnStore(s *TurnStore) Option {
	return func(o *Orchestrator) { o.turns = s }
}

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(d *Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// New creates an orchestrator over the given model and tool registry.
func New(p Provider, reg *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:      p,
		registry:      reg,
		maxIter:       DefaultMaxIter,
		window:        DefaultWindow,
		clarifyBudget: DefaultClarifyBudget,
		systemPrompt:  defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	if o.policy == nil {
		o.policy = DefaultClarifyPolicy()
	}
	if o.turns == nil {
		o.turns = NewTurnStore()
	}
	if o.sessions == nil {
		turns := o.turns
		o.sessions = NewSessions(
			SessionLogger(o.logger),
			SessionOnEvict(func(id string) { turns.Drop(id) }),
		)
	}
	if o.dispatcher == nil {
		o.dispatcher = NewDispatcher(reg,
			DispatchLogger(o.logger),
			DispatchTracer(o.tracer))
	}
	var names []string
	for _, d := range reg.Definitions() {
		names = append(names, d.Name)
	}
	names = append(names, askUserName)
	o.assembler = NewAssembler(names, o.logger)
	return o
}

// Sessions exposes the session manager for the service layer (history
// lookups, admin sweep).
func (o *Orchestrator) Sessions() *Sessions { return o.sessions }

// History returns the committed turn log for a live session.
func (o *Orchestrator) History(sessionID string) ([]Turn, bool) {
	if o.sessions.Get(sessionID) == nil {
		return nil, false
	}
	turns, err := o.turns.History(sessionID)
	if err != nil {
		return nil, false
	}
	return turns, true
}

// Run processes one user message through the loop and returns the
// assembled response. An empty or unknown sessionID starts a fresh
// session; the returned Response always carries the session id to use
// next. The loop terminates in every case: final answer, clarifying
// question, forced synthesis at the iteration ceiling, or a degraded
// message when every tool is gone.
func (o *Orchestrator) Run(ctx context.Context, userID, sessionID, message string) (*Response, error) {
	// Acquire a live session and mark it busy; one writer per session, so a
	// second concurrent message waits its turn. The busy flag is what makes
	// the sweep skip a mid-run session, but a sweep can slip in between
	// Resolve and SetBusy — re-check membership after raising the flag and
	// start over if the session was evicted, so turns never commit under a
	// retired id.
	var (
		sess  *Session
		fresh bool
	)
	for {
		sess, fresh = o.sessions.Resolve(userID, sessionID)
		sess.runMu.Lock()
		sess.SetBusy(true)
		if o.sessions.Get(sess.ID) == sess {
			break
		}
		sess.SetBusy(false)
		sess.runMu.Unlock()
	}
	defer sess.runMu.Unlock()
	defer sess.SetBusy(false)
	if fresh && sessionID != "" {
		o.logger.Info("unknown session id, started fresh", "requested", sessionID, "session", sess.ID)
	}
	sess.Touch()
	defer sess.Touch()

	runCtx := ctx
	if o.tracer != nil {
		var span Span
		runCtx, span = o.tracer.Start(ctx, "orchestrator.run",
			StringAttr("session", sess.ID),
			BoolAttr("fresh", fresh))
		defer span.End()
	}

	// Long-term memory degrades, never aborts.
	var facts []Fact
	if o.facts != nil {
		var err error
		facts, err = o.facts.GetAll(runCtx, sess.UserID)
		if err != nil {
			o.logger.Warn("long-term memory unavailable, continuing without",
				"user", sess.UserID, "error", err)
			facts = nil
		}
	}

	// Short-term memory failing is turn-fatal: without history the agent
	// would silently contradict itself. Nothing is committed.
	win, err := o.turns.Window(sess.ID, o.window)
	if err != nil {
		o.logger.Error("short-term memory read failed", "session", sess.ID, "error", err)
		return o.assembler.Assemble(sess.ID, memoryApology, nil, nil, nil), nil
	}

	// Tool calls carry the run identity for provenance (remember_fact).
	runCtx = WithRunInfo(runCtx, RunInfo{UserID: sess.UserID, SessionID: sess.ID})

	messages := []ChatMessage{SystemMessage(buildSystemPrompt(o.systemPrompt, facts))}
	messages = append(messages, windowMessages(win)...)
	messages = append(messages, UserMessage(message))

	var (
		trace   []ReasoningStep
		results = map[string]ToolOutcome{}
		images  []Image
		records []CallRecord
		final   string
	)

loop:
	for i := 0; i < o.maxIter; i++ {
		iterCtx := runCtx
		var iterSpan Span
		if o.tracer != nil {
			iterCtx, iterSpan = o.tracer.Start(runCtx, "orchestrator.iteration",
				IntAttr("iteration", i))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}

		defs := o.activeDefinitions(sess)
		if len(defs) == 1 && len(o.registry.Definitions()) > 0 {
			// Only ask_user left: every data tool failed permanently.
			endIter()
			o.logger.Warn("all data tools disabled for session",
				"session", sess.ID, "disabled", sess.disabledCount())
			final = degradedMessage
			trace = append(trace, ReasoningStep{
				Thought: "all data sources are unavailable for this session",
			})
			break loop
		}

		resp, err := o.provider.Chat(iterCtx, ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			endIter()
			o.logger.Error("model call failed", "session", sess.ID, "iteration", i, "error", err)
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			endIter()
			final = resp.Content
			break loop
		}

		if iterSpan != nil {
			iterSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}
		if resp.Content != "" {
			trace = append(trace, ReasoningStep{Thought: resp.Content})
		}
		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// ask_user takes precedence over sibling calls: a pending question
		// makes their results moot this turn.
		if ask, rest := splitAskUser(resp.ToolCalls); ask != nil {
			question := askQuestion(ask.Args)
			if question != "" && o.policy.ShouldAsk(message, facts) && sess.ClarifyAllowed(o.clarifyBudget) {
				endIter()
				o.logger.Info("clarification asked",
					"session", sess.ID, "count", sess.Clarifications())
				return o.finish(sess, message, question, trace, results, images, records, true)
			}
			// Gate closed or budget exhausted: convert the ask into a
			// directive to answer with what the model already has.
			o.logger.Info("clarification suppressed", "session", sess.ID)
			messages = append(messages, ToolResultMessage(ask.ID,
				"Clarification is not available. Answer now, best-effort, with the information you already have."))
			if len(rest) == 0 {
				endIter()
				continue
			}
			resp.ToolCalls = rest
		}

		recs := o.dispatcher.Dispatch(iterCtx, resp.ToolCalls, sess)
		records = append(records, recs...)
		for _, rec := range recs {
			o.fold(rec, &messages, &trace, results, &images)
		}
		endIter()
	}

	if final == "" {
		// Iteration ceiling: force a best-effort synthesis from what was
		// gathered. No tools offered, so this is the last model call.
		o.logger.Warn("iteration ceiling reached, forcing synthesis",
			"session", sess.ID, "iterations", o.maxIter)
		messages = append(messages, UserMessage(
			"You have used all available tool calls. Summarize what you found and respond to the user."))
		synthCtx := runCtx
		if o.tracer != nil {
			var synthSpan Span
			synthCtx, synthSpan = o.tracer.Start(runCtx, "orchestrator.synthesis",
				IntAttr("iteration", o.maxIter), BoolAttr("forced", true))
			defer synthSpan.End()
		}
		resp, err := o.provider.Chat(synthCtx, ChatRequest{Messages: messages})
		if err != nil {
			o.logger.Error("forced synthesis failed", "session", sess.ID, "error", err)
			final = degradedMessage
		} else {
			final = resp.Content
		}
	}

	return o.finish(sess, message, final, trace, results, images, records, false)
}

// finish commits the turn pair and assembles the response. The user turn
// and agent turn are committed together so history never holds an
// unanswered user message.
func (o *Orchestrator) finish(sess *Session, userMsg, agentMsg string, trace []ReasoningStep, results map[string]ToolOutcome, images []Image, records []CallRecord, needsInput bool) (*Response, error) {
	resp := o.assembler.Assemble(sess.ID, agentMsg, trace, results, images)
	resp.NeedsInput = needsInput

	if _, err := o.turns.Append(sess.ID, Turn{Role: "user", Content: userMsg}); err != nil {
		o.logger.Error("turn commit failed", "session", sess.ID, "error", err)
		return o.assembler.Assemble(sess.ID, memoryApology, nil, nil, nil), nil
	}
	if _, err := o.turns.Append(sess.ID, Turn{Role: "agent", Content: resp.Text, Calls: records}); err != nil {
		o.logger.Error("turn commit failed", "session", sess.ID, "error", err)
		return o.assembler.Assemble(sess.ID, memoryApology, nil, nil, nil), nil
	}
	return resp, nil
}

// fold incorporates one call record into the loop state: message history
// (truncated), reasoning trace, per-tool results, and lifted images.
func (o *Orchestrator) fold(rec CallRecord, messages *[]ChatMessage, trace *[]ReasoningStep, results map[string]ToolOutcome, images *[]Image) {
	step := ReasoningStep{
		Action: rec.Call.Name,
		Input:  truncateStr(string(rec.Call.Args), 200),
	}

	if rec.Status == CallFailed {
		step.Observation = "error: " + rec.Error
		*trace = append(*trace, step)
		results[rec.Call.Name] = ToolOutcome{Error: rec.Error}
		*messages = append(*messages, ToolResultMessage(rec.Call.ID,
			"The tool call failed: "+rec.Error))
		return
	}

	if img, ok := liftImage(rec.Data); ok {
		*images = append(*images, img)
		step.Observation = "rendered structure image for " + img.SMILES
		*trace = append(*trace, step)
		results[rec.Call.Name] = ToolOutcome{Records: json.RawMessage(`{"type":"image"}`)}
		*messages = append(*messages, ToolResultMessage(rec.Call.ID,
			"Structure image rendered and attached to the response."))
		return
	}

	content := string(rec.Data)
	step.Observation = truncateStr(content, 500)
	*trace = append(*trace, step)
	results[rec.Call.Name] = ToolOutcome{Records: rec.Data}
	if len([]rune(content)) > maxObservationLen {
		content = truncateStr(content, maxObservationLen) + "\n\n[output truncated, original was longer]"
	}
	*messages = append(*messages, ToolResultMessage(rec.Call.ID, content))
}

// activeDefinitions returns the registry's definitions minus tools the
// session has disabled, plus the built-in ask_user.
func (o *Orchestrator) activeDefinitions(sess *Session) []ToolDefinition {
	var defs []ToolDefinition
	for _, d := range o.registry.Definitions() {
		if !sess.ToolDisabled(d.Name) {
			defs = append(defs, d)
		}
	}
	return append(defs, askUserDef)
}

// splitAskUser separates an ask_user call from its siblings.
func splitAskUser(calls []ToolCall) (*ToolCall, []ToolCall) {
	for i, tc := range calls {
		if tc.Name == askUserName {
			rest := make([]ToolCall, 0, len(calls)-1)
			rest = append(rest, calls[:i]...)
			rest = append(rest, calls[i+1:]...)
			return &calls[i], rest
		}
	}
	return nil, calls
}

// askQuestion extracts the question argument from an ask_user call.
func askQuestion(args json.RawMessage) string {
	var p struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return ""
	}
	return p.Question
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
