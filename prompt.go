package matdisc

import (
	"fmt"
	"strings"
)

// defaultSystemPrompt steers the model for materials discovery work. The
// clarification rules here are advisory for the model; the hard limits
// (policy gate and per-session budget) are enforced in the loop.
const defaultSystemPrompt = `You are a materials discovery assistant. You help researchers find, compare, and understand inorganic materials, chemical compounds, and the patent literature around them.

You have tools for searching materials databases, chemical property lookups, patent chemistry, structure similarity, and the web. Use them whenever the answer depends on data you do not already have. Prefer authoritative database results over web search for property values.

When the request is ambiguous and you have no concrete handle to search on, you may ask ONE clarifying question at a time. Ask at most five clarifying questions over the whole conversation; after that, give your best answer with what you have. Never ask when the request already names a formula, database id, structure, or property.

When several independent lookups would help, request them together in a single step so they run in parallel.

Formatting rules:
- Answer in clear markdown. Use tables for comparisons of more than two items.
- Report property values with their units.
- Cite which database a value came from, by plain name (for example "Materials Project"), never by tool or function name.
- If a data source was unavailable, say so in one plain sentence and continue with the rest; do not reproduce error text.`

// buildSystemPrompt appends the user's known facts to the base prompt so
// long-term memory is visible to the model from the first iteration.
func buildSystemPrompt(base string, facts []Fact) string {
	if base == "" {
		base = defaultSystemPrompt
	}
	if len(facts) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nKnown facts about this user from earlier conversations:\n")
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
	}
	return b.String()
}

// windowMessages converts a history window into chat messages, prefixed
// with an elision marker when older turns were dropped.
func windowMessages(w Window) []ChatMessage {
	var msgs []ChatMessage
	if w.Elided > 0 {
		msgs = append(msgs, SystemMessage(fmt.Sprintf(
			"[%d earlier turns in this conversation are not shown]", w.Elided)))
	}
	for _, t := range w.Turns {
		switch t.Role {
		case "user":
			msgs = append(msgs, UserMessage(t.Content))
		case "agent":
			msgs = append(msgs, AssistantMessage(t.Content))
		}
	}
	return msgs
}
