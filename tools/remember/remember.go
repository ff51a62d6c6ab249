// Package remember exposes the remember_fact capability: the write path
// for per-user long-term memory.
package remember

import (
	"context"
	"encoding/json"
	"strings"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"
)

// Tool persists user facts through the long-term store.
type Tool struct {
	store matdisc.LongTermStore
}

// New creates the tool.
func New(store matdisc.LongTermStore) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Definitions() []matdisc.ToolDefinition {
	return []matdisc.ToolDefinition{{
		Name:        "remember_fact",
		Description: "Save a durable fact about the user for future conversations, such as their research focus, preferred units, or institution. Use when the user states something worth remembering or asks you to remember it.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"key":{"type":"string","description":"Short stable identifier, e.g. research_focus"},
			"value":{"type":"string","description":"The fact to store"}
		},"required":["key","value"]}`),
	}}
}

func (t *Tool) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, &matdisc.ErrValidation{Tool: name, Reason: "invalid args: " + err.Error()}
	}
	if strings.TrimSpace(p.Key) == "" || strings.TrimSpace(p.Value) == "" {
		return nil, &matdisc.ErrValidation{Tool: name, Reason: "key and value are required"}
	}

	fact := matdisc.Fact{Key: p.Key, Value: p.Value}
	if info, ok := matdisc.RunInfoFromContext(ctx); ok {
		fact.UserID = info.UserID
		fact.SessionID = info.SessionID
	}
	if err := t.store.Upsert(ctx, fact); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"saved":true}`), nil
}

var _ matdisc.Tool = (*Tool)(nil)
