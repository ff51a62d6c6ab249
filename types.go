package matdisc

import (
	"encoding/json"
	"time"
)

// --- Conversation records ---

// Turn is one committed conversation entry. Turns are immutable once
// appended: a stored turn's content, role, and tool call records never
// change afterwards.
type Turn struct {
	ID      string       `json:"id"`
	Role    string       `json:"role"` // "user" or "agent"
	Content string       `json:"content"`
	Calls   []CallRecord `json:"calls,omitempty"`
	At      int64        `json:"at"` // Unix seconds, non-decreasing per session
}

// CallRecord captures one tool invocation attached to an agent turn,
// including failures. Failed calls carry the error detail here and in the
// reasoning trace, never in user-visible text.
type CallRecord struct {
	Call     ToolCall        `json:"call"`
	Status   string          `json:"status"` // CallSuccess or CallFailed
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns,omitempty"`
}

const (
	CallSuccess = "success"
	CallFailed  = "failed"
)

// Fact is a durable per-user memory entry. (UserID, Key) is unique; writes
// are last-write-wins upserts. Provenance records where the fact was learned.
type Fact struct {
	UserID    string `json:"user_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// --- Outbound response ---

// ReasoningStep is one entry of the reasoning trace: what the model thought,
// which action it took, and what came back. Observations here keep full
// error detail; the assembler guarantees none of it reaches Response.Text.
type ReasoningStep struct {
	Thought     string `json:"thought,omitempty"`
	Action      string `json:"action,omitempty"`
	Input       string `json:"input,omitempty"`
	Observation string `json:"observation,omitempty"`
}

// ToolOutcome is the per-tool slot of Response.SearchResults. Exactly one of
// Records or Error is set.
type ToolOutcome struct {
	Records json.RawMessage `json:"records,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Image is a rendered structure image lifted out of tool results.
type Image struct {
	SMILES   string `json:"smiles,omitempty"`
	MimeType string `json:"mime_type"`
	Base64   string `json:"image_data"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// Response is the assembled outcome of one orchestrator turn.
type Response struct {
	SessionID     string                 `json:"session_id"`
	Text          string                 `json:"response"`
	Trace         []ReasoningStep        `json:"reasoning_trace"`
	SearchResults map[string]ToolOutcome `json:"search_results"`
	Images        []Image                `json:"images,omitempty"`
	// NeedsInput marks a clarification turn: Text is a question and the
	// session is waiting for the user's answer.
	NeedsInput bool `json:"needs_input,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
