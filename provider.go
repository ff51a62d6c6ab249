package matdisc

import "context"

// Provider is a chat-completion backend with tool-calling support.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
