package matdisc

import "context"

// RunInfo identifies the session and user a tool call is executing for.
// Tools that write memory (remember_fact) read it for provenance.
type RunInfo struct {
	UserID    string
	SessionID string
}

type runInfoKey struct{}

// WithRunInfo returns a context carrying the run identity. The
// orchestrator sets this before dispatching tool calls.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFromContext extracts the run identity, if present.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return info, ok
}
