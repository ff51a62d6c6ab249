package matdisc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxParallelDispatch caps the number of concurrent tool call goroutines
// to avoid overwhelming external services with unbounded parallelism.
const maxParallelDispatch = 5

// defaultCallTimeout bounds a single tool call, retries included. A step's
// latency is therefore bounded by roughly one call timeout regardless of
// how many calls fan out.
const defaultCallTimeout = 30 * time.Second

// defaultTransientRetries is how many times a transient failure is retried
// after the first attempt.
const defaultTransientRetries = 2

// Dispatcher fans tool calls out to a bounded worker pool, applies the
// per-call timeout and retry policy, and joins results in input order.
type Dispatcher struct {
	registry    *Registry
	callTimeout time.Duration
	retries     int
	baseDelay   time.Duration
	logger      *slog.Logger
	tracer      Tracer
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// DispatchTimeout sets the per-call timeout covering all retry attempts
// (default: 30s).
func DispatchTimeout(d time.Duration) DispatchOption {
	return func(dp *Dispatcher) { dp.callTimeout = d }
}

// DispatchRetries sets the number of transient retries per call (default: 2).
func DispatchRetries(n int) DispatchOption {
	return func(dp *Dispatcher) { dp.retries = n }
}

// DispatchBaseDelay sets the initial backoff delay (default: 500ms).
func DispatchBaseDelay(d time.Duration) DispatchOption {
	return func(dp *Dispatcher) { dp.baseDelay = d }
}

// DispatchLogger sets the structured logger.
func DispatchLogger(l *slog.Logger) DispatchOption {
	return func(dp *Dispatcher) { dp.logger = l }
}

// DispatchTracer sets the tracer for per-call spans.
func DispatchTracer(t Tracer) DispatchOption {
	return func(dp *Dispatcher) { dp.tracer = t }
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(reg *Registry, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{
		registry:    reg,
		callTimeout: defaultCallTimeout,
		retries:     defaultTransientRetries,
		baseDelay:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// indexedRecord pairs a call record with its position in the original call
// slice, allowing channel-based collection in order.
type indexedRecord struct {
	idx int
	rec CallRecord
}

// Dispatch runs the calls concurrently and returns records in input order.
// One slow or failing call never blocks or poisons its siblings: every call
// gets its own timeout, and failures become failed records, not errors.
// Calls against tools the session has disabled fail immediately; a
// permanent failure disables the tool on the session for later steps.
//
// Single calls run inline (no goroutine). Multiple calls use a fixed worker
// pool of min(len(calls), maxParallelDispatch) goroutines pulling from a
// shared work channel.
//
// The collection loop is context-aware: if ctx is cancelled while calls are
// still in flight, incomplete slots are filled with failed records instead
// of blocking indefinitely.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []ToolCall, sess *Session) []CallRecord {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		return []CallRecord{d.dispatchOne(ctx, calls[0], sess)}
	}

	resultCh := make(chan indexedRecord, len(calls))

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedRecord{w.idx, failedRecord(w.tc, ctx.Err().Error(), 0)}
					continue
				}
				resultCh <- indexedRecord{w.idx, d.dispatchOne(ctx, w.tc, sess)}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	records := make([]CallRecord, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			records[r.idx] = r.rec
			seen[r.idx] = true
		case <-ctx.Done():
			for i := range records {
				if !seen[i] {
					records[i] = failedRecord(calls[i], ctx.Err().Error(), 0)
				}
			}
			return records
		}
	}
	for i := range records {
		if !seen[i] {
			records[i] = failedRecord(calls[i], "result not received", 0)
		}
	}
	return records
}

// dispatchOne runs a single call through the disable check, timeout, and
// retry policy.
func (d *Dispatcher) dispatchOne(ctx context.Context, tc ToolCall, sess *Session) CallRecord {
	if sess != nil && sess.ToolDisabled(tc.Name) {
		return failedRecord(tc, "tool unavailable for this session", 0)
	}

	callCtx := ctx
	var span Span
	if d.tracer != nil {
		callCtx, span = d.tracer.Start(ctx, "tool.dispatch",
			StringAttr("tool", tc.Name))
		defer span.End()
	}

	// One timeout spans the whole attempt sequence so retries cannot
	// stretch a call past its budget.
	callCtx, cancel := context.WithTimeout(callCtx, d.callTimeout)
	defer cancel()

	start := time.Now()
	data, err := d.invokeWithRetry(callCtx, tc)
	dur := time.Since(start)

	if err != nil {
		if span != nil {
			span.Error(err)
		}
		if IsPermanent(err) && sess != nil {
			sess.DisableTool(tc.Name)
			d.logger.Warn("tool disabled for session",
				"tool", tc.Name, "session", sess.ID, "error", err)
		} else {
			d.logger.Warn("tool call failed",
				"tool", tc.Name, "duration", dur, "error", err)
		}
		return failedRecord(tc, err.Error(), dur)
	}

	d.logger.Debug("tool call succeeded", "tool", tc.Name, "duration", dur)
	return CallRecord{Call: tc, Status: CallSuccess, Data: data, Duration: dur}
}

// invokeWithRetry runs the call, retrying transient failures with
// exponential backoff and jitter. Validation and permanent errors return
// immediately. Panics become errors rather than crashing the process.
func (d *Dispatcher) invokeWithRetry(ctx context.Context, tc ToolCall) (json.RawMessage, error) {
	var last error
	for attempt := 0; attempt <= d.retries; attempt++ {
		data, err := d.safeInvoke(ctx, tc)
		if err == nil || !IsTransient(err) {
			return data, err
		}
		last = err
		d.logger.Warn("retrying transient tool error",
			"tool", tc.Name,
			"status", statusOf(err),
			"attempt", attempt+1,
			"max_attempts", d.retries+1)
		if attempt < d.retries {
			timer := time.NewTimer(retryDelay(d.baseDelay, attempt, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, last
}

// safeInvoke wraps Registry.Invoke with panic recovery so a panicking tool
// becomes a failed record instead of crashing the process.
func (d *Dispatcher) safeInvoke(ctx context.Context, tc ToolCall) (data json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %q panic: %v", tc.Name, p)
		}
	}()
	return d.registry.Invoke(ctx, tc.Name, tc.Args)
}

func failedRecord(tc ToolCall, errMsg string, dur time.Duration) CallRecord {
	return CallRecord{Call: tc, Status: CallFailed, Error: errMsg, Duration: dur}
}
