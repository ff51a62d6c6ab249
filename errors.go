package matdisc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrLLM is a model-provider failure that is not an HTTP status problem
// (marshalling, malformed responses).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from an upstream service. RetryAfter carries
// the parsed Retry-After header when the server sent one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrValidation is a malformed or unsupported tool call: bad arguments,
// unknown tool name, schema violation. Never retried.
type ErrValidation struct {
	Tool   string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("%s: invalid call: %s", e.Tool, e.Reason)
}

// ErrPermanent marks a failure that will not resolve within the session
// (revoked credentials, capability gone from the upstream API). The
// dispatcher disables the tool for the remainder of the session.
type ErrPermanent struct {
	Tool string
	Err  error
}

func (e *ErrPermanent) Error() string {
	return fmt.Sprintf("%s: permanent failure: %v", e.Tool, e.Err)
}

func (e *ErrPermanent) Unwrap() error { return e.Err }

// ErrMemory is a failure of a memory store operation. A short-term read
// failure aborts the turn; a long-term failure only degrades it.
type ErrMemory struct {
	Op  string
	Err error
}

func (e *ErrMemory) Error() string {
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

func (e *ErrMemory) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: rate limiting,
// upstream overload, or a network-level timeout. Context expiry is not
// transient — the call's time budget is gone.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		switch he.Status {
		case 408, 429, 502, 503, 504:
			return true
		}
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsPermanent reports whether err should disable the tool for the rest of
// the session. Auth failures count; plain not-found does not.
func IsPermanent(err error) bool {
	var pe *ErrPermanent
	if errors.As(err, &pe) {
		return true
	}
	var he *ErrHTTP
	return errors.As(err, &he) && (he.Status == 401 || he.Status == 403)
}

// IsValidation reports whether err is a validation failure (no retry, tool
// stays enabled).
func IsValidation(err error) bool {
	var ve *ErrValidation
	return errors.As(err, &ve)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value (delay-seconds or
// HTTP-date) into a duration. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
