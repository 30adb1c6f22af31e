package banter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrLLM wraps a provider-level failure.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is an HTTP-level provider error. RetryAfter is populated from the
// Retry-After header when the server supplied one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrMalformedResponse means the provider returned output that failed schema
// validation. Permanent: retrying the same request will not help.
type ErrMalformedResponse struct {
	Want string
	Got  string
}

func (e *ErrMalformedResponse) Error() string {
	return fmt.Sprintf("malformed model response: want %s, got %q", e.Want, truncate(e.Got, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Sentinel errors for the storage and pipeline layers.
var (
	// ErrStoreUnavailable is a retryable storage failure.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStoreCorrupt is a fatal invariant violation in stored data.
	ErrStoreCorrupt = errors.New("store corrupt")
	// ErrEmbeddingUnavailable means the embedding provider cannot serve;
	// callers degrade to non-semantic fallbacks, never stall.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrQueueFull means admission control rejected an event.
	ErrQueueFull = errors.New("queue full")
	// ErrBreakerOpen means the circuit breaker is failing fast.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrUnknownTool means the model asked for a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrNotFound is returned by store lookups with no matching row.
	ErrNotFound = errors.New("not found")
	// ErrCooldownActive means a proactive send lost the in-transaction
	// global-cooldown check.
	ErrCooldownActive = errors.New("proactive cooldown active")
)

// IsTransient reports whether err is worth retrying: provider 429/503,
// timeouts, or a store outage. Breaker-open failures are not transient
// because the breaker already decided to fail fast.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var h *ErrHTTP
	if errors.As(err, &h) {
		return h.Status == 429 || h.Status == 503 || h.Status >= 500
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err must stop the owning worker.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreCorrupt)
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds or
// an HTTP date. Returns 0 when the value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
