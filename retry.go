package banter

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient HTTP
// errors (429 Too Many Requests, 5xx) with exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN; final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient errors. When the error
// carries a Retry-After duration, the retry delay is at least that long.
//
//	llm = banter.WithRetry(provider)
//	llm = banter.WithRetry(provider, banter.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{inner: p, maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

func (r *retryProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (ChatResponse, error) {
		return r.inner.ChatWithTools(ctx, req, tools)
	})
}

// retryCall calls fn up to maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"attempt", i+1,
			"max_attempts", maxAttempts,
			"error", err)
		if i < maxAttempts-1 {
			delay := retryDelay(base, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryDelay computes the delay before retry attempt i: exponential backoff
// with up to 50% jitter, floored at the server's Retry-After if present.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	backoff := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	var h *ErrHTTP
	if errors.As(err, &h) && h.RetryAfter > backoff {
		return h.RetryAfter
	}
	return backoff
}

// retryEmbeddingProvider wraps an EmbeddingProvider the same way.
type retryEmbeddingProvider struct {
	inner       EmbeddingProvider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// WithEmbeddingRetry wraps p with automatic retry on transient errors.
// Accepts the same RetryOption functions as WithRetry.
func WithEmbeddingRetry(p EmbeddingProvider, opts ...RetryOption) EmbeddingProvider {
	cfg := &retryProvider{maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}
	return &retryEmbeddingProvider{
		inner:       p,
		maxAttempts: cfg.maxAttempts,
		baseDelay:   cfg.baseDelay,
		logger:      logger,
	}
}

func (r *retryEmbeddingProvider) Name() string    { return r.inner.Name() }
func (r *retryEmbeddingProvider) Dimensions() int { return r.inner.Dimensions() }

func (r *retryEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() ([][]float32, error) {
		return r.inner.Embed(ctx, texts)
	})
}

// compile-time checks
var (
	_ Provider          = (*retryProvider)(nil)
	_ EmbeddingProvider = (*retryEmbeddingProvider)(nil)
)
