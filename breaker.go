package banter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker is a per-dependency circuit breaker. It opens after a run of
// consecutive failures (timeouts included), fails fast while open, admits a
// single probe after the open interval, and closes again on probe success.
type Breaker struct {
	name      string
	threshold int
	openFor   time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	state       BreakerState
	consecFails int
	openedAt    time.Time
	probing     bool

	now func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// BreakerThreshold sets consecutive failures before opening. Default 5.
func BreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// BreakerOpenFor sets how long the breaker stays open. Default 60s.
func BreakerOpenFor(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.openFor = d }
}

// BreakerCallTimeout bounds each guarded call. A timeout counts as a
// failure. Default 30s.
func BreakerCallTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.timeout = d }
}

// BreakerLogger sets the structured logger for state transitions.
func BreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = l }
}

// NewBreaker creates a Breaker named after its downstream dependency.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		openFor:   60 * time.Second,
		timeout:   30 * time.Second,
		logger:    nopLogger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// open interval has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.openFor {
		b.state = BreakerHalfOpen
		b.probing = false
	}
	return b.state
}

// Do runs fn under the breaker with the configured call timeout. While the
// breaker is open it fails fast with ErrBreakerOpen; in half-open it admits
// exactly one probe at a time.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.stateLocked() {
	case BreakerOpen:
		b.mu.Unlock()
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	err := fn(callCtx)
	cancel()

	b.record(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !countsAsFailure(err) {
		if b.state != BreakerClosed {
			b.logger.Info("breaker closed", "breaker", b.name)
		}
		b.state = BreakerClosed
		b.consecFails = 0
		b.probing = false
		return
	}

	b.consecFails++
	b.probing = false
	if b.state == BreakerHalfOpen || b.consecFails >= b.threshold {
		if b.state != BreakerOpen {
			b.logger.Warn("breaker opened",
				"breaker", b.name,
				"consecutive_failures", b.consecFails,
				"error", err)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// countsAsFailure: transient externals, provider failures, and timeouts trip
// the breaker; caller cancellation and permanent validation errors do not.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var llmErr *ErrLLM
	return IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &llmErr)
}
