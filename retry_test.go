package banter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p := &stubProvider{
		errs:      []error{transientErr(), transientErr(), nil},
		responses: []ChatResponse{{}, {}, {Content: "ok"}},
	}
	r := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	resp, err := r.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" || p.callCount() != 3 {
		t.Errorf("resp = %+v, calls = %d", resp, p.callCount())
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	p := &stubProvider{errs: []error{transientErr(), transientErr(), transientErr()}}
	r := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	_, err := r.Chat(context.Background(), ChatRequest{})
	var h *ErrHTTP
	if !errors.As(err, &h) {
		t.Fatalf("err = %v", err)
	}
	if p.callCount() != 3 {
		t.Errorf("calls = %d", p.callCount())
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	p := &stubProvider{errs: []error{&ErrMalformedResponse{Want: "json", Got: "prose"}}}
	r := WithRetry(p, RetryBaseDelay(time.Millisecond))

	_, err := r.Chat(context.Background(), ChatRequest{})
	var malformed *ErrMalformedResponse
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v", err)
	}
	if p.callCount() != 1 {
		t.Errorf("calls = %d, want 1", p.callCount())
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	p := &stubProvider{errs: []error{transientErr(), transientErr(), transientErr()}}
	r := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Chat(ctx, ChatRequest{})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry ignored cancellation")
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: time.Minute}
	if d := retryDelay(time.Millisecond, 0, err); d != time.Minute {
		t.Errorf("delay = %v, want the server's Retry-After", d)
	}
}

// flakyEmbeddingProvider fails a fixed number of times, then succeeds.
type flakyEmbeddingProvider struct {
	stubEmbeddingProvider
	failures int
}

func (f *flakyEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.callCount() < f.failures {
		f.stubEmbeddingProvider.mu.Lock()
		f.stubEmbeddingProvider.calls++
		f.stubEmbeddingProvider.mu.Unlock()
		return nil, transientErr()
	}
	return f.stubEmbeddingProvider.Embed(ctx, texts)
}

func TestEmbeddingRetry(t *testing.T) {
	p := &flakyEmbeddingProvider{failures: 1}
	r := WithEmbeddingRetry(p, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	if _, err := r.Embed(context.Background(), []string{"hello"}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if p.callCount() != 2 {
		t.Errorf("calls = %d", p.callCount())
	}
	if r.Name() != "stub-embed" {
		t.Errorf("name = %q", r.Name())
	}
}
