package bot

import (
	"context"

	"github.com/nevindra/banter"
	"github.com/nevindra/banter/observer"
)

// guardedProvider routes every chat call through a circuit breaker and
// reports state transitions to the pipeline metrics when observability is
// enabled.
type guardedProvider struct {
	inner   banter.Provider
	breaker *banter.Breaker
	metrics *observer.PipelineMetrics
}

func (g *guardedProvider) Chat(ctx context.Context, req banter.ChatRequest) (banter.ChatResponse, error) {
	var resp banter.ChatResponse
	err := g.do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = g.inner.Chat(ctx, req)
		return callErr
	})
	return resp, err
}

func (g *guardedProvider) ChatWithTools(ctx context.Context, req banter.ChatRequest, tools []banter.ToolDefinition) (banter.ChatResponse, error) {
	var resp banter.ChatResponse
	err := g.do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = g.inner.ChatWithTools(ctx, req, tools)
		return callErr
	})
	return resp, err
}

func (g *guardedProvider) Name() string { return g.inner.Name() }

func (g *guardedProvider) do(ctx context.Context, fn func(ctx context.Context) error) error {
	before := g.breaker.State()
	err := g.breaker.Do(ctx, fn)
	if g.metrics != nil {
		if after := g.breaker.State(); after != before {
			g.metrics.BreakerTransition(ctx, g.inner.Name(), before.String(), after.String())
		}
	}
	return err
}

var _ banter.Provider = (*guardedProvider)(nil)

// meteredFrontend counts delivered replies.
type meteredFrontend struct {
	banter.Frontend
	metrics *observer.PipelineMetrics
}

func (f *meteredFrontend) Send(ctx context.Context, out banter.OutgoingMessage) (int64, error) {
	id, err := f.Frontend.Send(ctx, out)
	if err == nil {
		f.metrics.ReplySent(ctx, out.ChatID)
	}
	return id, err
}
