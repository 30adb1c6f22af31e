package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/banter"
)

// Provider implements banter.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish providers in logs and observability.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions appends request-level options (temperature, top_p, max_tokens)
// applied to every request made by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req banter.ChatRequest) (banter.ChatResponse, error) {
	body := BuildBody(req.Messages, nil, p.model, req.ResponseSchema, p.opts...)
	return p.doRequest(ctx, body)
}

// ChatWithTools sends a chat request with tool definitions; the response may
// contain tool calls.
func (p *Provider) ChatWithTools(ctx context.Context, req banter.ChatRequest, tools []banter.ToolDefinition) (banter.ChatResponse, error) {
	body := BuildBody(req.Messages, tools, p.model, req.ResponseSchema, p.opts...)
	return p.doRequest(ctx, body)
}

// doRequest sends the request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (banter.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return banter.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return banter.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return banter.ChatResponse{}, &banter.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &banter.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &banter.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &banter.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: banter.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ banter.Provider = (*Provider)(nil)
