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

// EmbeddingProvider implements banter.EmbeddingProvider against the OpenAI
// embeddings endpoint. All texts are sent in a single batched request.
type EmbeddingProvider struct {
	apiKey  string
	model   string
	baseURL string
	dims    int
	client  *http.Client
	name    string
}

// NewEmbedding creates an OpenAI-compatible embedding provider.
// The /embeddings path is appended to baseURL automatically.
func NewEmbedding(apiKey, model, baseURL string, dims int, opts ...EmbeddingOption) *EmbeddingProvider {
	e := &EmbeddingProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		dims:    dims,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EmbeddingOption configures an EmbeddingProvider.
type EmbeddingOption func(*EmbeddingProvider)

// WithEmbeddingName sets the provider name returned by Name().
func WithEmbeddingName(name string) EmbeddingOption {
	return func(e *EmbeddingProvider) { e.name = name }
}

// WithEmbeddingHTTPClient sets a custom HTTP client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *EmbeddingProvider) { e.client = c }
}

// Name returns the provider name.
func (e *EmbeddingProvider) Name() string { return e.name }

// Dimensions returns the configured embedding dimensionality.
func (e *EmbeddingProvider) Dimensions() int { return e.dims }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one embedding vector per input text, in input order.
func (e *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{
		Model:      e.model,
		Input:      texts,
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, &banter.ErrLLM{Provider: e.name, Message: fmt.Sprintf("marshal embed request: %v", err)}
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &banter.ErrLLM{Provider: e.name, Message: fmt.Sprintf("create embed request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &banter.ErrLLM{Provider: e.name, Message: fmt.Sprintf("embed request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &banter.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: banter.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &banter.ErrLLM{Provider: e.name, Message: fmt.Sprintf("decode embed response: %v", err)}
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, &banter.ErrLLM{Provider: e.name, Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, &banter.ErrLLM{Provider: e.name, Message: fmt.Sprintf("missing embedding for input %d", i)}
		}
	}
	return out, nil
}

var _ banter.EmbeddingProvider = (*EmbeddingProvider)(nil)
