package banter

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response. When
	// req.ResponseSchema is set the provider constrains output to that
	// JSON schema.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions; the response may
	// contain tool calls.
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "anthropic").
	Name() string
}

// Embedder is the single-text embedding surface pipeline components depend
// on. The embedding cache implements it; a failure must surface
// ErrEmbeddingUnavailable so callers can degrade instead of stalling.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
