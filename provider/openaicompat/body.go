package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/banter"
)

// Option mutates the request body before sending.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// BuildBody converts banter ChatMessages and a model name into an
// OpenAI-format ChatRequest. System messages are kept in the messages array
// as role:"system".
func BuildBody(messages []banter.ChatMessage, tools []banter.ToolDefinition, model string, schema *banter.ResponseSchema, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	// Structured output: enforce JSON response matching the schema.
	if schema != nil && len(schema.Schema) > 0 {
		req.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   schema.Name,
				Schema: schema.Schema,
				Strict: true,
			},
		}
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// BuildToolDefs converts banter ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []banter.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
