package banter

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	return &ToolRegistry{tools: tools}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by name. Unknown names return an error
// result for the model, not a Go error: a hallucinated tool name must
// never fail the surrounding request.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				if err := validateArgs(d.Parameters, args); err != nil {
					return ToolResult{Error: "invalid arguments for " + name + ": " + err.Error()}, nil
				}
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// validateArgs checks args against the declared JSON-schema parameters.
// Validation is structural: args must be a JSON object and must contain
// every property the schema marks required.
func validateArgs(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var spec struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &spec); err != nil || len(spec.Required) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if len(args) == 0 {
		obj = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(args, &obj); err != nil {
		return err
	}
	for _, req := range spec.Required {
		if _, ok := obj[req]; !ok {
			return &ErrMalformedResponse{Want: "argument " + req, Got: string(args)}
		}
	}
	return nil
}

// maxToolRounds bounds the generate -> tool -> generate loop.
const maxToolRounds = 5

// RunToolLoop drives the tool-calling conversation: it sends messages with
// the registry's definitions, executes any returned tool calls, appends the
// results as tool turns, and re-invokes the provider until it produces plain
// text or the round limit is hit.
func RunToolLoop(ctx context.Context, p Provider, reg *ToolRegistry, messages []ChatMessage, logger *slog.Logger) (ChatResponse, error) {
	if logger == nil {
		logger = nopLogger
	}
	defs := reg.AllDefinitions()
	for round := 0; ; round++ {
		resp, err := p.ChatWithTools(ctx, ChatRequest{Messages: messages}, defs)
		if err != nil {
			return ChatResponse{}, err
		}
		if len(resp.ToolCalls) == 0 || round >= maxToolRounds {
			return resp, nil
		}
		messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, err := reg.Execute(ctx, call.Name, call.Args)
			if err != nil {
				// Tool handler bugs are reported back to the model; the
				// request itself keeps going.
				result = ToolResult{Error: err.Error()}
			}
			content := result.Content
			if result.Error != "" {
				content = `{"error":` + jsonString(result.Error) + `}`
				logger.Warn("tool call failed", "tool", call.Name, "error", result.Error)
			}
			messages = append(messages, ToolResultMessage(call.ID, content))
		}
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
