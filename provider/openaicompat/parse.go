package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/banter"
)

// ParseResponse converts an OpenAI-format ChatResponse to a banter
// ChatResponse. It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (banter.ChatResponse, error) {
	var out banter.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = banter.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to banter ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object so the tool loop can report it to the model.
func ParseToolCalls(tcs []ToolCallRequest) []banter.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]banter.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, banter.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
