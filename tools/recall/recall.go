// Package recall provides a tool that searches the agent's stored facts,
// messages, and episodes for the chat it is replying in.
package recall

import (
	"context"
	"encoding/json"

	"github.com/nevindra/banter"
)

const defaultLimit = 5

// Tool searches long-term memory. The chat and user scope comes from the
// request context, never from model-supplied arguments.
type Tool struct {
	store    banter.Store
	embedder banter.Embedder
}

// New creates a recall tool. embedder may be nil, in which case fact search
// is skipped and only keyword message search runs.
func New(store banter.Store, embedder banter.Embedder) *Tool {
	return &Tool{store: store, embedder: embedder}
}

func (t *Tool) Definitions() []banter.ToolDefinition {
	return []banter.ToolDefinition{{
		Name:        "recall",
		Description: "Search the agent's long-term memory: learned facts about chat members, past messages, and episode summaries. Use when the answer depends on something said or learned earlier.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What to look for"},"limit":{"type":"integer","description":"Max results per category (default 5)"}},"required":["query"]}`),
	}}
}

type recallResult struct {
	Facts    []factHit    `json:"facts,omitempty"`
	Messages []messageHit `json:"messages,omitempty"`
	Episodes []episodeHit `json:"episodes,omitempty"`
}

type factHit struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type messageHit struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

type episodeHit struct {
	Topic   string `json:"topic"`
	Summary string `json:"summary"`
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (banter.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return banter.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Query == "" {
		return banter.ToolResult{Error: "query is required"}, nil
	}
	if params.Limit <= 0 || params.Limit > 20 {
		params.Limit = defaultLimit
	}

	scope, ok := banter.ChatScopeFrom(ctx)
	if !ok {
		return banter.ToolResult{Error: "recall is unavailable outside a chat"}, nil
	}

	var out recallResult

	if t.embedder != nil {
		if emb, err := t.embedder.EmbedText(ctx, params.Query); err == nil {
			facts, err := t.store.SearchFactsSemantic(ctx, scope.UserID, scope.ChatID, emb, params.Limit)
			if err == nil {
				for _, f := range facts {
					out.Facts = append(out.Facts, factHit{
						Key:        f.Fact.Key,
						Value:      f.Fact.ValueCanonical,
						Type:       f.Fact.Type,
						Confidence: f.Fact.Confidence,
					})
				}
			}
		}
	}

	msgs, err := t.store.SearchMessagesKeyword(ctx, scope.ChatID, params.Query, params.Limit)
	if err == nil {
		for _, m := range msgs {
			out.Messages = append(out.Messages, messageHit{
				Author: m.Message.AuthorName,
				Text:   m.Message.Text,
			})
		}
	}

	episodes, err := t.store.RecentEpisodes(ctx, scope.ChatID, params.Limit)
	if err == nil {
		for _, e := range episodes {
			out.Episodes = append(out.Episodes, episodeHit{
				Topic:   e.Topic,
				Summary: e.Summary,
			})
		}
	}

	if len(out.Facts) == 0 && len(out.Messages) == 0 && len(out.Episodes) == 0 {
		return banter.ToolResult{Content: `{"facts":[],"messages":[],"episodes":[]}`}, nil
	}

	content, err := json.Marshal(out)
	if err != nil {
		return banter.ToolResult{Error: "encode result: " + err.Error()}, nil
	}
	return banter.ToolResult{Content: string(content)}, nil
}

var _ banter.Tool = (*Tool)(nil)
