package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/banter"
)

// withTestServer points the package at a local server for the duration of a test.
func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	old := baseURL
	baseURL = srv.URL
	t.Cleanup(func() {
		baseURL = old
		srv.Close()
	})
}

func TestChatParsesTextAndUsage(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [
				{"text": "internal reasoning", "thought": true},
				{"text": "hello "},
				{"text": "world"}
			], "role": "model"}}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3}
		}`))
	})

	g := New("k", "gemini-2.0-flash")
	resp, err := g.Chat(context.Background(), banter.ChatRequest{
		Messages: []banter.ChatMessage{banter.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello world" {
		t.Errorf("content = %q, thought parts must be skipped", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatWithToolsFunctionCall(t *testing.T) {
	var gotBody map[string]any
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [
				{"functionCall": {"name": "recall", "args": {"query": "birthday"}}}
			], "role": "model"}}]
		}`))
	})

	g := New("k", "m")
	tools := []banter.ToolDefinition{{
		Name:        "recall",
		Description: "search stored facts",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}}
	resp, err := g.ChatWithTools(context.Background(), banter.ChatRequest{
		Messages: []banter.ChatMessage{banter.UserMessage("when is it?")},
	}, tools)
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "recall" || tc.ID != "recall" {
		t.Errorf("tool call = %+v", tc)
	}
	if string(tc.Args) != `{"query": "birthday"}` {
		t.Errorf("args = %s", tc.Args)
	}
	if _, ok := gotBody["tools"]; !ok {
		t.Error("request body missing tools")
	}
	if _, ok := gotBody["toolConfig"]; ok {
		t.Error("toolConfig must be omitted when tools are provided")
	}
}

func TestBuildBodySystemAndRoles(t *testing.T) {
	g := New("k", "m")
	body, err := g.buildBody([]banter.ChatMessage{
		banter.SystemMessage("you are terse"),
		banter.SystemMessage("stay on topic"),
		banter.UserMessage("hi"),
		{Role: "assistant", Content: "hey"},
		{Role: "assistant", ToolCalls: []banter.ToolCall{
			{ID: "recall", Name: "recall", Args: json.RawMessage(`{"query":"x"}`)},
		}},
		banter.ToolResultMessage("recall", `{"facts":[]}`),
	}, nil, nil)
	if err != nil {
		t.Fatalf("buildBody: %v", err)
	}

	si, ok := body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("missing systemInstruction")
	}
	parts := si["parts"].([]map[string]any)
	if parts[0]["text"] != "you are terse\n\nstay on topic" {
		t.Errorf("system text = %v", parts[0]["text"])
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 4 {
		t.Fatalf("contents = %d, want 4", len(contents))
	}
	if contents[0]["role"] != "user" || contents[1]["role"] != "model" {
		t.Errorf("roles = %v, %v", contents[0]["role"], contents[1]["role"])
	}
	if contents[2]["role"] != "model" {
		t.Errorf("tool-call role = %v", contents[2]["role"])
	}
	fr := contents[3]["parts"].([]map[string]any)[0]["functionResponse"].(map[string]any)
	if fr["name"] != "recall" {
		t.Errorf("functionResponse = %v", fr)
	}

	// No tools: function calling must be disabled.
	tc, ok := body["toolConfig"].(map[string]any)
	if !ok {
		t.Fatal("missing toolConfig")
	}
	mode := tc["functionCallingConfig"].(map[string]any)["mode"]
	if mode != "NONE" {
		t.Errorf("mode = %v", mode)
	}
}

func TestBuildBodyResponseSchema(t *testing.T) {
	g := New("k", "m")
	schema := &banter.ResponseSchema{
		Name:   "intent",
		Schema: json.RawMessage(`{"type":"object","properties":{"addressed":{"type":"boolean"}}}`),
	}
	body, err := g.buildBody([]banter.ChatMessage{banter.UserMessage("hi")}, nil, schema)
	if err != nil {
		t.Fatalf("buildBody: %v", err)
	}
	gc := body["generationConfig"].(map[string]any)
	if gc["responseMimeType"] != "application/json" {
		t.Errorf("responseMimeType = %v", gc["responseMimeType"])
	}
	if gc["responseSchema"] == nil {
		t.Error("missing responseSchema")
	}
}

func TestRateLimitRetryInfo(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "details": [
			{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "21s"}
		]}}`))
	})

	g := New("k", "m")
	_, err := g.Chat(context.Background(), banter.ChatRequest{
		Messages: []banter.ChatMessage{banter.UserMessage("hi")},
	})
	var httpErr *banter.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want ErrHTTP", err)
	}
	if httpErr.Status != 429 {
		t.Errorf("status = %d", httpErr.Status)
	}
	if httpErr.RetryAfter != 21*time.Second {
		t.Errorf("retry-after = %v, want 21s", httpErr.RetryAfter)
	}
	if !banter.IsTransient(err) {
		t.Error("429 must be transient")
	}
}

func TestEmbed(t *testing.T) {
	var calls int
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if dims, _ := body["outputDimensionality"].(float64); dims != 3 {
			t.Errorf("outputDimensionality = %v", body["outputDimensionality"])
		}
		w.Write([]byte(`{"embedding": {"values": [0.1, 0.2, 0.3]}}`))
	})

	e := NewEmbedding("k", "text-embedding-004", 3)
	if e.Dimensions() != 3 {
		t.Errorf("dims = %d", e.Dimensions())
	}
	vecs, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || calls != 2 {
		t.Fatalf("vecs = %d, calls = %d", len(vecs), calls)
	}
	if vecs[0][1] != float32(0.2) {
		t.Errorf("vec = %v", vecs[0])
	}
}
