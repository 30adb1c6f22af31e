// Package webpage provides a tool that fetches URLs and extracts readable
// text for the model.
package webpage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/nevindra/banter"
)

const maxContentChars = 8000

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

// New creates a webpage tool with a 15-second timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Tool) Definitions() []banter.ToolDefinition {
	return []banter.ToolDefinition{{
		Name:        "webpage",
		Description: "Fetch a URL and extract its readable text content. Use when a chat message links to an article or page worth reading before replying.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (banter.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return banter.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return banter.ToolResult{Error: err.Error()}, nil
	}

	if len(content) > maxContentChars {
		content = content[:maxContentChars] + "\n... (truncated)"
	}

	return banter.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by the
// ingest path when a stored message references a page.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; BanterBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	return stripTags(html), nil
}

// stripTags is the fallback when readability finds no article body: drop
// script and style blocks, then flatten the remaining markup to text.
func stripTags(html string) string {
	var b strings.Builder
	b.Grow(len(html))

	lower := strings.ToLower(html)
	inTag := false
	skipUntil := ""

	for i := 0; i < len(html); i++ {
		if skipUntil != "" {
			if strings.HasPrefix(lower[i:], skipUntil) {
				i += len(skipUntil) - 1
				skipUntil = ""
				inTag = false
			}
			continue
		}
		c := html[i]
		switch {
		case c == '<':
			inTag = true
			if strings.HasPrefix(lower[i:], "<script") {
				skipUntil = "</script>"
			} else if strings.HasPrefix(lower[i:], "<style") {
				skipUntil = "</style>"
			}
		case c == '>':
			if inTag {
				inTag = false
				b.WriteByte(' ')
			}
		case !inTag:
			b.WriteByte(c)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

var _ banter.Tool = (*Tool)(nil)
