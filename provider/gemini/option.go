package gemini

import "net/http"

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithThinking enables or disables thinking mode (default false).
// When enabled, sends thinkingConfig with budget -1 (dynamic).
// When disabled (default), thinkingConfig is omitted entirely.
func WithThinking(enabled bool) Option {
	return func(g *Gemini) { g.thinkingEnabled = enabled }
}

// WithStructuredOutput enables or disables structured JSON output (default true).
// When enabled, responses matching a provided schema use application/json MIME type.
func WithStructuredOutput(enabled bool) Option {
	return func(g *Gemini) { g.structuredOutput = enabled }
}

// WithFunctionCalling enables or disables implicit function calling (default false).
// When disabled, toolConfig mode is set to NONE unless tools are explicitly
// provided via ChatWithTools.
func WithFunctionCalling(enabled bool) Option {
	return func(g *Gemini) { g.functionCalling = enabled }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}
