package banter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Intent is a classified window intent.
type Intent struct {
	Type       IntentType
	Confidence float64
}

const intentPrompt = `You observe a group-chat conversation segment. Decide whether the participants need help an assistant could offer.

Classify the segment as exactly one of:
- QUESTION: someone asked a question nobody answered
- REQUEST: someone asked for help or an action
- PROBLEM: someone described a problem they are stuck on
- OPPORTUNITY: the assistant's capabilities clearly apply
- NONE: ordinary conversation, no intervention warranted

The assistant can: %s

Return ONLY a JSON object: {"intent": "QUESTION", "confidence": 0.8}`

var intentSchema = &ResponseSchema{
	Name:   "window_intent",
	Schema: json.RawMessage(`{"type":"object","properties":{"intent":{"type":"string","enum":["QUESTION","REQUEST","PROBLEM","OPPORTUNITY","NONE"]},"confidence":{"type":"number"}},"required":["intent","confidence"]}`),
}

// IntentClassifier asks the model what a closed window calls for. Results
// are cached by window id so trigger decisions stay idempotent under retry.
type IntentClassifier struct {
	provider     Provider
	capabilities []string
	logger       *slog.Logger

	mu    sync.Mutex
	cache map[int64]Intent
}

// NewIntentClassifier creates a classifier advertising the given
// capabilities in the prompt.
func NewIntentClassifier(provider Provider, capabilities []string, logger *slog.Logger) *IntentClassifier {
	if logger == nil {
		logger = nopLogger
	}
	if len(capabilities) == 0 {
		capabilities = []string{"answer questions", "look things up", "summarize"}
	}
	return &IntentClassifier{
		provider:     provider,
		capabilities: capabilities,
		logger:       logger,
		cache:        map[int64]Intent{},
	}
}

// Classify returns the window's intent. Malformed model output degrades to
// NONE with confidence 0 rather than an error; only transport failures
// propagate.
func (c *IntentClassifier) Classify(ctx context.Context, w Window, profiles map[int64]Profile) (Intent, error) {
	c.mu.Lock()
	if cached, ok := c.cache[w.ID]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	transcript := windowTranscript(w, profiles)
	if transcript == "" {
		return Intent{Type: IntentNone}, nil
	}

	resp, err := c.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(strings.Replace(intentPrompt, "%s", strings.Join(c.capabilities, ", "), 1)),
			UserMessage(transcript),
		},
		ResponseSchema: intentSchema,
	})
	if err != nil {
		return Intent{Type: IntentNone}, err
	}

	intent := parseIntent(resp.Content)
	if intent.Type == IntentNone && intent.Confidence == 0 {
		c.logger.Debug("intent parse degraded to NONE", "window", w.ID, "raw", resp.Content)
	}

	c.mu.Lock()
	c.cache[w.ID] = intent
	if len(c.cache) > 1024 {
		// Cheap reset; retry idempotency only matters for recent windows.
		c.cache = map[int64]Intent{w.ID: intent}
	}
	c.mu.Unlock()
	return intent, nil
}

func parseIntent(content string) Intent {
	var raw struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	trimmed := strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return Intent{Type: IntentNone}
		}
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &raw); err != nil {
			return Intent{Type: IntentNone}
		}
	}
	switch IntentType(strings.ToUpper(raw.Intent)) {
	case IntentQuestion, IntentRequest, IntentProblem, IntentOpportunity:
		return Intent{Type: IntentType(strings.ToUpper(raw.Intent)), Confidence: clamp(raw.Confidence, 0, 1)}
	default:
		return Intent{Type: IntentNone}
	}
}
