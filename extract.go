package banter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Candidate is a fact candidate produced by an extractor, before quality
// management.
type Candidate struct {
	UserID            int64
	Type              string
	Key               string
	ValueRaw          string
	Confidence        float64
	EvidenceMessageID int64
	Source            FactSource
}

// Extractor emits fact candidates from a closed window. Implementations
// must never attribute facts to the agent's own messages.
type Extractor interface {
	Extract(ctx context.Context, w Window, profiles map[int64]Profile) ([]Candidate, error)
}

// --- Rule stage ---

type rulePattern struct {
	re         *regexp.Regexp
	factType   string
	key        string
	confidence float64
}

var rulePatterns = []rulePattern{
	// locations
	{regexp.MustCompile(`(?i)\b(?:i(?:'m| am) from|i live in|living in|живу (?:в|у)|я (?:з|із|с)|hi from|приїхав (?:з|із))\s+([\p{L}][\p{L}\-']+)`), "personal", "location", 0.8},
	{regexp.MustCompile(`(?i)\b(?:moved to|переїхав (?:в|у|до))\s+([\p{L}][\p{L}\-']+)`), "personal", "location", 0.85},
	// languages
	{regexp.MustCompile(`(?i)\b(?:i speak|розмовляю|говорю)\s+([\p{L}][\p{L}\-']+)`), "personal", "language", 0.8},
	// profession
	{regexp.MustCompile(`(?i)\b(?:i work as an?|i(?:'m| am) an?|працюю|я працюю)\s+([\p{L}][\p{L}\-']+(?:\s+(?:developer|engineer|manager|designer|analyst))?)`), "skill", "profession", 0.75},
	// likes / dislikes
	{regexp.MustCompile(`(?i)\b(?:i (?:really )?(?:like|love|enjoy)|люблю|обожнюю)\s+([\p{L}][\p{L}\-' ]{2,40})`), "preference", "likes", 0.7},
	{regexp.MustCompile(`(?i)\b(?:i (?:hate|dislike|can't stand)|ненавиджу|терпіти не можу)\s+([\p{L}][\p{L}\-' ]{2,40})`), "preference", "dislikes", 0.7},
}

// knownValues lets a bare mention of a well-known canonical value ("Київ" on
// its own line) yield a candidate even without a sentence pattern.
var knownValues = map[string]struct {
	factType string
	key      string
}{
	"kyiv":       {"personal", "location"},
	"lviv":       {"personal", "location"},
	"odesa":      {"personal", "location"},
	"warsaw":     {"personal", "location"},
	"berlin":     {"personal", "location"},
	"javascript": {"skill", "language"},
	"typescript": {"skill", "language"},
	"python":     {"skill", "language"},
	"go":         {"skill", "language"},
	"developer":  {"skill", "profession"},
	"manager":    {"skill", "profession"},
	"teacher":    {"skill", "profession"},
	"doctor":     {"skill", "profession"},
}

// RuleExtractor is the cheap always-on pattern stage.
type RuleExtractor struct{}

var _ Extractor = (*RuleExtractor)(nil)

// Extract runs every pattern over every participant-authored message.
func (RuleExtractor) Extract(_ context.Context, w Window, _ map[int64]Profile) ([]Candidate, error) {
	var out []Candidate
	for _, msg := range w.Messages {
		if msg.IsFromSelf || msg.Text == "" {
			continue
		}
		for _, p := range rulePatterns {
			for _, m := range p.re.FindAllStringSubmatch(msg.Text, -1) {
				value := strings.TrimSpace(m[1])
				if value == "" {
					continue
				}
				out = append(out, Candidate{
					UserID:            msg.UserID,
					Type:              p.factType,
					Key:               p.key,
					ValueRaw:          value,
					Confidence:        p.confidence,
					EvidenceMessageID: msg.ID,
					Source:            SourceRule,
				})
			}
		}
		// Bare known value: the whole message canonicalizes to something we
		// recognize.
		if kv, ok := knownValues[CanonicalValue(msg.Text)]; ok {
			out = append(out, Candidate{
				UserID:            msg.UserID,
				Type:              kv.factType,
				Key:               kv.key,
				ValueRaw:          CanonicalValue(msg.Text),
				Confidence:        0.8,
				EvidenceMessageID: msg.ID,
				Source:            SourceRule,
			})
		}
	}
	return out, nil
}

// --- Model stage ---

// extractWindowPrompt asks for facts about every participant in one pass.
const extractWindowPrompt = `You are a memory extraction system. Given a group-chat conversation, extract factual information about the PARTICIPANTS.

Extract facts like:
- Personal info (location, languages, timezone)
- Skills and profession
- Preferences (likes, dislikes, tools)
- Habits and routines
- Relationships and people they mention

Rules:
- Attribute each fact to the user id shown in brackets before each message
- Only extract facts clearly stated or strongly implied by that user
- Each fact is one concise value for one key
- type is one of: personal, preference, skill, habit, relationship
- confidence is your certainty in [0,1]
- Return [] if no facts are present

Return ONLY a JSON array like:
[{"user_id": 42, "type": "personal", "key": "location", "value": "Kyiv", "confidence": 0.9}]`

// extractFactsSchema constrains the model stage output.
var extractFactsSchema = &ResponseSchema{
	Name:   "extracted_facts",
	Schema: json.RawMessage(`{"type":"array","items":{"type":"object","properties":{"user_id":{"type":"integer"},"type":{"type":"string","enum":["personal","preference","skill","habit","relationship"]},"key":{"type":"string"},"value":{"type":"string"},"confidence":{"type":"number"}},"required":["user_id","type","key","value"]}}`),
}

type modelFact struct {
	UserID     int64   `json:"user_id"`
	Type       string  `json:"type"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ModelExtractor asks the provider for structured facts over the whole
// window transcript.
type ModelExtractor struct {
	Provider Provider
}

var _ Extractor = (*ModelExtractor)(nil)

func (e *ModelExtractor) Extract(ctx context.Context, w Window, profiles map[int64]Profile) ([]Candidate, error) {
	transcript := windowTranscript(w, profiles)
	if transcript == "" {
		return nil, nil
	}

	resp, err := e.Provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(extractWindowPrompt),
			UserMessage(transcript),
		},
		ResponseSchema: extractFactsSchema,
	})
	if err != nil {
		return nil, err
	}

	facts, err := parseModelFacts(resp.Content)
	if err != nil {
		return nil, err
	}

	participants := map[int64]bool{}
	for _, p := range w.Participants {
		participants[p] = true
	}

	var out []Candidate
	for _, f := range facts {
		if !participants[f.UserID] || f.Value == "" {
			continue
		}
		out = append(out, Candidate{
			UserID:            f.UserID,
			Type:              f.Type,
			Key:               f.Key,
			ValueRaw:          f.Value,
			Confidence:        clamp(f.Confidence, 0.5, 0.95),
			EvidenceMessageID: w.LastMessageID,
			Source:            SourceModel,
		})
	}
	return out, nil
}

// windowTranscript renders participant messages with bracketed user ids.
// Agent-authored messages are omitted so nothing gets attributed to the bot.
func windowTranscript(w Window, profiles map[int64]Profile) string {
	var b strings.Builder
	for _, msg := range w.Messages {
		if msg.IsFromSelf || msg.Text == "" {
			continue
		}
		name := msg.AuthorName
		if p, ok := profiles[msg.UserID]; ok && p.DisplayName != "" {
			name = p.DisplayName
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", msg.UserID, name, msg.Text)
	}
	return b.String()
}

// parseModelFacts tolerates markdown fences around the JSON array. Anything
// else is a malformed response.
func parseModelFacts(content string) ([]modelFact, error) {
	trimmed := strings.TrimSpace(content)
	var facts []modelFact
	if err := json.Unmarshal([]byte(trimmed), &facts); err == nil {
		return facts, nil
	}
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &facts); err == nil {
			return facts, nil
		}
	}
	return nil, &ErrMalformedResponse{Want: "json fact array", Got: content}
}

// --- Hybrid ---

// HybridExtractor composes the rule and model stages: rules always run; the
// model runs only when the window carries at least one MEDIUM-or-HIGH
// message, and its output is merged model-only-if-additional so the result
// is deterministic regardless of model ordering.
type HybridExtractor struct {
	Rules Extractor
	Model Extractor
}

var _ Extractor = (*HybridExtractor)(nil)

// NewHybridExtractor wires the default rule stage with a model stage on p.
// p may be nil, leaving rule-only extraction (the degraded mode used while
// the LLM breaker is open).
func NewHybridExtractor(p Provider) *HybridExtractor {
	h := &HybridExtractor{Rules: RuleExtractor{}}
	if p != nil {
		h.Model = &ModelExtractor{Provider: p}
	}
	return h
}

func (h *HybridExtractor) Extract(ctx context.Context, w Window, profiles map[int64]Profile) ([]Candidate, error) {
	ruleOut, err := h.Rules.Extract(ctx, w, profiles)
	if err != nil {
		return nil, err
	}

	if h.Model == nil || w.DominantValue < LabelMedium {
		return ruleOut, nil
	}

	modelOut, err := h.Model.Extract(ctx, w, profiles)
	if err != nil {
		// Model failure is non-fatal: rule output stands alone.
		return ruleOut, nil
	}

	seen := map[string]bool{}
	for _, c := range ruleOut {
		seen[candidateKey(c)] = true
	}
	merged := ruleOut
	for _, c := range modelOut {
		if k := candidateKey(c); !seen[k] {
			seen[k] = true
			merged = append(merged, c)
		}
	}
	return merged, nil
}

func candidateKey(c Candidate) string {
	return fmt.Sprintf("%d|%s|%s|%s", c.UserID, c.Type, c.Key, CanonicalValue(c.ValueRaw))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
