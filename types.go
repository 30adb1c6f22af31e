package banter

import "encoding/json"

// --- Domain types (database records) ---

// ValueLabel is the per-message value classification.
type ValueLabel int

const (
	LabelNoise ValueLabel = iota
	LabelLow
	LabelMedium
	LabelHigh
)

func (l ValueLabel) String() string {
	switch l {
	case LabelHigh:
		return "high"
	case LabelMedium:
		return "medium"
	case LabelLow:
		return "low"
	default:
		return "noise"
	}
}

// Message is a single inbound chat message. Immutable after write.
type Message struct {
	ID            int64     `json:"id"`
	ChatID        int64     `json:"chat_id"`
	ThreadID      int64     `json:"thread_id,omitempty"` // 0 = no thread
	UserID        int64     `json:"user_id"`
	AuthorName    string    `json:"author_name"`
	Text          string    `json:"text"`
	Media         []string  `json:"media,omitempty"` // platform media refs
	ReplyToID     int64     `json:"reply_to_message_id,omitempty"`
	Timestamp     int64     `json:"timestamp"` // unix seconds
	Embedding     []float32 `json:"-"`
	RetentionFlag bool      `json:"retention_flag"`
	IsFromSelf    bool      `json:"is_from_self"`
}

// Profile is one row per (user, chat).
type Profile struct {
	UserID           int64    `json:"user_id"`
	ChatID           int64    `json:"chat_id"`
	DisplayName      string   `json:"display_name"`
	Aliases          []string `json:"aliases,omitempty"`
	FirstSeen        int64    `json:"first_seen"`
	LastSeen         int64    `json:"last_seen"`
	InteractionCount int64    `json:"interaction_count"`
	SummaryText      string   `json:"summary_text,omitempty"`
	SummaryVersion   int      `json:"summary_version"`
	SummaryUpdatedAt int64    `json:"summary_updated_at"`
}

// FactSource identifies where a fact candidate came from.
type FactSource string

const (
	SourceAddressed FactSource = "addressed"
	SourceWindow    FactSource = "window"
	SourceRule      FactSource = "rule"
	SourceModel     FactSource = "model"
)

// Reliability returns the scoring weight used in conflict resolution.
func (s FactSource) Reliability() float64 {
	switch s {
	case SourceAddressed:
		return 1.0
	case SourceModel:
		return 0.8
	case SourceWindow:
		return 0.7
	default:
		return 0.6
	}
}

// Fact is a structured, confidence-weighted statement about a user within a
// chat. At most one active row per (user, chat, type, key, canonical value).
type Fact struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	ChatID            int64      `json:"chat_id"`
	Type              string     `json:"type"` // personal, preference, skill, habit, relationship
	Key               string     `json:"key"`
	ValueCanonical    string     `json:"value_canonical"`
	Confidence        float64    `json:"confidence"`
	IsActive          bool       `json:"is_active"`
	EvidenceMessageID int64      `json:"evidence_message_id,omitempty"`
	Source            FactSource `json:"source"`
	Embedding         []float32  `json:"-"`
	CreatedAt         int64      `json:"created_at"`
	LastReinforcedAt  int64      `json:"last_reinforced_at"`
	LastDecayedAt     int64      `json:"last_decayed_at"`
}

// ChangeType categorizes a fact mutation.
type ChangeType string

const (
	ChangeCreation      ChangeType = "creation"
	ChangeReinforcement ChangeType = "reinforcement"
	ChangeEvolution     ChangeType = "evolution"
	ChangeCorrection    ChangeType = "correction"
	ChangeSupersession  ChangeType = "supersession"
)

// FactVersion is an append-only record of a change to a Fact.
// VersionNumber is strictly increasing per fact.
type FactVersion struct {
	ID              int64      `json:"id"`
	FactID          int64      `json:"fact_id"`
	VersionNumber   int        `json:"version_number"`
	ChangeType      ChangeType `json:"change_type"`
	OldValue        string     `json:"old_value,omitempty"`
	NewValue        string     `json:"new_value"`
	OldConfidence   float64    `json:"old_confidence,omitempty"`
	NewConfidence   float64    `json:"new_confidence"`
	DeltaConfidence float64    `json:"delta_confidence"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       int64      `json:"created_at"`
}

// ClosureReason records why a window closed.
type ClosureReason string

const (
	CloseSize     ClosureReason = "size"
	CloseTimeout  ClosureReason = "timeout"
	CloseShutdown ClosureReason = "shutdown"
)

// Window is a bounded contiguous group of non-noise messages from one
// chat/thread. Transitions OPEN -> CLOSED -> PROCESSED.
type Window struct {
	ID             int64         `json:"id"`
	ChatID         int64         `json:"chat_id"`
	ThreadID       int64         `json:"thread_id,omitempty"`
	FirstMessageID int64         `json:"first_message_id"`
	LastMessageID  int64         `json:"last_message_id"`
	MessageCount   int           `json:"message_count"`
	Participants   []int64       `json:"participants"`
	OpenedAt       int64         `json:"opened_at"`
	ClosedAt       int64         `json:"closed_at,omitempty"`
	ClosureReason  ClosureReason `json:"closure_reason,omitempty"`
	DominantValue  ValueLabel    `json:"dominant_value"`
	Processed      bool          `json:"processed"`
	Skipped        bool          `json:"skipped"`

	// Messages carries the window contents between the windower and the
	// extraction pipeline. Not persisted on the window row.
	Messages []Message `json:"-"`
}

// Valence is the emotional tone of an episode.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
	ValenceNeutral  Valence = "neutral"
	ValenceMixed    Valence = "mixed"
)

// Episode is a durable summary of a longer conversation segment.
type Episode struct {
	ID             int64    `json:"id"`
	ChatID         int64    `json:"chat_id"`
	ThreadID       int64    `json:"thread_id,omitempty"`
	Topic          string   `json:"topic"`
	Summary        string   `json:"summary"`
	MessageIDs     []int64  `json:"message_ids"`
	Participants   []int64  `json:"participants"`
	Importance     float64  `json:"importance"`
	Valence        Valence  `json:"emotional_valence"`
	Tags           []string `json:"tags,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	LastAccessedAt int64    `json:"last_accessed_at"`
}

// IntentType is the inferred reason a window warrants a reply.
type IntentType string

const (
	IntentQuestion    IntentType = "QUESTION"
	IntentRequest     IntentType = "REQUEST"
	IntentProblem     IntentType = "PROBLEM"
	IntentOpportunity IntentType = "OPPORTUNITY"
	IntentNone        IntentType = "NONE"
)

// Reaction is how a user responded to a proactive reply.
type Reaction string

const (
	ReactionPositive Reaction = "positive"
	ReactionNegative Reaction = "negative"
	ReactionIgnored  Reaction = "ignored"
)

// Decision is the proactive trigger outcome.
type Decision string

const (
	DecisionSend     Decision = "SEND"
	DecisionSuppress Decision = "SUPPRESS"
)

// ProactiveEvent records one proactive SEND/SUPPRESS decision.
// A SEND decision always carries a non-zero ResponseMessageID.
type ProactiveEvent struct {
	ID                 int64      `json:"id"`
	ChatID             int64      `json:"chat_id"`
	WindowID           int64      `json:"window_id"`
	UserID             int64      `json:"user_id"` // primary participant
	IntentType         IntentType `json:"intent_type"`
	IntentConfidence   float64    `json:"intent_confidence"`
	AdjustedConfidence float64    `json:"adjusted_confidence"`
	Decision           Decision   `json:"decision"`
	BlockReason        string     `json:"block_reason,omitempty"`
	ResponseMessageID  int64      `json:"response_message_id,omitempty"`
	UserReaction       Reaction   `json:"user_reaction,omitempty"`
	ReactionDelayMs    int64      `json:"reaction_delay_ms,omitempty"`
	CreatedAt          int64      `json:"created_at"`
}

// CacheEntry is one row of the embedding cache persistent tier.
type CacheEntry struct {
	TextSHA256     string    `json:"text_sha256"`
	ModelID        string    `json:"model_id"`
	Vector         []float32 `json:"-"`
	CreatedAt      int64     `json:"created_at"`
	LastAccessedAt int64     `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

// QualityMetrics summarizes one quality-manager run over a window.
// At most one row per processed window.
type QualityMetrics struct {
	WindowID      int64 `json:"window_id"`
	Candidates    int   `json:"candidates"`
	Created       int   `json:"created"`
	Reinforced    int   `json:"reinforced"`
	Evolved       int   `json:"evolved"`
	Superseded    int   `json:"superseded"`
	Corrected     int   `json:"corrected"`
	EmbedFallback bool  `json:"embed_fallback"`
	CreatedAt     int64 `json:"created_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ResponseSchema requests structured JSON output from the provider.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type ChatRequest struct {
	Messages       []ChatMessage   `json:"messages"`
	ResponseSchema *ResponseSchema `json:"response_schema,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Platform frontend types ---

type IncomingMessage struct {
	ID         int64
	ChatID     int64
	ThreadID   int64
	UserID     int64
	AuthorName string
	Text       string
	MediaRefs  []string
	ReplyToID  int64
	Timestamp  int64
	IsFromSelf bool
}

// OutgoingMessage is a reply handed to the platform frontend.
type OutgoingMessage struct {
	ChatID    int64
	ThreadID  int64
	Text      string
	ReplyToID int64
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
