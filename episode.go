package banter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EpisodeConfig controls episode finalization.
type EpisodeConfig struct {
	// InactivitySeconds finalizes a buffer with no new messages. Default 120.
	InactivitySeconds int64
	// MaxMessages finalizes a buffer at this size. Default 500.
	MaxMessages int
	// MinMessages below which a due buffer is discarded instead of
	// summarized. Default 3.
	MinMessages int
	// Logger for finalization outcomes.
	Logger *slog.Logger
}

func (c *EpisodeConfig) applyDefaults() {
	if c.InactivitySeconds <= 0 {
		c.InactivitySeconds = 120
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 500
	}
	if c.MinMessages <= 0 {
		c.MinMessages = 3
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}
}

type episodeKey struct {
	chatID   int64
	threadID int64
}

type episodeBuffer struct {
	messages []Message
	lastAt   int64
}

// EpisodeMonitor keeps a rolling buffer per (chat, thread) and distills a
// buffer into an Episode when the segment goes quiet or grows too long.
// Summarization failures leave the buffer in place; the next sweep retries.
type EpisodeMonitor struct {
	store    Store
	provider Provider
	cfg      EpisodeConfig

	mu      sync.Mutex
	buffers map[episodeKey]*episodeBuffer

	now func() int64
}

// NewEpisodeMonitor creates a monitor. provider may be nil, in which case
// due buffers are discarded without summarization.
func NewEpisodeMonitor(store Store, provider Provider, cfg EpisodeConfig) *EpisodeMonitor {
	cfg.applyDefaults()
	return &EpisodeMonitor{
		store:    store,
		provider: provider,
		cfg:      cfg,
		buffers:  map[episodeKey]*episodeBuffer{},
		now:      NowUnix,
	}
}

// Observe appends a message to its segment buffer. Returns true when the
// buffer hit the size cap and should be finalized promptly.
func (m *EpisodeMonitor) Observe(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := episodeKey{msg.ChatID, msg.ThreadID}
	buf := m.buffers[key]
	if buf == nil {
		buf = &episodeBuffer{}
		m.buffers[key] = buf
	}
	buf.messages = append(buf.messages, msg)
	buf.lastAt = msg.Timestamp
	return len(buf.messages) >= m.cfg.MaxMessages
}

// Sweep finalizes every buffer that is due: quiet past the inactivity
// threshold or at the size cap. Returns the number of episodes persisted.
func (m *EpisodeMonitor) Sweep(ctx context.Context) int {
	now := m.now()
	var due []episodeKey
	m.mu.Lock()
	for key, buf := range m.buffers {
		if len(buf.messages) >= m.cfg.MaxMessages || now-buf.lastAt >= m.cfg.InactivitySeconds {
			due = append(due, key)
		}
	}
	m.mu.Unlock()

	finalized := 0
	for _, key := range due {
		if m.finalize(ctx, key) {
			finalized++
		}
	}
	return finalized
}

// Run drives Sweep on a ticker until ctx is cancelled.
func (m *EpisodeMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// finalize summarizes and persists one buffer. The buffer is detached only
// after the episode is stored, so a failure retries on the next sweep.
func (m *EpisodeMonitor) finalize(ctx context.Context, key episodeKey) bool {
	m.mu.Lock()
	buf := m.buffers[key]
	if buf == nil {
		m.mu.Unlock()
		return false
	}
	messages := append([]Message(nil), buf.messages...)
	m.mu.Unlock()

	if len(messages) < m.cfg.MinMessages || m.provider == nil {
		m.drop(key, len(messages))
		return false
	}

	summary, err := m.summarize(ctx, messages)
	if err != nil {
		m.cfg.Logger.Warn("episode summarization failed, keeping buffer",
			"chat", key.chatID, "thread", key.threadID, "error", err)
		return false
	}

	ep := Episode{
		ChatID:         key.chatID,
		ThreadID:       key.threadID,
		Topic:          summary.Topic,
		Summary:        summary.Summary,
		Importance:     clamp(summary.Importance, 0, 1),
		Valence:        parseValence(summary.Valence),
		Tags:           summary.Tags,
		CreatedAt:      m.now(),
		LastAccessedAt: m.now(),
	}
	seen := map[int64]bool{}
	for _, msg := range messages {
		ep.MessageIDs = append(ep.MessageIDs, msg.ID)
		if !msg.IsFromSelf && !seen[msg.UserID] {
			seen[msg.UserID] = true
			ep.Participants = append(ep.Participants, msg.UserID)
		}
	}

	if _, err := m.store.StoreEpisode(ctx, ep); err != nil {
		m.cfg.Logger.Warn("episode store failed, keeping buffer",
			"chat", key.chatID, "error", err)
		return false
	}

	m.drop(key, len(messages))
	m.cfg.Logger.Info("episode finalized",
		"chat", key.chatID, "thread", key.threadID,
		"messages", len(messages), "topic", ep.Topic)
	return true
}

// drop removes up to n leading messages from the buffer, preserving any that
// arrived while finalization was in flight.
func (m *EpisodeMonitor) drop(key episodeKey, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.buffers[key]
	if buf == nil {
		return
	}
	if n >= len(buf.messages) {
		delete(m.buffers, key)
		return
	}
	buf.messages = append([]Message(nil), buf.messages[n:]...)
}

const episodePrompt = `Summarize this group-chat conversation segment as one episode.

Return ONLY a JSON object:
{"topic": "short topic", "summary": "2-4 sentence summary", "emotional_valence": "positive|negative|neutral|mixed", "importance": 0.5, "tags": ["tag1", "tag2"]}

importance is in [0,1]: routine chatter near 0.2, decisions or notable events near 0.8.`

var episodeSchema = &ResponseSchema{
	Name:   "episode_summary",
	Schema: json.RawMessage(`{"type":"object","properties":{"topic":{"type":"string"},"summary":{"type":"string"},"emotional_valence":{"type":"string","enum":["positive","negative","neutral","mixed"]},"importance":{"type":"number"},"tags":{"type":"array","items":{"type":"string"}}},"required":["topic","summary"]}`),
}

type episodeSummary struct {
	Topic      string   `json:"topic"`
	Summary    string   `json:"summary"`
	Valence    string   `json:"emotional_valence"`
	Importance float64  `json:"importance"`
	Tags       []string `json:"tags"`
}

func (m *EpisodeMonitor) summarize(ctx context.Context, messages []Message) (episodeSummary, error) {
	var b strings.Builder
	for _, msg := range messages {
		if msg.Text == "" {
			continue
		}
		b.WriteString(msg.AuthorName)
		b.WriteString(": ")
		b.WriteString(msg.Text)
		b.WriteByte('\n')
	}

	resp, err := m.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(episodePrompt),
			UserMessage(b.String()),
		},
		ResponseSchema: episodeSchema,
	})
	if err != nil {
		return episodeSummary{}, err
	}

	var out episodeSummary
	trimmed := strings.TrimSpace(resp.Content)
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return episodeSummary{}, &ErrMalformedResponse{Want: "episode json", Got: resp.Content}
		}
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &out); err != nil {
			return episodeSummary{}, &ErrMalformedResponse{Want: "episode json", Got: resp.Content}
		}
	}
	if out.Topic == "" || out.Summary == "" {
		return episodeSummary{}, &ErrMalformedResponse{Want: "episode with topic and summary", Got: resp.Content}
	}
	return out, nil
}

func parseValence(s string) Valence {
	switch Valence(strings.ToLower(strings.TrimSpace(s))) {
	case ValencePositive:
		return ValencePositive
	case ValenceNegative:
		return ValenceNegative
	case ValenceMixed:
		return ValenceMixed
	default:
		return ValenceNeutral
	}
}
