package banter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// AssemblerConfig controls context assembly.
type AssemblerConfig struct {
	// TokenBudget is the total context budget. Default 8000.
	TokenBudget int
	// Shares split the budget across episodic, retrieved, recent tiers.
	// Defaults 0.33/0.33/0.34.
	EpisodicShare  float64
	RetrievedShare float64
	// MaxEpisodes caps the episodic tier. Default 5.
	MaxEpisodes int
	// RetrievedTopK caps the retrieved tier before budget trimming. Default 10.
	RetrievedTopK int
	// RecentLimit caps the recent-tier fetch. Default 30.
	RecentLimit int
	// RecencyAlpha weighs relevance against recency in the retrieved tier.
	// Default 0.6.
	RecencyAlpha float64
	// RecencyHalfLifeHours scales the retrieved-tier recency decay. Default 168.
	RecencyHalfLifeHours float64
	// Logger for degraded assemblies.
	Logger *slog.Logger
}

func (c *AssemblerConfig) applyDefaults() {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 8000
	}
	if c.EpisodicShare <= 0 {
		c.EpisodicShare = 0.33
	}
	if c.RetrievedShare <= 0 {
		c.RetrievedShare = 0.33
	}
	if c.MaxEpisodes <= 0 {
		c.MaxEpisodes = 5
	}
	if c.RetrievedTopK <= 0 {
		c.RetrievedTopK = 10
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 30
	}
	if c.RecencyAlpha <= 0 {
		c.RecencyAlpha = 0.6
	}
	if c.RecencyHalfLifeHours <= 0 {
		c.RecencyHalfLifeHours = 168
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}
}

// AssembledContext is the prompt material for one generation.
type AssembledContext struct {
	SystemPrefix  string
	Turns         []ChatMessage
	EpisodeIDs    []int64
	TokenEstimate int
}

// Assembler builds token-budgeted prompt context from three tiers: episodic
// summaries, hybrid-retrieved history, and the recent message stream.
type Assembler struct {
	store Store
	embed Embedder
	cfg   AssemblerConfig

	now func() int64
}

// NewAssembler creates an Assembler. embed may be nil; retrieval then runs
// keyword-only.
func NewAssembler(store Store, embed Embedder, cfg AssemblerConfig) *Assembler {
	cfg.applyDefaults()
	return &Assembler{store: store, embed: embed, cfg: cfg, now: NowUnix}
}

// Assemble builds context for replying to msg. The current message is always
// the final turn; profile and fact summaries ride in the system prefix.
func (a *Assembler) Assemble(ctx context.Context, msg Message, profile Profile) (AssembledContext, error) {
	out := AssembledContext{}

	var prefix []string
	if profile.SummaryText != "" {
		prefix = append(prefix, fmt.Sprintf("About %s: %s", displayName(profile, msg), profile.SummaryText))
	}
	if facts := a.factFragment(ctx, msg); facts != "" {
		prefix = append(prefix, facts)
	}

	episodicBudget := int(float64(a.cfg.TokenBudget) * a.cfg.EpisodicShare)
	retrievedBudget := int(float64(a.cfg.TokenBudget) * a.cfg.RetrievedShare)

	episodic := a.episodicTier(ctx, msg.ChatID, episodicBudget, &out)
	retrieved := a.retrievedTier(ctx, msg, retrievedBudget)

	usedPrefix := EstimateTokens(strings.Join(prefix, "\n"))
	used := usedPrefix + tierTokens(episodic) + tierTokens(retrieved)
	recentBudget := a.cfg.TokenBudget - used - (EstimateTokens(renderMessage(msg)) + 4)
	recent := a.recentTier(ctx, msg, recentBudget)

	if len(episodic) == 0 && len(retrieved) == 0 && len(recent) == 0 {
		recent = a.fallbackTier(ctx, msg)
	}

	if len(episodic) > 0 {
		prefix = append(prefix, "Relevant past conversations:\n"+strings.Join(episodic, "\n"))
	}
	if len(retrieved) > 0 {
		prefix = append(prefix, "Related earlier messages:\n"+strings.Join(retrieved, "\n"))
	}
	out.SystemPrefix = strings.Join(prefix, "\n\n")

	for _, line := range recent {
		out.Turns = append(out.Turns, UserMessage(line))
	}
	out.Turns = append(out.Turns, UserMessage(renderMessage(msg)))

	out.TokenEstimate = EstimateTokens(out.SystemPrefix) + EstimateTurnTokens(out.Turns)
	return out, nil
}

// factFragment renders the author's high-confidence facts into one prefix
// line. Best effort.
func (a *Assembler) factFragment(ctx context.Context, msg Message) string {
	facts, err := a.store.ActiveFacts(ctx, msg.UserID, msg.ChatID)
	if err != nil || len(facts) == 0 {
		return ""
	}
	now := a.now()
	sort.Slice(facts, func(i, j int) bool {
		return EffectiveConfidence(facts[i], now, 0, 0) > EffectiveConfidence(facts[j], now, 0, 0)
	})
	var parts []string
	for _, f := range facts {
		if EffectiveConfidence(f, now, 0, 0) < 0.5 || len(parts) >= 8 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s=%s", f.Key, f.ValueCanonical))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Known facts about the author: " + strings.Join(parts, ", ")
}

// episodicTier renders up to MaxEpisodes within its budget and records which
// ones were injected so the caller can bump last_accessed_at.
func (a *Assembler) episodicTier(ctx context.Context, chatID int64, budget int, out *AssembledContext) []string {
	episodes, err := a.store.RecentEpisodes(ctx, chatID, a.cfg.MaxEpisodes)
	if err != nil {
		a.cfg.Logger.Warn("episodic tier unavailable", "error", err)
		return nil
	}
	var lines []string
	used := 0
	for _, ep := range episodes {
		line := fmt.Sprintf("[%s] %s", ep.Topic, ep.Summary)
		cost := EstimateTokens(line)
		if used+cost > budget {
			break
		}
		used += cost
		lines = append(lines, line)
		out.EpisodeIDs = append(out.EpisodeIDs, ep.ID)
	}
	if len(out.EpisodeIDs) > 0 {
		if err := a.store.TouchEpisodes(ctx, out.EpisodeIDs, a.now()); err != nil {
			a.cfg.Logger.Warn("episode touch failed", "error", err)
		}
	}
	return lines
}

// retrievedTier merges keyword and semantic hits, reweights by recency, and
// trims lowest-score-first to the budget.
func (a *Assembler) retrievedTier(ctx context.Context, msg Message, budget int) []string {
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}

	type hit struct {
		msg   Message
		score float64
	}
	merged := map[int64]hit{}

	keyword, err := a.store.SearchMessagesKeyword(ctx, msg.ChatID, msg.Text, a.cfg.RetrievedTopK)
	if err != nil {
		a.cfg.Logger.Warn("keyword retrieval failed", "error", err)
	}
	for _, sm := range keyword {
		merged[sm.Message.ID] = hit{sm.Message, sm.Score}
	}

	if a.embed != nil {
		if qv, err := a.embed.EmbedText(ctx, msg.Text); err == nil {
			semantic, err := a.store.SearchMessagesSemantic(ctx, msg.ChatID, qv, a.cfg.RetrievedTopK)
			if err != nil {
				a.cfg.Logger.Warn("semantic retrieval failed", "error", err)
			}
			for _, sm := range semantic {
				if prev, ok := merged[sm.Message.ID]; !ok || sm.Score > prev.score {
					merged[sm.Message.ID] = hit{sm.Message, sm.Score}
				}
			}
		}
	}
	delete(merged, msg.ID)
	if len(merged) == 0 {
		return nil
	}

	now := a.now()
	hits := make([]hit, 0, len(merged))
	for _, h := range merged {
		ageHours := float64(now-h.msg.Timestamp) / 3600.0
		recency := math.Exp(-ageHours / a.cfg.RecencyHalfLifeHours)
		h.score = a.cfg.RecencyAlpha*h.score + (1-a.cfg.RecencyAlpha)*recency
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > a.cfg.RetrievedTopK {
		hits = hits[:a.cfg.RetrievedTopK]
	}

	var lines []string
	used := 0
	for _, h := range hits {
		line := renderMessage(h.msg)
		cost := EstimateTokens(line)
		if used+cost > budget {
			continue // lower-scored hits may still fit; keep scanning
		}
		used += cost
		lines = append(lines, line)
	}
	return lines
}

// recentTier returns the newest contiguous messages for (chat, thread) in
// chronological order, trimmed oldest-first to the budget.
func (a *Assembler) recentTier(ctx context.Context, msg Message, budget int) []string {
	if budget <= 0 {
		return nil
	}
	recent, err := a.store.RecentMessages(ctx, msg.ChatID, msg.ThreadID, a.cfg.RecentLimit)
	if err != nil {
		a.cfg.Logger.Warn("recent tier unavailable", "error", err)
		return nil
	}

	var lines []string
	used := 0
	// Walk newest to oldest so truncation drops the oldest.
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].ID == msg.ID {
			continue
		}
		line := renderMessage(recent[i])
		cost := EstimateTokens(line) + 4
		if used+cost > budget {
			break
		}
		used += cost
		lines = append(lines, line)
	}
	// Back to chronological.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}

// fallbackTier is the emergency path when every tier came up empty: the last
// 10 messages of the chat regardless of thread.
func (a *Assembler) fallbackTier(ctx context.Context, msg Message) []string {
	recent, err := a.store.RecentMessages(ctx, msg.ChatID, 0, 10)
	if err != nil {
		return nil
	}
	var lines []string
	for _, m := range recent {
		if m.ID != msg.ID {
			lines = append(lines, renderMessage(m))
		}
	}
	return lines
}

func renderMessage(m Message) string {
	name := m.AuthorName
	if name == "" {
		name = fmt.Sprintf("user %d", m.UserID)
	}
	return name + ": " + m.Text
}

func displayName(p Profile, msg Message) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if msg.AuthorName != "" {
		return msg.AuthorName
	}
	return fmt.Sprintf("user %d", msg.UserID)
}

func tierTokens(lines []string) int {
	n := 0
	for _, l := range lines {
		n += EstimateTokens(l)
	}
	return n
}
