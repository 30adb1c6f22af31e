package banter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ProactiveConfig controls the unsolicited-reply trigger.
type ProactiveConfig struct {
	// Enabled gates the whole feature. Default false.
	Enabled bool
	// MinMessages a window needs to qualify. Default 3.
	MinMessages int
	// MaxWindowAgeSeconds since the window's last message. Default 300.
	MaxWindowAgeSeconds int64
	// GlobalCooldownSeconds between sends in one chat. Default 300.
	GlobalCooldownSeconds int64
	// UserCooldownSeconds between sends aimed at one user. Default 600.
	UserCooldownSeconds int64
	// IntentCooldownSeconds between sends of the same intent in one chat.
	// Default 1800.
	IntentCooldownSeconds int64
	// HourlyLimit and DailyLimit cap sends per chat. Defaults 6 and 40.
	HourlyLimit int
	DailyLimit  int
	// MinConfidence the adjusted confidence must reach. Default 0.75.
	MinConfidence float64
	// ReactionTimeoutSeconds after which an unanswered send counts as
	// IGNORED. Default 600.
	ReactionTimeoutSeconds int64
	// Logger for decisions.
	Logger *slog.Logger
}

func (c *ProactiveConfig) applyDefaults() {
	if c.MinMessages <= 0 {
		c.MinMessages = 3
	}
	if c.MaxWindowAgeSeconds <= 0 {
		c.MaxWindowAgeSeconds = 300
	}
	if c.GlobalCooldownSeconds <= 0 {
		c.GlobalCooldownSeconds = 300
	}
	if c.UserCooldownSeconds <= 0 {
		c.UserCooldownSeconds = 600
	}
	if c.IntentCooldownSeconds <= 0 {
		c.IntentCooldownSeconds = 1800
	}
	if c.HourlyLimit <= 0 {
		c.HourlyLimit = 6
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = 40
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.75
	}
	if c.ReactionTimeoutSeconds <= 0 {
		c.ReactionTimeoutSeconds = 600
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}
}

// TriggerResult is the outcome of evaluating one closed window.
type TriggerResult struct {
	Decision           Decision
	BlockReason        string
	Intent             Intent
	AdjustedConfidence float64
	PrimaryUserID      int64
}

// Trigger decides whether a closed window warrants an unsolicited reply.
// Checks run in a fixed order; the first failing check suppresses with a
// recorded block reason.
type Trigger struct {
	store  Store
	intent *IntentClassifier
	cfg    ProactiveConfig

	now func() int64
}

// NewTrigger creates a Trigger.
func NewTrigger(store Store, intent *IntentClassifier, cfg ProactiveConfig) *Trigger {
	cfg.applyDefaults()
	return &Trigger{store: store, intent: intent, cfg: cfg, now: NowUnix}
}

// Evaluate runs the check chain for w. SUPPRESS outcomes are persisted with
// their block reason before returning. A SEND outcome is a recommendation:
// the caller generates and sends the reply, then finalizes it with
// RecordSend, which re-checks the global cooldown transactionally.
func (t *Trigger) Evaluate(ctx context.Context, w Window, profiles map[int64]Profile) (TriggerResult, error) {
	res := TriggerResult{Decision: DecisionSuppress, PrimaryUserID: primaryParticipant(w)}

	if reason := t.preChecks(w); reason != "" {
		res.BlockReason = reason
		return t.suppress(ctx, w, res)
	}

	intent, err := t.intent.Classify(ctx, w, profiles)
	if err != nil {
		return res, err
	}
	res.Intent = intent
	if intent.Type == IntentNone {
		res.BlockReason = "no_intent"
		return t.suppress(ctx, w, res)
	}

	if reason, err := t.cooldownChecks(ctx, w, res.PrimaryUserID, intent.Type); err != nil {
		return res, err
	} else if reason != "" {
		res.BlockReason = reason
		return t.suppress(ctx, w, res)
	}

	mu, blocked, err := t.preferenceMultiplier(ctx, w.ChatID, res.PrimaryUserID)
	if err != nil {
		return res, err
	}
	if blocked {
		res.BlockReason = "consecutive_ignored"
		return t.suppress(ctx, w, res)
	}
	res.AdjustedConfidence = intent.Confidence * mu
	if res.AdjustedConfidence < t.cfg.MinConfidence {
		res.BlockReason = "low_confidence"
		return t.suppress(ctx, w, res)
	}

	res.Decision = DecisionSend
	res.BlockReason = ""
	return res, nil
}

// preChecks are the synchronous gates that need no store access.
func (t *Trigger) preChecks(w Window) string {
	if !t.cfg.Enabled {
		return "disabled"
	}
	if w.MessageCount < t.cfg.MinMessages {
		return "window_too_small"
	}
	for _, msg := range w.Messages {
		if msg.IsFromSelf {
			return "agent_participated"
		}
	}
	if lastTimestamp(w) < t.now()-t.cfg.MaxWindowAgeSeconds {
		return "window_stale"
	}
	return ""
}

func (t *Trigger) cooldownChecks(ctx context.Context, w Window, userID int64, intent IntentType) (string, error) {
	now := t.now()

	last, err := t.store.LastProactiveSend(ctx, w.ChatID, 0, "")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if err == nil && now-last.CreatedAt < t.cfg.GlobalCooldownSeconds {
		return "global_cooldown", nil
	}

	last, err = t.store.LastProactiveSend(ctx, w.ChatID, userID, "")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if err == nil && now-last.CreatedAt < t.cfg.UserCooldownSeconds {
		return "user_cooldown", nil
	}

	last, err = t.store.LastProactiveSend(ctx, w.ChatID, 0, intent)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if err == nil && now-last.CreatedAt < t.cfg.IntentCooldownSeconds {
		return "intent_cooldown", nil
	}

	hourly, err := t.store.CountProactiveSends(ctx, w.ChatID, now-3600)
	if err != nil {
		return "", err
	}
	if hourly >= t.cfg.HourlyLimit {
		return "rate_limited", nil
	}
	daily, err := t.store.CountProactiveSends(ctx, w.ChatID, now-86400)
	if err != nil {
		return "", err
	}
	if daily >= t.cfg.DailyLimit {
		return "rate_limited", nil
	}
	return "", nil
}

// preferenceMultiplier derives mu from the user's reaction history. Three or
// more consecutive IGNORED reactions block outright.
func (t *Trigger) preferenceMultiplier(ctx context.Context, chatID, userID int64) (float64, bool, error) {
	history, err := t.store.ProactiveHistory(ctx, chatID, userID, 20)
	if err != nil {
		return 0, false, err
	}

	var total, positive, negative, ignored, consecutiveIgnored int
	countingStreak := true
	for _, ev := range history { // newest first
		if ev.Decision != DecisionSend || ev.UserReaction == "" {
			continue
		}
		total++
		switch ev.UserReaction {
		case ReactionPositive:
			positive++
			countingStreak = false
		case ReactionNegative:
			negative++
			countingStreak = false
		case ReactionIgnored:
			ignored++
			if countingStreak {
				consecutiveIgnored++
			}
		}
	}
	if consecutiveIgnored >= 3 {
		return 0, true, nil
	}
	if total == 0 {
		return 1.0, false, nil
	}

	mu := 1.0
	posRate := float64(positive) / float64(total)
	negRate := float64(negative) / float64(total)
	ignRate := float64(ignored) / float64(total)
	switch {
	case posRate >= 0.5:
		mu += 0.3
	case posRate >= 0.3:
		mu += 0.1
	}
	switch {
	case negRate >= 0.2:
		mu -= 0.5
	case negRate >= 0.1:
		mu -= 0.3
	}
	switch {
	case ignRate >= 0.6:
		mu -= 0.4
	case ignRate >= 0.4:
		mu -= 0.2
	}
	return clamp(mu, 0, 2), false, nil
}

// suppress persists the decision. Recording failures are logged, not fatal:
// a lost SUPPRESS row only weakens future preference estimates.
func (t *Trigger) suppress(ctx context.Context, w Window, res TriggerResult) (TriggerResult, error) {
	ev := ProactiveEvent{
		ChatID:             w.ChatID,
		WindowID:           w.ID,
		UserID:             res.PrimaryUserID,
		IntentType:         res.Intent.Type,
		IntentConfidence:   res.Intent.Confidence,
		AdjustedConfidence: res.AdjustedConfidence,
		Decision:           DecisionSuppress,
		BlockReason:        res.BlockReason,
		CreatedAt:          t.now(),
	}
	if ev.IntentType == "" {
		ev.IntentType = IntentNone
	}
	if _, err := t.store.RecordProactiveSuppress(ctx, ev); err != nil {
		t.cfg.Logger.Warn("suppress event not recorded", "window", w.ID, "error", err)
	}
	t.cfg.Logger.Debug("proactive suppressed", "window", w.ID, "reason", res.BlockReason)
	return res, nil
}

// RecordSend finalizes a SEND after the reply went out. The store re-checks
// the global cooldown inside the write transaction; ErrCooldownActive means
// another worker won the race and this send should be counted as suppressed
// by the caller.
func (t *Trigger) RecordSend(ctx context.Context, w Window, res TriggerResult, responseMessageID int64) (int64, error) {
	if responseMessageID == 0 {
		return 0, fmt.Errorf("proactive send requires a response message id")
	}
	ev := ProactiveEvent{
		ChatID:             w.ChatID,
		WindowID:           w.ID,
		UserID:             res.PrimaryUserID,
		IntentType:         res.Intent.Type,
		IntentConfidence:   res.Intent.Confidence,
		AdjustedConfidence: res.AdjustedConfidence,
		Decision:           DecisionSend,
		ResponseMessageID:  responseMessageID,
		CreatedAt:          t.now(),
	}
	return t.store.RecordProactiveSend(ctx, ev, t.cfg.GlobalCooldownSeconds)
}

// ObserveReply records a user reaction when a message replies to a proactive
// response. Reported as handled so the orchestrator can skip further work.
func (t *Trigger) ObserveReply(ctx context.Context, msg Message) bool {
	if msg.ReplyToID == 0 || msg.IsFromSelf {
		return false
	}
	last, err := t.store.LastProactiveSend(ctx, msg.ChatID, 0, "")
	if err != nil || last.ResponseMessageID != msg.ReplyToID || last.UserReaction != "" {
		return false
	}
	reaction := classifyReaction(msg.Text)
	delayMs := (msg.Timestamp - last.CreatedAt) * 1000
	if err := t.store.SetProactiveReaction(ctx, last.ID, reaction, delayMs); err != nil {
		t.cfg.Logger.Warn("reaction not recorded", "event", last.ID, "error", err)
		return false
	}
	return true
}

// SweepReactions marks sends older than the reaction timeout as IGNORED.
func (t *Trigger) SweepReactions(ctx context.Context) int {
	cutoff := t.now() - t.cfg.ReactionTimeoutSeconds
	pending, err := t.store.PendingReactionEvents(ctx, cutoff)
	if err != nil {
		t.cfg.Logger.Warn("reaction sweep failed", "error", err)
		return 0
	}
	n := 0
	for _, ev := range pending {
		if err := t.store.SetProactiveReaction(ctx, ev.ID, ReactionIgnored, 0); err == nil {
			n++
		}
	}
	return n
}

var negativeReactionWords = map[string]bool{
	"stop": true, "no": true, "shut": true, "annoying": true, "spam": true,
	"wrong": true, "хватит": true, "досить": true, "замовкни": true,
}

// classifyReaction is a cheap lexicon pass. A reply that engages without
// clear negative signal counts as positive.
func classifyReaction(text string) Reaction {
	tokens := strings.Fields(strings.ToLower(text))
	for i, tok := range tokens {
		tokens[i] = strings.Trim(tok, ".,!?;:\"'()")
	}
	for _, tok := range tokens {
		if negativeReactionWords[tok] {
			return ReactionNegative
		}
	}
	return ReactionPositive
}

// primaryParticipant is the window author with the most messages; ties break
// toward the earliest author.
func primaryParticipant(w Window) int64 {
	counts := map[int64]int{}
	var order []int64
	for _, msg := range w.Messages {
		if msg.IsFromSelf {
			continue
		}
		if counts[msg.UserID] == 0 {
			order = append(order, msg.UserID)
		}
		counts[msg.UserID]++
	}
	var best int64
	bestCount := 0
	for _, id := range order {
		if counts[id] > bestCount {
			best, bestCount = id, counts[id]
		}
	}
	if best == 0 && len(w.Participants) > 0 {
		return w.Participants[0]
	}
	return best
}

func lastTimestamp(w Window) int64 {
	var last int64
	for _, msg := range w.Messages {
		if msg.Timestamp > last {
			last = msg.Timestamp
		}
	}
	if last == 0 {
		last = w.ClosedAt
	}
	return last
}
