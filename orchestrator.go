package banter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// OrchestratorConfig controls the per-message pipeline.
type OrchestratorConfig struct {
	// SystemPrompt is the agent persona prepended to every generation.
	SystemPrompt string
	// FallbackReply is sent when an addressed generation fails; addressed
	// messages always get an answer.
	FallbackReply string
	// AsyncWindows routes closed windows through the queue instead of
	// processing them inline. Default false.
	AsyncWindows bool
	// RetentionDays prunes unflagged messages older than this during
	// maintenance. Default 30. Negative disables pruning.
	RetentionDays int
	// Logger for the pipeline.
	Logger *slog.Logger
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are a helpful, concise group-chat assistant."
	}
	if c.FallbackReply == "" {
		c.FallbackReply = "Sorry, I can't answer right now. Try again in a bit."
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}
}

// Orchestrator is the hot path: every inbound message flows through it. It
// persists, classifies, windows, answers when addressed, and hands closed
// windows to the learning pipeline.
type Orchestrator struct {
	store      Store
	classifier *Classifier
	windower   *Windower
	queue      *Queue
	extractor  Extractor
	quality    *QualityManager
	assembler  *Assembler
	trigger    *Trigger
	episodes   *EpisodeMonitor
	embedder   Embedder
	provider   Provider
	tools      *ToolRegistry
	frontend   Frontend
	cfg        OrchestratorConfig
	logger     *slog.Logger

	mu      sync.Mutex
	ownIDs  map[int64]int64 // message id -> chat id of agent-authored sends
	skipped int64
}

// OrchestratorDeps bundles the orchestrator's collaborators.
type OrchestratorDeps struct {
	Store      Store
	Classifier *Classifier
	Windower   *Windower
	Queue      *Queue // required when Config.AsyncWindows
	Extractor  Extractor
	Quality    *QualityManager
	Assembler  *Assembler
	Trigger    *Trigger
	Episodes   *EpisodeMonitor
	Embedder   Embedder // optional; valuable messages get embeddings for semantic retrieval
	Provider   Provider
	Tools      *ToolRegistry
	Frontend   Frontend
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:      deps.Store,
		classifier: deps.Classifier,
		windower:   deps.Windower,
		queue:      deps.Queue,
		extractor:  deps.Extractor,
		quality:    deps.Quality,
		assembler:  deps.Assembler,
		trigger:    deps.Trigger,
		episodes:   deps.Episodes,
		embedder:   deps.Embedder,
		provider:   deps.Provider,
		tools:      deps.Tools,
		frontend:   deps.Frontend,
		cfg:        cfg,
		logger:     cfg.Logger,
		ownIDs:     map[int64]int64{},
	}
}

// HandleMessage runs the full inbound path for one message. Learning and
// proactivity never block an addressed reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Message) error {
	if err := o.store.StoreMessage(ctx, msg); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	profile, err := o.store.TouchProfile(ctx, msg.UserID, msg.ChatID, msg.AuthorName, msg.Timestamp)
	if err != nil {
		o.logger.Warn("profile upsert failed", "user", msg.UserID, "error", err)
	}

	if o.trigger != nil && !msg.IsFromSelf {
		o.trigger.ObserveReply(ctx, msg)
	}

	cls := o.classifier.Classify(msg, o.isOwnMessage(msg.ChatID, msg.ReplyToID))

	o.embedMessage(ctx, msg, cls.Label)

	if cls.Label != LabelNoise && o.episodes != nil {
		o.episodes.Observe(msg)
	}

	if !msg.IsFromSelf {
		if closed := o.windower.Add(msg, cls.Label); closed != nil {
			o.dispatchWindow(ctx, *closed)
		}
	}

	if cls.Addressed && !msg.IsFromSelf {
		return o.replyAddressed(ctx, msg, profile)
	}
	return nil
}

// embedMessage attaches an embedding to a stored MEDIUM or HIGH message so
// semantic retrieval can find it later. Best effort: an embedding outage
// degrades retrieval to keyword-only, it never blocks the message.
func (o *Orchestrator) embedMessage(ctx context.Context, msg Message, label ValueLabel) {
	if o.embedder == nil || msg.IsFromSelf || msg.Text == "" {
		return
	}
	if label != LabelMedium && label != LabelHigh {
		return
	}
	v, err := o.embedder.EmbedText(ctx, msg.Text)
	if err != nil {
		o.logger.Warn("message embedding failed", "message", msg.ID, "error", err)
		return
	}
	if err := o.store.SetMessageEmbedding(ctx, msg.ChatID, msg.ID, v); err != nil {
		o.logger.Warn("message embedding not stored", "message", msg.ID, "error", err)
	}
}

// replyAddressed answers a message aimed at the agent and learns from it
// inline. The reply always goes out, falling back to canned text when the
// model is unavailable.
func (o *Orchestrator) replyAddressed(ctx context.Context, msg Message, profile Profile) error {
	ctx = WithChatScope(ctx, ChatScope{ChatID: msg.ChatID, UserID: msg.UserID})
	if o.frontend != nil {
		_ = o.frontend.SendTyping(ctx, msg.ChatID)
	}

	assembled, err := o.assembler.Assemble(ctx, msg, profile)
	if err != nil {
		o.logger.Warn("context assembly failed, replying bare", "error", err)
		assembled = AssembledContext{Turns: []ChatMessage{UserMessage(renderMessage(msg))}}
	}

	text := o.generate(ctx, assembled)
	sentID, err := o.frontend.Send(ctx, OutgoingMessage{
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		Text:      text,
		ReplyToID: msg.ID,
	})
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	o.rememberOwn(msg.ChatID, sentID)

	o.learnAddressed(ctx, msg)
	return nil
}

// generate runs the tool loop and degrades to the fallback reply on failure.
func (o *Orchestrator) generate(ctx context.Context, assembled AssembledContext) string {
	system := o.cfg.SystemPrompt
	if assembled.SystemPrefix != "" {
		system += "\n\n" + assembled.SystemPrefix
	}
	messages := append([]ChatMessage{SystemMessage(system)}, assembled.Turns...)

	resp, err := RunToolLoop(ctx, o.provider, o.tools, messages, o.logger)
	if err != nil || resp.Content == "" {
		o.logger.Warn("generation failed, using fallback", "error", err)
		return o.cfg.FallbackReply
	}
	return resp.Content
}

// learnAddressed extracts facts from a single addressed message and pushes
// them through quality management immediately with the addressed source.
func (o *Orchestrator) learnAddressed(ctx context.Context, msg Message) {
	if o.extractor == nil || o.quality == nil {
		return
	}
	mini := Window{
		ChatID:         msg.ChatID,
		ThreadID:       msg.ThreadID,
		FirstMessageID: msg.ID,
		LastMessageID:  msg.ID,
		MessageCount:   1,
		Participants:   []int64{msg.UserID},
		DominantValue:  LabelHigh,
		Messages:       []Message{msg},
	}
	candidates, err := o.extractor.Extract(ctx, mini, nil)
	if err != nil || len(candidates) == 0 {
		return
	}
	for i := range candidates {
		candidates[i].Source = SourceAddressed
	}
	if err := o.quality.Process(ctx, mini, candidates); err != nil {
		o.logger.Warn("addressed fact learning failed", "message", msg.ID, "error", err)
		return
	}
	o.refreshProfiles(ctx, msg.ChatID, []int64{msg.UserID})
}

// dispatchWindow persists a closed window and routes it to processing.
// Queue rejection marks the window skipped; the hot path never blocks.
func (o *Orchestrator) dispatchWindow(ctx context.Context, w Window) {
	id, err := o.store.CreateWindow(ctx, w)
	if err != nil {
		o.logger.Error("window not persisted", "chat", w.ChatID, "error", err)
		return
	}
	w.ID = id

	if !o.cfg.AsyncWindows || o.queue == nil {
		if err := o.ProcessWindowEvent(ctx, &Event{ID: NewID(), Kind: EventWindowClosed, Window: &w}); err != nil {
			o.logger.Warn("inline window processing failed", "window", w.ID, "error", err)
		}
		return
	}

	ev := &Event{ID: NewID(), Kind: EventWindowClosed, Priority: WindowPriority(w), Window: &w}
	if err := o.queue.Push(ev); err != nil {
		o.mu.Lock()
		o.skipped++
		o.mu.Unlock()
		if markErr := o.store.MarkWindowSkipped(ctx, w.ID); markErr != nil {
			o.logger.Warn("window skip not recorded", "window", w.ID, "error", markErr)
		}
		o.logger.Warn("queue rejected window", "window", w.ID, "error", err)
	}
}

// ProcessWindowEvent is the worker handler: extract, quality-commit, then
// consider a proactive reply. A failed quality commit requeues once; a
// second failure marks the window permanently failed.
func (o *Orchestrator) ProcessWindowEvent(ctx context.Context, ev *Event) error {
	if ev.Kind != EventWindowClosed || ev.Window == nil {
		return nil
	}
	w := *ev.Window

	profiles := map[int64]Profile{}
	for _, userID := range w.Participants {
		if p, err := o.store.GetProfile(ctx, userID, w.ChatID); err == nil {
			profiles[userID] = p
		}
	}

	candidates, err := o.extractor.Extract(ctx, w, profiles)
	if err != nil {
		o.logger.Warn("extraction failed", "window", w.ID, "error", err)
		candidates = nil
	}

	if err := o.quality.Process(ctx, w, candidates); err != nil {
		if IsFatal(err) {
			return err
		}
		if ev.Attempts == 0 && o.cfg.AsyncWindows && o.queue != nil {
			retry := *ev
			retry.Attempts = 1
			retry.EnqueuedAt = time.Now()
			if pushErr := o.queue.Push(&retry); pushErr == nil {
				o.logger.Warn("quality commit failed, requeued", "window", w.ID, "error", err)
				return nil
			}
		}
		if markErr := o.store.MarkWindowFailed(ctx, w.ID); markErr != nil {
			o.logger.Warn("window failure not recorded", "window", w.ID, "error", markErr)
		}
		return fmt.Errorf("window %d permanently failed: %w", w.ID, err)
	}

	if err := o.store.MarkWindowProcessed(ctx, w.ID); err != nil {
		o.logger.Warn("window completion not recorded", "window", w.ID, "error", err)
	}

	o.refreshProfiles(ctx, w.ChatID, w.Participants)
	o.maybeProactive(ctx, w, profiles)
	return nil
}

// refreshProfiles rewrites each user's profile summary from their current
// active facts after a learning commit. Unchanged summaries are left alone.
func (o *Orchestrator) refreshProfiles(ctx context.Context, chatID int64, userIDs []int64) {
	now := NowUnix()
	for _, userID := range userIDs {
		facts, err := o.store.ActiveFacts(ctx, userID, chatID)
		if err != nil || len(facts) == 0 {
			continue
		}
		summary := summarizeFacts(facts, now)
		if summary == "" {
			continue
		}
		if p, err := o.store.GetProfile(ctx, userID, chatID); err == nil && p.SummaryText == summary {
			continue
		}
		if err := o.store.UpdateProfileSummary(ctx, userID, chatID, summary, now); err != nil {
			o.logger.Warn("profile summary not updated", "user", userID, "error", err)
		}
	}
}

// summarizeFacts renders the strongest facts into one profile line, strongest
// first by effective confidence.
func summarizeFacts(facts []Fact, now int64) string {
	sort.Slice(facts, func(i, j int) bool {
		return EffectiveConfidence(facts[i], now, 0, 0) > EffectiveConfidence(facts[j], now, 0, 0)
	})
	var parts []string
	for _, f := range facts {
		if EffectiveConfidence(f, now, 0, 0) < 0.5 || len(parts) >= 8 {
			break
		}
		parts = append(parts, f.Key+": "+f.ValueCanonical)
	}
	return strings.Join(parts, "; ")
}

// maybeProactive runs the trigger chain and sends an unsolicited reply when
// every check passes. Losing the cooldown race downgrades to a suppress.
func (o *Orchestrator) maybeProactive(ctx context.Context, w Window, profiles map[int64]Profile) {
	if o.trigger == nil || o.frontend == nil {
		return
	}
	res, err := o.trigger.Evaluate(ctx, w, profiles)
	if err != nil {
		o.logger.Warn("proactive evaluation failed", "window", w.ID, "error", err)
		return
	}
	if res.Decision != DecisionSend {
		return
	}
	if len(w.Messages) == 0 {
		return
	}

	last := w.Messages[len(w.Messages)-1]
	profile := profiles[last.UserID]
	assembled, err := o.assembler.Assemble(ctx, last, profile)
	if err != nil {
		o.logger.Warn("proactive assembly failed", "window", w.ID, "error", err)
		return
	}

	resp, err := o.provider.Chat(ctx, ChatRequest{
		Messages: append([]ChatMessage{SystemMessage(o.cfg.SystemPrompt + "\n\n" + assembled.SystemPrefix)}, assembled.Turns...),
	})
	if err != nil || resp.Content == "" {
		o.logger.Warn("proactive generation failed", "window", w.ID, "error", err)
		return
	}

	sentID, err := o.frontend.Send(ctx, OutgoingMessage{
		ChatID:   w.ChatID,
		ThreadID: w.ThreadID,
		Text:     resp.Content,
	})
	if err != nil {
		o.logger.Warn("proactive send failed", "window", w.ID, "error", err)
		return
	}
	o.rememberOwn(w.ChatID, sentID)

	if _, err := o.trigger.RecordSend(ctx, w, res, sentID); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			o.logger.Warn("lost proactive cooldown race", "window", w.ID)
			return
		}
		o.logger.Warn("proactive event not recorded", "window", w.ID, "error", err)
	}
}

// Maintenance runs the periodic sweeps: expired windows, episode
// finalization, reaction timeouts, and message retention.
func (o *Orchestrator) Maintenance(ctx context.Context) {
	for _, w := range o.windower.SweepExpired() {
		o.dispatchWindow(ctx, w)
	}
	if o.episodes != nil {
		o.episodes.Sweep(ctx)
	}
	if o.trigger != nil {
		o.trigger.SweepReactions(ctx)
	}
	if o.cfg.RetentionDays > 0 {
		cutoff := NowUnix() - int64(o.cfg.RetentionDays)*86400
		if n, err := o.store.PruneMessages(ctx, cutoff); err != nil {
			o.logger.Warn("retention prune failed", "error", err)
		} else if n > 0 {
			o.logger.Info("pruned expired messages", "count", n)
		}
	}
}

// RunMaintenance drives Maintenance on a ticker until ctx is cancelled.
func (o *Orchestrator) RunMaintenance(ctx context.Context, interval time.Duration) {
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
			o.Maintenance(ctx)
		}
	}
}

// Shutdown flushes open windows as shutdown-closed and dispatches them, then
// stops queue admissions so workers can drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, w := range o.windower.Flush() {
		o.dispatchWindow(ctx, w)
	}
	if o.queue != nil {
		o.queue.Close()
	}
}

// SkippedWindows returns the count of windows dropped by queue backpressure.
func (o *Orchestrator) SkippedWindows() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.skipped
}

func (o *Orchestrator) rememberOwn(chatID, messageID int64) {
	if messageID == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ownIDs[messageID] = chatID
	if len(o.ownIDs) > 4096 {
		o.ownIDs = map[int64]int64{messageID: chatID}
	}
}

func (o *Orchestrator) isOwnMessage(chatID, messageID int64) bool {
	if messageID == 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ownIDs[messageID] == chatID
}
