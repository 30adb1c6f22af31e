package banter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func triggerWindow(now int64) Window {
	w := Window{ID: 7, ChatID: -100, MessageCount: 4, Participants: []int64{10, 11}}
	for i := int64(0); i < 4; i++ {
		w.Messages = append(w.Messages, Message{
			ID: i + 1, ChatID: -100, UserID: 10 + i%2, AuthorName: "user",
			Text: "how do we migrate the database?", Timestamp: now - 60 + i,
		})
	}
	return w
}

func questionProvider(conf float64) *stubProvider {
	return &stubProvider{responses: []ChatResponse{{
		Content: fmt.Sprintf(`{"intent":"QUESTION","confidence":%v}`, conf),
	}}}
}

func newTestTrigger(store *memStore, provider Provider, cfg ProactiveConfig, now int64) *Trigger {
	cfg.Enabled = true
	intent := NewIntentClassifier(provider, nil, nil)
	tr := NewTrigger(store, intent, cfg)
	tr.now = func() int64 { return now }
	return tr
}

func TestTriggerSends(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	tr := newTestTrigger(store, questionProvider(0.9), ProactiveConfig{}, now)

	res, err := tr.Evaluate(context.Background(), triggerWindow(now), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionSend {
		t.Fatalf("decision = %s (%s), want SEND", res.Decision, res.BlockReason)
	}
	if res.AdjustedConfidence != 0.9 {
		t.Errorf("adjusted confidence = %v, want 0.9 (mu=1 with no history)", res.AdjustedConfidence)
	}

	id, err := tr.RecordSend(context.Background(), triggerWindow(now), res, 555)
	if err != nil {
		t.Fatalf("RecordSend: %v", err)
	}
	if id == 0 {
		t.Fatal("RecordSend returned zero id")
	}
}

func TestTriggerDisabled(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	intent := NewIntentClassifier(questionProvider(0.9), nil, nil)
	tr := NewTrigger(store, intent, ProactiveConfig{})
	tr.now = func() int64 { return now }

	res, err := tr.Evaluate(context.Background(), triggerWindow(now), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionSuppress || res.BlockReason != "disabled" {
		t.Errorf("result = %+v, want SUPPRESS/disabled", res)
	}
}

func TestTriggerOrderedChecks(t *testing.T) {
	now := int64(1_700_000_000)

	t.Run("window too small", func(t *testing.T) {
		tr := newTestTrigger(newMemStore(), questionProvider(0.9), ProactiveConfig{}, now)
		w := triggerWindow(now)
		w.MessageCount = 2
		res, _ := tr.Evaluate(context.Background(), w, nil)
		if res.BlockReason != "window_too_small" {
			t.Errorf("reason = %q", res.BlockReason)
		}
	})

	t.Run("agent participated", func(t *testing.T) {
		tr := newTestTrigger(newMemStore(), questionProvider(0.9), ProactiveConfig{}, now)
		w := triggerWindow(now)
		w.Messages[1].IsFromSelf = true
		res, _ := tr.Evaluate(context.Background(), w, nil)
		if res.BlockReason != "agent_participated" {
			t.Errorf("reason = %q", res.BlockReason)
		}
	})

	t.Run("stale window", func(t *testing.T) {
		tr := newTestTrigger(newMemStore(), questionProvider(0.9), ProactiveConfig{}, now+1000)
		res, _ := tr.Evaluate(context.Background(), triggerWindow(now), nil)
		if res.BlockReason != "window_stale" {
			t.Errorf("reason = %q", res.BlockReason)
		}
	})

	t.Run("no intent", func(t *testing.T) {
		provider := &stubProvider{responses: []ChatResponse{{Content: `{"intent":"NONE","confidence":0}`}}}
		tr := newTestTrigger(newMemStore(), provider, ProactiveConfig{}, now)
		res, _ := tr.Evaluate(context.Background(), triggerWindow(now), nil)
		if res.BlockReason != "no_intent" {
			t.Errorf("reason = %q", res.BlockReason)
		}
	})

	t.Run("low confidence", func(t *testing.T) {
		tr := newTestTrigger(newMemStore(), questionProvider(0.5), ProactiveConfig{}, now)
		res, _ := tr.Evaluate(context.Background(), triggerWindow(now), nil)
		if res.BlockReason != "low_confidence" {
			t.Errorf("reason = %q", res.BlockReason)
		}
	})
}

func TestTriggerGlobalCooldown(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	store.proactive[1] = ProactiveEvent{
		ID: 1, ChatID: -100, Decision: DecisionSend, CreatedAt: now - 200, ResponseMessageID: 50,
	}
	store.nextEventID = 1

	tr := newTestTrigger(store, questionProvider(0.9), ProactiveConfig{}, now)
	res, err := tr.Evaluate(context.Background(), triggerWindow(now), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionSuppress || res.BlockReason != "global_cooldown" {
		t.Errorf("result = %+v, want SUPPRESS/global_cooldown", res)
	}

	// The suppress decision itself is persisted.
	history, _ := store.ProactiveHistory(context.Background(), -100, 0, 10)
	var found bool
	for _, ev := range history {
		if ev.Decision == DecisionSuppress && ev.BlockReason == "global_cooldown" {
			found = true
		}
	}
	if !found {
		t.Error("suppress event with block reason not recorded")
	}
}

func TestTriggerRateLimit(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	// Six sends within the hour but outside every cooldown scope.
	for i := int64(0); i < 6; i++ {
		store.nextEventID++
		store.proactive[store.nextEventID] = ProactiveEvent{
			ID: store.nextEventID, ChatID: -100, UserID: 99,
			IntentType: IntentOpportunity, Decision: DecisionSend,
			CreatedAt: now - 3500 + i, ResponseMessageID: 50 + i,
		}
	}

	cfg := ProactiveConfig{
		GlobalCooldownSeconds: 1,
		UserCooldownSeconds:   1,
		IntentCooldownSeconds: 1,
	}
	tr := newTestTrigger(store, questionProvider(0.9), cfg, now)
	res, err := tr.Evaluate(context.Background(), triggerWindow(now), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.BlockReason != "rate_limited" {
		t.Errorf("reason = %q, want rate_limited", res.BlockReason)
	}
}

func TestTriggerConsecutiveIgnored(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	for i := int64(0); i < 3; i++ {
		store.nextEventID++
		store.proactive[store.nextEventID] = ProactiveEvent{
			ID: store.nextEventID, ChatID: -100, UserID: 10,
			Decision: DecisionSend, UserReaction: ReactionIgnored,
			CreatedAt: now - 90000*(i+1), ResponseMessageID: 50 + i,
		}
	}

	tr := newTestTrigger(store, questionProvider(0.95), ProactiveConfig{}, now)
	res, err := tr.Evaluate(context.Background(), triggerWindow(now), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.BlockReason != "consecutive_ignored" {
		t.Errorf("reason = %q, want consecutive_ignored", res.BlockReason)
	}
}

func TestTriggerPreferenceMultiplierBoost(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	// 2 of 3 positive: mu = 1.3, so 0.6 * 1.3 = 0.78 clears the bar.
	reactions := []Reaction{ReactionPositive, ReactionPositive, ReactionIgnored}
	for i, r := range reactions {
		store.nextEventID++
		store.proactive[store.nextEventID] = ProactiveEvent{
			ID: store.nextEventID, ChatID: -100, UserID: 10,
			Decision: DecisionSend, UserReaction: r,
			CreatedAt: now - 90000*int64(i+1), ResponseMessageID: int64(50 + i),
		}
	}

	tr := newTestTrigger(store, questionProvider(0.6), ProactiveConfig{}, now)
	res, err := tr.Evaluate(context.Background(), triggerWindow(now), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision != DecisionSend {
		t.Fatalf("decision = %s (%s), want SEND with boosted mu", res.Decision, res.BlockReason)
	}
}

func TestRecordSendRacesLoseToCooldown(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	tr := newTestTrigger(store, questionProvider(0.9), ProactiveConfig{}, now)

	res, _ := tr.Evaluate(context.Background(), triggerWindow(now), nil)
	if _, err := tr.RecordSend(context.Background(), triggerWindow(now), res, 555); err != nil {
		t.Fatalf("first RecordSend: %v", err)
	}
	_, err := tr.RecordSend(context.Background(), triggerWindow(now), res, 556)
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("second RecordSend error = %v, want ErrCooldownActive", err)
	}
}

func TestObserveReplyRecordsReaction(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	store.nextEventID = 1
	store.proactive[1] = ProactiveEvent{
		ID: 1, ChatID: -100, UserID: 10, Decision: DecisionSend,
		ResponseMessageID: 555, CreatedAt: now - 30,
	}

	tr := newTestTrigger(store, questionProvider(0.9), ProactiveConfig{}, now)

	handled := tr.ObserveReply(context.Background(), Message{
		ID: 600, ChatID: -100, UserID: 10, ReplyToID: 555,
		Text: "thanks, that worked", Timestamp: now,
	})
	if !handled {
		t.Fatal("reply to proactive response not handled")
	}
	if store.proactive[1].UserReaction != ReactionPositive {
		t.Errorf("reaction = %s, want positive", store.proactive[1].UserReaction)
	}
	if store.proactive[1].ReactionDelayMs != 30_000 {
		t.Errorf("delay = %d, want 30000", store.proactive[1].ReactionDelayMs)
	}
}

func TestObserveReplyNegative(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	store.nextEventID = 1
	store.proactive[1] = ProactiveEvent{
		ID: 1, ChatID: -100, UserID: 10, Decision: DecisionSend,
		ResponseMessageID: 555, CreatedAt: now - 30,
	}
	tr := newTestTrigger(store, questionProvider(0.9), ProactiveConfig{}, now)

	tr.ObserveReply(context.Background(), Message{
		ID: 600, ChatID: -100, UserID: 10, ReplyToID: 555,
		Text: "stop doing that, it's annoying", Timestamp: now,
	})
	if store.proactive[1].UserReaction != ReactionNegative {
		t.Errorf("reaction = %s, want negative", store.proactive[1].UserReaction)
	}
}

func TestSweepReactionsMarksIgnored(t *testing.T) {
	now := int64(1_700_000_000)
	store := newMemStore()
	store.nextEventID = 2
	store.proactive[1] = ProactiveEvent{
		ID: 1, ChatID: -100, Decision: DecisionSend, ResponseMessageID: 555,
		CreatedAt: now - 700,
	}
	store.proactive[2] = ProactiveEvent{
		ID: 2, ChatID: -100, Decision: DecisionSend, ResponseMessageID: 556,
		CreatedAt: now - 100,
	}

	tr := newTestTrigger(store, questionProvider(0.9), ProactiveConfig{}, now)
	if n := tr.SweepReactions(context.Background()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if store.proactive[1].UserReaction != ReactionIgnored {
		t.Errorf("old event reaction = %s, want ignored", store.proactive[1].UserReaction)
	}
	if store.proactive[2].UserReaction != "" {
		t.Errorf("recent event reaction = %s, want unset", store.proactive[2].UserReaction)
	}
}
