package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nevindra/banter"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessage(t *testing.T, s *Store, msg banter.Message) {
	t.Helper()
	if err := s.StoreMessage(context.Background(), msg); err != nil {
		t.Fatalf("StoreMessage(%d): %v", msg.ID, err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedMessage(t, s, banter.Message{
		ID: 1, ChatID: -100, UserID: 10, AuthorName: "ann",
		Text: "hello there", Timestamp: 1000,
		Media: []string{"photo:abc"}, ReplyToID: 0,
	})
	seedMessage(t, s, banter.Message{
		ID: 2, ChatID: -100, UserID: 11, AuthorName: "bob",
		Text: "hi ann", Timestamp: 1001, ReplyToID: 1, IsFromSelf: true,
	})

	messages, err := s.RecentMessages(ctx, -100, 0, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].ID != 1 || messages[1].ID != 2 {
		t.Errorf("order = [%d %d], want chronological [1 2]", messages[0].ID, messages[1].ID)
	}
	if messages[0].Media[0] != "photo:abc" {
		t.Errorf("media = %v", messages[0].Media)
	}
	if !messages[1].IsFromSelf || messages[1].ReplyToID != 1 {
		t.Errorf("second message = %+v", messages[1])
	}
}

func TestMessageDuplicateIngestIsNoop(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := banter.Message{ID: 1, ChatID: -100, UserID: 10, Text: "first write", Timestamp: 1000}
	seedMessage(t, s, msg)
	msg.Text = "second write must not win"
	seedMessage(t, s, msg)

	messages, err := s.RecentMessages(ctx, -100, 0, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if messages[0].Text != "first write" {
		t.Errorf("text = %q, first write must win", messages[0].Text)
	}
}

func TestKeywordSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedMessage(t, s, banter.Message{ID: 1, ChatID: -100, UserID: 10, Text: "the deploy pipeline broke again", Timestamp: 1000})
	seedMessage(t, s, banter.Message{ID: 2, ChatID: -100, UserID: 11, Text: "lunch anyone?", Timestamp: 1001})
	seedMessage(t, s, banter.Message{ID: 3, ChatID: -200, UserID: 10, Text: "deploy went fine here", Timestamp: 1002})

	hits, err := s.SearchMessagesKeyword(ctx, -100, "deploy pipeline", 10)
	if err != nil {
		t.Fatalf("SearchMessagesKeyword: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1 (other chat must be excluded)", len(hits))
	}
	if hits[0].Message.ID != 1 {
		t.Errorf("hit = %d, want 1", hits[0].Message.ID)
	}
	if hits[0].Score <= 0 {
		t.Errorf("score = %f, want > 0", hits[0].Score)
	}
}

func TestKeywordSearchEmptyQuery(t *testing.T) {
	s := testStore(t)
	hits, err := s.SearchMessagesKeyword(context.Background(), -100, "a ?!", 10)
	if err != nil {
		t.Fatalf("SearchMessagesKeyword: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits for a query with no usable tokens", len(hits))
	}
}

func TestSemanticSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedMessage(t, s, banter.Message{ID: 1, ChatID: -100, UserID: 10, Text: "about cats", Timestamp: 1000, Embedding: []float32{1, 0, 0}})
	seedMessage(t, s, banter.Message{ID: 2, ChatID: -100, UserID: 10, Text: "about dogs", Timestamp: 1001, Embedding: []float32{0, 1, 0}})
	seedMessage(t, s, banter.Message{ID: 3, ChatID: -100, UserID: 10, Text: "no embedding", Timestamp: 1002})

	hits, err := s.SearchMessagesSemantic(ctx, -100, []float32{0.9, 0.1, 0}, 1)
	if err != nil {
		t.Fatalf("SearchMessagesSemantic: %v", err)
	}
	if len(hits) != 1 || hits[0].Message.ID != 1 {
		t.Fatalf("hits = %+v, want message 1", hits)
	}
	if hits[0].Score < 0.9 {
		t.Errorf("score = %f, want ~0.99", hits[0].Score)
	}
}

func TestSetMessageEmbedding(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedMessage(t, s, banter.Message{ID: 1, ChatID: -100, UserID: 10, Text: "late embed", Timestamp: 1000})
	if err := s.SetMessageEmbedding(ctx, -100, 1, []float32{0, 0, 1}); err != nil {
		t.Fatalf("SetMessageEmbedding: %v", err)
	}

	hits, err := s.SearchMessagesSemantic(ctx, -100, []float32{0, 0, 1}, 1)
	if err != nil {
		t.Fatalf("SearchMessagesSemantic: %v", err)
	}
	if len(hits) != 1 || hits[0].Score < 0.99 {
		t.Fatalf("hits = %+v, want one exact match", hits)
	}
}

func TestPruneRespectsRetentionFlag(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedMessage(t, s, banter.Message{ID: 1, ChatID: -100, UserID: 10, Text: "old disposable", Timestamp: 100})
	seedMessage(t, s, banter.Message{ID: 2, ChatID: -100, UserID: 10, Text: "old but kept", Timestamp: 100, RetentionFlag: true})
	seedMessage(t, s, banter.Message{ID: 3, ChatID: -100, UserID: 10, Text: "fresh", Timestamp: 5000})

	n, err := s.PruneMessages(ctx, 1000)
	if err != nil {
		t.Fatalf("PruneMessages: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	messages, err := s.RecentMessages(ctx, -100, 0, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	// The pruned message must also be gone from full-text search.
	hits, err := s.SearchMessagesKeyword(ctx, -100, "disposable", 10)
	if err != nil {
		t.Fatalf("SearchMessagesKeyword: %v", err)
	}
	if len(hits) != 0 {
		t.Error("pruned message still in the full-text index")
	}
}

func TestTouchProfile(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.TouchProfile(ctx, 10, -100, "ann", 1000)
	if err != nil {
		t.Fatalf("TouchProfile: %v", err)
	}
	if p.FirstSeen != 1000 || p.InteractionCount != 1 {
		t.Errorf("profile = %+v", p)
	}

	p, err = s.TouchProfile(ctx, 10, -100, "", 2000)
	if err != nil {
		t.Fatalf("TouchProfile again: %v", err)
	}
	if p.FirstSeen != 1000 {
		t.Errorf("first_seen changed to %d", p.FirstSeen)
	}
	if p.LastSeen != 2000 || p.InteractionCount != 2 {
		t.Errorf("profile = %+v, want last_seen 2000, count 2", p)
	}
	if p.DisplayName != "ann" {
		t.Errorf("empty display name wiped the stored one: %q", p.DisplayName)
	}
}

func TestGetProfileMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.GetProfile(context.Background(), 999, -100)
	if !errors.Is(err, banter.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateProfileSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.TouchProfile(ctx, 10, -100, "ann", 1000); err != nil {
		t.Fatalf("TouchProfile: %v", err)
	}
	if err := s.UpdateProfileSummary(ctx, 10, -100, "prefers terse answers", 2000); err != nil {
		t.Fatalf("UpdateProfileSummary: %v", err)
	}
	p, err := s.GetProfile(ctx, 10, -100)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.SummaryText != "prefers terse answers" || p.SummaryVersion != 1 || p.SummaryUpdatedAt != 2000 {
		t.Errorf("profile = %+v", p)
	}
}

func newFact(userID int64, key, value string, conf float64) banter.Fact {
	return banter.Fact{
		UserID: userID, ChatID: -100, Type: "personal", Key: key,
		ValueCanonical: value, Confidence: conf, Source: banter.SourceRule,
		CreatedAt: 1000, LastReinforcedAt: 1000,
	}
}

func TestApplyFactChangesCreation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	changes := []banter.FactChange{{
		Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1,
		Fact:     newFact(10, "location", "kyiv", 0.8),
		NewValue: "kyiv", NewConfidence: 0.8,
	}}
	metrics := banter.QualityMetrics{WindowID: 1, Candidates: 1, Created: 1, CreatedAt: 1000}
	if err := s.ApplyFactChanges(ctx, 1, changes, metrics); err != nil {
		t.Fatalf("ApplyFactChanges: %v", err)
	}

	facts, err := s.ActiveFacts(ctx, 10, -100)
	if err != nil {
		t.Fatalf("ActiveFacts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("got %d facts, want 1", len(facts))
	}
	if facts[0].ValueCanonical != "kyiv" || !facts[0].IsActive {
		t.Errorf("fact = %+v", facts[0])
	}

	versions, err := s.FactVersions(ctx, facts[0].ID)
	if err != nil {
		t.Fatalf("FactVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("got %d versions, want 1", len(versions))
	}
	if versions[0].VersionNumber != 1 || versions[0].ChangeType != banter.ChangeCreation {
		t.Errorf("version = %+v", versions[0])
	}
	if versions[0].DeltaConfidence != 0.8 {
		t.Errorf("delta = %f, want 0.8 (creation delta equals initial confidence)", versions[0].DeltaConfidence)
	}
}

func TestApplyFactChangesReinforcementVersionSequence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	create := []banter.FactChange{{
		Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1,
		Fact: newFact(10, "location", "kyiv", 0.8), NewValue: "kyiv", NewConfidence: 0.8,
	}}
	if err := s.ApplyFactChanges(ctx, 1, create, banter.QualityMetrics{CreatedAt: 1000}); err != nil {
		t.Fatalf("creation batch: %v", err)
	}
	facts, _ := s.ActiveFacts(ctx, 10, -100)
	id := facts[0].ID

	updated := facts[0]
	updated.Confidence = 0.9
	updated.LastReinforcedAt = 2000
	reinforce := []banter.FactChange{{
		Kind: banter.ChangeReinforcement, FactID: id, TargetIndex: -1, WinnerIndex: -1,
		Fact:     updated,
		OldValue: "kyiv", OldConfidence: 0.8, NewValue: "kyiv", NewConfidence: 0.9,
	}}
	if err := s.ApplyFactChanges(ctx, 2, reinforce, banter.QualityMetrics{CreatedAt: 2000}); err != nil {
		t.Fatalf("reinforcement batch: %v", err)
	}

	versions, err := s.FactVersions(ctx, id)
	if err != nil {
		t.Fatalf("FactVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}
	if versions[1].VersionNumber != 2 || versions[1].ChangeType != banter.ChangeReinforcement {
		t.Errorf("second version = %+v", versions[1])
	}

	facts, _ = s.ActiveFacts(ctx, 10, -100)
	if facts[0].Confidence != 0.9 || facts[0].LastReinforcedAt != 2000 {
		t.Errorf("fact after reinforcement = %+v", facts[0])
	}
}

func TestApplyFactChangesSupersessionResolvesWinnerIndex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	create := []banter.FactChange{{
		Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1,
		Fact: newFact(10, "location", "kyiv", 0.8), NewValue: "kyiv", NewConfidence: 0.8,
	}}
	if err := s.ApplyFactChanges(ctx, 1, create, banter.QualityMetrics{CreatedAt: 1000}); err != nil {
		t.Fatalf("creation batch: %v", err)
	}
	facts, _ := s.ActiveFacts(ctx, 10, -100)
	loserID := facts[0].ID

	// One batch: create the winner, supersede the old fact pointing at it by
	// index within the batch.
	loser := facts[0]
	loser.LastDecayedAt = 3000
	batch := []banter.FactChange{
		{
			Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1,
			Fact: newFact(10, "location", "lviv", 0.85), NewValue: "lviv", NewConfidence: 0.85,
		},
		{
			Kind: banter.ChangeSupersession, FactID: loserID, TargetIndex: -1, WinnerIndex: 0,
			Fact:     loser,
			OldValue: "kyiv", OldConfidence: 0.8, NewValue: "kyiv", NewConfidence: 0.8,
		},
	}
	if err := s.ApplyFactChanges(ctx, 2, batch, banter.QualityMetrics{CreatedAt: 3000}); err != nil {
		t.Fatalf("supersession batch: %v", err)
	}

	facts, _ = s.ActiveFacts(ctx, 10, -100)
	if len(facts) != 1 || facts[0].ValueCanonical != "lviv" {
		t.Fatalf("active facts = %+v, want only lviv", facts)
	}

	versions, err := s.FactVersions(ctx, loserID)
	if err != nil {
		t.Fatalf("FactVersions: %v", err)
	}
	last := versions[len(versions)-1]
	if last.ChangeType != banter.ChangeSupersession {
		t.Fatalf("last version = %+v", last)
	}
	if last.Reason == "" {
		t.Error("supersession reason must name the winning fact")
	}
}

func TestApplyFactChangesAtomicOnError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	create := []banter.FactChange{{
		Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1,
		Fact: newFact(10, "location", "kyiv", 0.8), NewValue: "kyiv", NewConfidence: 0.8,
	}}
	if err := s.ApplyFactChanges(ctx, 1, create, banter.QualityMetrics{CreatedAt: 1000}); err != nil {
		t.Fatalf("creation batch: %v", err)
	}

	// Second batch violates the active-identity unique index on its second
	// change; the first change must roll back with it.
	bad := []banter.FactChange{
		{
			Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1,
			Fact: newFact(10, "hobby", "chess", 0.7), NewValue: "chess", NewConfidence: 0.7,
		},
		{
			Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1,
			Fact: newFact(10, "location", "kyiv", 0.9), NewValue: "kyiv", NewConfidence: 0.9,
		},
	}
	if err := s.ApplyFactChanges(ctx, 2, bad, banter.QualityMetrics{CreatedAt: 2000}); err == nil {
		t.Fatal("duplicate active identity must fail the batch")
	}

	facts, _ := s.ActiveFacts(ctx, 10, -100)
	if len(facts) != 1 {
		t.Fatalf("got %d facts, want 1 (bad batch must roll back entirely)", len(facts))
	}
}

func TestSearchFactsSemantic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cat := newFact(10, "pet", "cat", 0.8)
	cat.Embedding = []float32{1, 0}
	hobby := newFact(10, "hobby", "chess", 0.8)
	hobby.Embedding = []float32{0, 1}
	batch := []banter.FactChange{
		{Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1, Fact: cat, NewValue: "cat", NewConfidence: 0.8},
		{Kind: banter.ChangeCreation, TargetIndex: -1, WinnerIndex: -1, Fact: hobby, NewValue: "chess", NewConfidence: 0.8},
	}
	if err := s.ApplyFactChanges(ctx, 1, batch, banter.QualityMetrics{CreatedAt: 1000}); err != nil {
		t.Fatalf("ApplyFactChanges: %v", err)
	}

	hits, err := s.SearchFactsSemantic(ctx, 10, -100, []float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("SearchFactsSemantic: %v", err)
	}
	if len(hits) != 1 || hits[0].Fact.ValueCanonical != "cat" {
		t.Fatalf("hits = %+v, want the cat fact", hits)
	}
}

func TestWindowLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.CreateWindow(ctx, banter.Window{
		ChatID: -100, FirstMessageID: 1, LastMessageID: 5, MessageCount: 5,
		Participants: []int64{10, 11}, OpenedAt: 1000, ClosedAt: 1100,
		ClosureReason: banter.CloseSize, DominantValue: banter.LabelMedium,
	})
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	if id == 0 {
		t.Fatal("window id is zero")
	}
	if err := s.MarkWindowProcessed(ctx, id); err != nil {
		t.Fatalf("MarkWindowProcessed: %v", err)
	}
	if err := s.MarkWindowSkipped(ctx, 999); !errors.Is(err, banter.ErrNotFound) {
		t.Fatalf("marking a missing window: err = %v, want ErrNotFound", err)
	}
}

func TestEpisodeRoundTripAndTouch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id1, err := s.StoreEpisode(ctx, banter.Episode{
		ChatID: -100, Topic: "deploy outage", Summary: "pipeline broke, ann fixed it",
		MessageIDs: []int64{1, 2, 3}, Participants: []int64{10, 11},
		Importance: 0.7, Valence: banter.ValenceNegative, Tags: []string{"ops"},
		CreatedAt: 1000, LastAccessedAt: 1000,
	})
	if err != nil {
		t.Fatalf("StoreEpisode: %v", err)
	}
	id2, err := s.StoreEpisode(ctx, banter.Episode{
		ChatID: -100, Topic: "lunch plans", Summary: "pizza on friday",
		Importance: 0.2, Valence: banter.ValencePositive,
		CreatedAt: 2000, LastAccessedAt: 2000,
	})
	if err != nil {
		t.Fatalf("StoreEpisode: %v", err)
	}

	episodes, err := s.RecentEpisodes(ctx, -100, 10)
	if err != nil {
		t.Fatalf("RecentEpisodes: %v", err)
	}
	if len(episodes) != 2 || episodes[0].ID != id2 {
		t.Fatalf("episodes = %+v, want newest-accessed first", episodes)
	}
	if episodes[1].MessageIDs[0] != 1 || episodes[1].Participants[1] != 11 {
		t.Errorf("episode arrays = %+v", episodes[1])
	}

	if err := s.TouchEpisodes(ctx, []int64{id1}, 3000); err != nil {
		t.Fatalf("TouchEpisodes: %v", err)
	}
	episodes, _ = s.RecentEpisodes(ctx, -100, 10)
	if episodes[0].ID != id1 {
		t.Errorf("touched episode must sort first, got %d", episodes[0].ID)
	}
}

func TestProactiveSendCooldownInTransaction(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ev := banter.ProactiveEvent{
		ChatID: -100, WindowID: 1, UserID: 10,
		IntentType: banter.IntentQuestion, IntentConfidence: 0.9,
		AdjustedConfidence: 0.9, ResponseMessageID: 500, CreatedAt: 1000,
	}
	if _, err := s.RecordProactiveSend(ctx, ev, 300); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ev.CreatedAt = 1100
	if _, err := s.RecordProactiveSend(ctx, ev, 300); !errors.Is(err, banter.ErrCooldownActive) {
		t.Fatalf("second send inside gap: err = %v, want ErrCooldownActive", err)
	}

	ev.CreatedAt = 1400
	if _, err := s.RecordProactiveSend(ctx, ev, 300); err != nil {
		t.Fatalf("send after gap: %v", err)
	}

	n, err := s.CountProactiveSends(ctx, -100, 0)
	if err != nil {
		t.Fatalf("CountProactiveSends: %v", err)
	}
	if n != 2 {
		t.Errorf("sends = %d, want 2 (blocked attempt must not persist)", n)
	}
}

func TestLastProactiveSendFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := banter.ProactiveEvent{ChatID: -100, ResponseMessageID: 500}
	base.UserID, base.IntentType, base.CreatedAt = 10, banter.IntentQuestion, 1000
	if _, err := s.RecordProactiveSend(ctx, base, 0); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	base.UserID, base.IntentType, base.CreatedAt = 11, banter.IntentProblem, 2000
	if _, err := s.RecordProactiveSend(ctx, base, 0); err != nil {
		t.Fatalf("send 2: %v", err)
	}

	last, err := s.LastProactiveSend(ctx, -100, 0, "")
	if err != nil {
		t.Fatalf("LastProactiveSend: %v", err)
	}
	if last.UserID != 11 {
		t.Errorf("unfiltered last = user %d, want 11", last.UserID)
	}

	last, err = s.LastProactiveSend(ctx, -100, 10, "")
	if err != nil {
		t.Fatalf("LastProactiveSend user filter: %v", err)
	}
	if last.IntentType != banter.IntentQuestion {
		t.Errorf("user-filtered last = %+v", last)
	}

	if _, err := s.LastProactiveSend(ctx, -100, 0, banter.IntentOpportunity); !errors.Is(err, banter.ErrNotFound) {
		t.Fatalf("missing intent: err = %v, want ErrNotFound", err)
	}
}

func TestReactionSweep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ev := banter.ProactiveEvent{
		ChatID: -100, UserID: 10, IntentType: banter.IntentQuestion,
		ResponseMessageID: 500, CreatedAt: 1000,
	}
	id, err := s.RecordProactiveSend(ctx, ev, 0)
	if err != nil {
		t.Fatalf("RecordProactiveSend: %v", err)
	}

	pending, err := s.PendingReactionEvents(ctx, 2000)
	if err != nil {
		t.Fatalf("PendingReactionEvents: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v, want the sent event", pending)
	}

	if err := s.SetProactiveReaction(ctx, id, banter.ReactionIgnored, 0); err != nil {
		t.Fatalf("SetProactiveReaction: %v", err)
	}
	pending, _ = s.PendingReactionEvents(ctx, 2000)
	if len(pending) != 0 {
		t.Errorf("reacted event still pending: %+v", pending)
	}

	history, err := s.ProactiveHistory(ctx, -100, 10, 10)
	if err != nil {
		t.Fatalf("ProactiveHistory: %v", err)
	}
	if len(history) != 1 || history[0].UserReaction != banter.ReactionIgnored {
		t.Errorf("history = %+v", history)
	}
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetCachedEmbedding(ctx, "abc", "model-1"); !errors.Is(err, banter.ErrNotFound) {
		t.Fatalf("miss: err = %v, want ErrNotFound", err)
	}

	entry := banter.CacheEntry{
		TextSHA256: "abc", ModelID: "model-1", Vector: []float32{0.1, 0.2},
		CreatedAt: 1000, LastAccessedAt: 1000, AccessCount: 1,
	}
	if err := s.PutCachedEmbedding(ctx, entry); err != nil {
		t.Fatalf("PutCachedEmbedding: %v", err)
	}

	vec, err := s.GetCachedEmbedding(ctx, "abc", "model-1")
	if err != nil {
		t.Fatalf("GetCachedEmbedding: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.1 {
		t.Errorf("vector = %v", vec)
	}

	// Different model id is a separate entry.
	if _, err := s.GetCachedEmbedding(ctx, "abc", "model-2"); !errors.Is(err, banter.ErrNotFound) {
		t.Fatalf("cross-model: err = %v, want ErrNotFound", err)
	}
}
