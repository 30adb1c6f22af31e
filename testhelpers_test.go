package banter

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// stubProvider returns canned responses in order, then repeats the last one.
type stubProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error
	calls     []ChatRequest
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	i := len(s.calls) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return ChatResponse{}, s.errs[i]
	}
	if len(s.responses) == 0 {
		return ChatResponse{Content: "ok"}, nil
	}
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func (s *stubProvider) ChatWithTools(ctx context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	return s.Chat(ctx, req)
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// stubEmbedder returns a deterministic unit-ish vector per distinct text.
// Identical texts embed identically; distinct texts are nearly orthogonal
// unless an explicit vector is registered.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{}}
}

func (s *stubEmbedder) set(text string, v []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[text] = v
}

func (s *stubEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	// Hash the text into a sparse 8-dim vector.
	v := make([]float32, 8)
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	v[h%8] = 1
	v[(h>>8)%8] += 0.3
	return v, nil
}

// memStore is an in-memory Store for pipeline tests. Only the behavior the
// tests exercise is faithful; everything else is a best-effort approximation.
type memStore struct {
	mu sync.Mutex

	messages  map[int64]map[int64]Message // chatID -> msgID
	profiles  map[[2]int64]Profile
	facts     map[int64]Fact
	versions  map[int64][]FactVersion
	windows   map[int64]Window
	episodes  map[int64]Episode
	proactive map[int64]ProactiveEvent
	cache     map[string]CacheEntry
	metrics   map[int64]QualityMetrics

	nextFactID   int64
	nextWindowID int64
	nextEventID  int64
	nextEpID     int64

	failApply error // force ApplyFactChanges to fail
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		messages:  map[int64]map[int64]Message{},
		profiles:  map[[2]int64]Profile{},
		facts:     map[int64]Fact{},
		versions:  map[int64][]FactVersion{},
		windows:   map[int64]Window{},
		episodes:  map[int64]Episode{},
		proactive: map[int64]ProactiveEvent{},
		cache:     map[string]CacheEntry{},
		metrics:   map[int64]QualityMetrics{},
	}
}

func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) StoreMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat := m.messages[msg.ChatID]
	if chat == nil {
		chat = map[int64]Message{}
		m.messages[msg.ChatID] = chat
	}
	if _, exists := chat[msg.ID]; exists {
		return nil
	}
	chat[msg.ID] = msg
	return nil
}

func (m *memStore) RecentMessages(_ context.Context, chatID, threadID int64, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages[chatID] {
		if msg.ThreadID == threadID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) SearchMessagesKeyword(_ context.Context, chatID int64, query string, topK int) ([]ScoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredMessage
	for _, msg := range m.messages[chatID] {
		text := strings.ToLower(msg.Text)
		for _, tok := range strings.Fields(strings.ToLower(query)) {
			if len(tok) > 2 && strings.Contains(text, tok) {
				out = append(out, ScoredMessage{Message: msg, Score: 1})
				break
			}
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) SearchMessagesSemantic(_ context.Context, chatID int64, embedding []float32, topK int) ([]ScoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredMessage
	for _, msg := range m.messages[chatID] {
		if len(msg.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredMessage{Message: msg, Score: CosineSimilarity(embedding, msg.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) SetMessageEmbedding(_ context.Context, chatID, messageID int64, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[chatID][messageID]; ok {
		msg.Embedding = embedding
		m.messages[chatID][messageID] = msg
	}
	return nil
}

func (m *memStore) PruneMessages(_ context.Context, cutoff int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, chat := range m.messages {
		for id, msg := range chat {
			if msg.Timestamp < cutoff && !msg.RetentionFlag {
				delete(chat, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *memStore) TouchProfile(_ context.Context, userID, chatID int64, displayName string, seenAt int64) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{userID, chatID}
	p, ok := m.profiles[key]
	if !ok {
		p = Profile{UserID: userID, ChatID: chatID, DisplayName: displayName, FirstSeen: seenAt}
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.LastSeen = seenAt
	p.InteractionCount++
	m.profiles[key] = p
	return p, nil
}

func (m *memStore) GetProfile(_ context.Context, userID, chatID int64) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[[2]int64{userID, chatID}]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *memStore) UpdateProfileSummary(_ context.Context, userID, chatID int64, summary string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{userID, chatID}
	p := m.profiles[key]
	p.UserID, p.ChatID = userID, chatID
	p.SummaryText = summary
	p.SummaryVersion++
	p.SummaryUpdatedAt = at
	m.profiles[key] = p
	return nil
}

func (m *memStore) ActiveFacts(_ context.Context, userID, chatID int64) ([]Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Fact
	for _, f := range m.facts {
		if f.UserID == userID && f.ChatID == chatID && f.IsActive {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) FindInactiveFact(_ context.Context, userID, chatID int64, factType, key, canonical string) (Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best Fact
	for _, f := range m.facts {
		if f.UserID == userID && f.ChatID == chatID && !f.IsActive &&
			f.Type == factType && f.Key == key && f.ValueCanonical == canonical && f.ID > best.ID {
			best = f
		}
	}
	if best.ID == 0 {
		return Fact{}, ErrNotFound
	}
	return best, nil
}

func (m *memStore) SearchFactsSemantic(_ context.Context, userID, chatID int64, embedding []float32, topK int) ([]ScoredFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredFact
	for _, f := range m.facts {
		if f.UserID != userID || f.ChatID != chatID || !f.IsActive || len(f.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredFact{Fact: f, Score: CosineSimilarity(embedding, f.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memStore) ApplyFactChanges(_ context.Context, windowID int64, changes []FactChange, metrics QualityMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failApply != nil {
		return m.failApply
	}

	ids := make([]int64, len(changes))
	// First pass: assign ids to creations.
	for i, ch := range changes {
		if ch.Kind == ChangeCreation {
			m.nextFactID++
			ids[i] = m.nextFactID
		}
	}
	for i, ch := range changes {
		factID := ch.FactID
		if factID == 0 && ch.TargetIndex >= 0 {
			factID = ids[ch.TargetIndex]
		}
		if factID == 0 {
			factID = ids[i]
		}

		switch ch.Kind {
		case ChangeCreation, ChangeCorrection:
			f := ch.Fact
			f.ID = factID
			f.IsActive = true
			m.facts[factID] = f
		case ChangeReinforcement, ChangeEvolution:
			f := m.facts[factID]
			if f.ID == 0 {
				f = ch.Fact
				f.ID = factID
			}
			f.ValueCanonical = ch.NewValue
			f.Confidence = ch.NewConfidence
			f.LastReinforcedAt = ch.Fact.LastReinforcedAt
			f.LastDecayedAt = ch.Fact.LastDecayedAt
			if len(ch.Fact.Embedding) > 0 {
				f.Embedding = ch.Fact.Embedding
			}
			m.facts[factID] = f
		case ChangeSupersession:
			f := m.facts[factID]
			f.IsActive = false
			m.facts[factID] = f
		}

		delta := ch.NewConfidence - ch.OldConfidence
		if ch.Kind == ChangeCreation {
			delta = ch.NewConfidence
		}
		m.versions[factID] = append(m.versions[factID], FactVersion{
			FactID:          factID,
			VersionNumber:   len(m.versions[factID]) + 1,
			ChangeType:      ch.Kind,
			OldValue:        ch.OldValue,
			NewValue:        ch.NewValue,
			OldConfidence:   ch.OldConfidence,
			NewConfidence:   ch.NewConfidence,
			DeltaConfidence: delta,
			Reason:          ch.Reason,
		})
	}
	m.metrics[windowID] = metrics
	return nil
}

func (m *memStore) FactVersions(_ context.Context, factID int64) ([]FactVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FactVersion(nil), m.versions[factID]...), nil
}

func (m *memStore) CreateWindow(_ context.Context, w Window) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWindowID++
	w.ID = m.nextWindowID
	m.windows[w.ID] = w
	return w.ID, nil
}

func (m *memStore) markWindow(windowID int64, set func(*Window)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[windowID]
	if !ok {
		return ErrNotFound
	}
	set(&w)
	m.windows[windowID] = w
	return nil
}

func (m *memStore) MarkWindowProcessed(_ context.Context, windowID int64) error {
	return m.markWindow(windowID, func(w *Window) { w.Processed = true })
}

func (m *memStore) MarkWindowFailed(_ context.Context, windowID int64) error {
	return m.markWindow(windowID, func(w *Window) { w.Processed = false })
}

func (m *memStore) MarkWindowSkipped(_ context.Context, windowID int64) error {
	return m.markWindow(windowID, func(w *Window) { w.Skipped = true })
}

func (m *memStore) StoreEpisode(_ context.Context, ep Episode) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEpID++
	ep.ID = m.nextEpID
	m.episodes[ep.ID] = ep
	return ep.ID, nil
}

func (m *memStore) RecentEpisodes(_ context.Context, chatID int64, limit int) ([]Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Episode
	for _, ep := range m.episodes {
		if ep.ChatID == chatID {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt > out[j].LastAccessedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) TouchEpisodes(_ context.Context, ids []int64, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if ep, ok := m.episodes[id]; ok {
			ep.LastAccessedAt = at
			m.episodes[id] = ep
		}
	}
	return nil
}

func (m *memStore) RecordProactiveSuppress(_ context.Context, ev ProactiveEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.ID = m.nextEventID
	ev.Decision = DecisionSuppress
	m.proactive[ev.ID] = ev
	return ev.ID, nil
}

func (m *memStore) RecordProactiveSend(_ context.Context, ev ProactiveEvent, minGapSeconds int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.proactive {
		if prev.ChatID == ev.ChatID && prev.Decision == DecisionSend && ev.CreatedAt-prev.CreatedAt < minGapSeconds {
			return 0, ErrCooldownActive
		}
	}
	m.nextEventID++
	ev.ID = m.nextEventID
	ev.Decision = DecisionSend
	m.proactive[ev.ID] = ev
	return ev.ID, nil
}

func (m *memStore) ProactiveHistory(_ context.Context, chatID, userID int64, limit int) ([]ProactiveEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProactiveEvent
	for _, ev := range m.proactive {
		if ev.ChatID == chatID && (userID == 0 || ev.UserID == userID) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) LastProactiveSend(_ context.Context, chatID, userID int64, intent IntentType) (ProactiveEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best ProactiveEvent
	for _, ev := range m.proactive {
		if ev.ChatID != chatID || ev.Decision != DecisionSend {
			continue
		}
		if userID != 0 && ev.UserID != userID {
			continue
		}
		if intent != "" && ev.IntentType != intent {
			continue
		}
		if ev.CreatedAt > best.CreatedAt {
			best = ev
		}
	}
	if best.ID == 0 {
		return ProactiveEvent{}, ErrNotFound
	}
	return best, nil
}

func (m *memStore) CountProactiveSends(_ context.Context, chatID int64, since int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.proactive {
		if ev.ChatID == chatID && ev.Decision == DecisionSend && ev.CreatedAt >= since {
			n++
		}
	}
	return n, nil
}

func (m *memStore) SetProactiveReaction(_ context.Context, eventID int64, r Reaction, delayMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.proactive[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.UserReaction = r
	ev.ReactionDelayMs = delayMs
	m.proactive[eventID] = ev
	return nil
}

func (m *memStore) PendingReactionEvents(_ context.Context, cutoff int64) ([]ProactiveEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProactiveEvent
	for _, ev := range m.proactive {
		if ev.Decision == DecisionSend && ev.UserReaction == "" && ev.CreatedAt < cutoff {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *memStore) GetCachedEmbedding(_ context.Context, textSHA256, modelID string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[textSHA256+"|"+modelID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Vector, nil
}

func (m *memStore) PutCachedEmbedding(_ context.Context, entry CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[entry.TextSHA256+"|"+entry.ModelID] = entry
	return nil
}

func (m *memStore) allActiveFacts() []Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Fact
	for _, f := range m.facts {
		if f.IsActive {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
