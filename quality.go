package banter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// ConflictWeights are the scoring weights for conflict resolution.
type ConflictWeights struct {
	Confidence float64
	Recency    float64
	Detail     float64
	Source     float64
}

// QualityConfig controls the fact quality pipeline.
type QualityConfig struct {
	// DedupSimilarity is the duplicate threshold. Default 0.85.
	DedupSimilarity float64
	// ConflictLow is the lower bound of the conflict band. Default 0.70.
	ConflictLow float64
	// HalfLifeDays drives exponential confidence decay. Default 90.
	HalfLifeDays float64
	// MinConfidence floors decay. Default 0.1.
	MinConfidence float64
	// Weights for conflict scoring. Defaults 0.40/0.30/0.20/0.10.
	Weights ConflictWeights
}

func (c *QualityConfig) applyDefaults() {
	if c.DedupSimilarity == 0 {
		c.DedupSimilarity = 0.85
	}
	if c.ConflictLow == 0 {
		c.ConflictLow = 0.70
	}
	if c.HalfLifeDays == 0 {
		c.HalfLifeDays = 90
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.1
	}
	if c.Weights == (ConflictWeights{}) {
		c.Weights = ConflictWeights{Confidence: 0.40, Recency: 0.30, Detail: 0.20, Source: 0.10}
	}
}

// reinforceBoost is the confidence bump a duplicate earns, capped by the
// remaining headroom to 1.0.
const reinforceBoost = 0.1

// QualityManager turns candidate batches into atomic fact mutations:
// normalize, deduplicate, resolve conflicts, decay, persist. One call per
// closed window; the whole batch commits in a single store transaction.
type QualityManager struct {
	store  Store
	embed  Embedder
	cfg    QualityConfig
	logger *slog.Logger

	now func() int64
}

// NewQualityManager creates a QualityManager. embed may be nil, forcing the
// string-equality degraded mode.
func NewQualityManager(store Store, embed Embedder, cfg QualityConfig, logger *slog.Logger) *QualityManager {
	cfg.applyDefaults()
	if logger == nil {
		logger = nopLogger
	}
	return &QualityManager{store: store, embed: embed, cfg: cfg, logger: logger, now: NowUnix}
}

// workFact is a fact tracked through one batch: either an existing row or a
// creation pending in the change list.
type workFact struct {
	fact      Fact
	embedding []float32
	createIdx int  // global change index of the pending creation; -1 for existing rows
	decayed   bool // decay already folded into fact.Confidence
	retired   bool // lost a conflict during this batch

	// preDecay holds the stored confidence from before this batch's decay
	// until a version row absorbs the drop in its delta.
	preDecay     float64
	decayPending bool
}

// qualityBatch is the mutable state of one Process call.
type qualityBatch struct {
	q       *QualityManager
	ctx     context.Context
	window  Window
	changes []FactChange
	metrics *QualityMetrics
}

// Process runs the full pipeline for one window's candidates and commits the
// result atomically. Grouped per user; within a (type, key) the outcome is
// independent of candidate arrival order because candidates are sorted into a
// canonical sequence first.
func (q *QualityManager) Process(ctx context.Context, w Window, candidates []Candidate) error {
	metrics := QualityMetrics{WindowID: w.ID, Candidates: len(candidates), CreatedAt: q.now()}
	if len(candidates) == 0 {
		return q.store.ApplyFactChanges(ctx, w.ID, nil, metrics)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return CanonicalValue(a.ValueRaw) < CanonicalValue(b.ValueRaw)
	})

	b := &qualityBatch{q: q, ctx: ctx, window: w, metrics: &metrics}

	byUser := map[int64][]Candidate{}
	var userOrder []int64
	for _, c := range candidates {
		if _, seen := byUser[c.UserID]; !seen {
			userOrder = append(userOrder, c.UserID)
		}
		byUser[c.UserID] = append(byUser[c.UserID], c)
	}
	sort.Slice(userOrder, func(i, j int) bool { return userOrder[i] < userOrder[j] })

	for _, userID := range userOrder {
		if err := b.processUser(userID, byUser[userID]); err != nil {
			return err
		}
	}

	return q.store.ApplyFactChanges(ctx, w.ID, b.changes, metrics)
}

func (b *qualityBatch) processUser(userID int64, candidates []Candidate) error {
	existing, err := b.q.store.ActiveFacts(b.ctx, userID, b.window.ChatID)
	if err != nil {
		return err
	}

	work := make([]*workFact, 0, len(existing))
	for _, f := range existing {
		work = append(work, &workFact{fact: f, embedding: f.Embedding, createIdx: -1})
	}

	for _, cand := range candidates {
		canonical := CanonicalValue(cand.ValueRaw)
		if canonical == "" {
			continue
		}
		candEmb := b.embedCanonical(canonical)
		match, sim := b.bestMatch(work, cand.Type, cand.Key, canonical, candEmb)

		switch {
		case match != nil && b.isDuplicate(sim, canonical, match.fact.ValueCanonical):
			b.reinforceOrEvolve(match, cand, canonical, candEmb)
		case match != nil && sim >= b.q.cfg.ConflictLow:
			work = b.resolveConflict(work, match, cand, canonical, candEmb, userID)
		default:
			var err error
			work, err = b.create(work, cand, canonical, candEmb, userID)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// embedCanonical fetches the embedding for a canonical value. The first
// failure flips the metrics fallback flag and stops further embedding
// attempts for this batch.
func (b *qualityBatch) embedCanonical(canonical string) []float32 {
	if b.q.embed == nil || b.metrics.EmbedFallback {
		b.metrics.EmbedFallback = true
		return nil
	}
	emb, err := b.q.embed.EmbedText(b.ctx, canonical)
	if err != nil {
		b.q.logger.Warn("embedding unavailable, dedup degrades to string equality",
			"window", b.window.ID, "error", err)
		b.metrics.EmbedFallback = true
		return nil
	}
	return emb
}

// bestMatch returns the live workFact with the same (type, key) most similar
// to the candidate. With embeddings missing on either side, similarity
// degrades to string equality.
func (b *qualityBatch) bestMatch(work []*workFact, factType, key, canonical string, candEmb []float32) (*workFact, float64) {
	var best *workFact
	bestSim := 0.0
	for _, wf := range work {
		if wf.retired || wf.fact.Type != factType || wf.fact.Key != key {
			continue
		}
		var sim float64
		if len(candEmb) > 0 && len(wf.embedding) > 0 {
			sim = CosineSimilarity(candEmb, wf.embedding)
		} else if wf.fact.ValueCanonical == canonical {
			sim = 1.0
		}
		if best == nil || sim > bestSim {
			best, bestSim = wf, sim
		}
	}
	return best, bestSim
}

func (b *qualityBatch) isDuplicate(sim float64, a, c string) bool {
	return a == c || sim >= b.q.cfg.DedupSimilarity-SimilarityTolerance
}

// reinforceOrEvolve handles the duplicate branch. An identical canonical
// value (or a lower-confidence paraphrase) reinforces the kept row; a
// differing value with higher confidence evolves the row to the new value.
func (b *qualityBatch) reinforceOrEvolve(match *workFact, cand Candidate, canonical string, candEmb []float32) {
	b.decay(match)
	old := match.fact.Confidence
	oldRecorded := b.chainOld(match)
	oldValue := match.fact.ValueCanonical
	now := b.q.now()

	if canonical != oldValue && cand.Confidence > old {
		match.fact.ValueCanonical = canonical
		match.fact.Confidence = cand.Confidence
		if len(candEmb) > 0 {
			match.embedding = candEmb
			match.fact.Embedding = candEmb
		}
		match.fact.LastReinforcedAt = now
		b.appendChange(match, FactChange{
			Kind:          ChangeEvolution,
			OldValue:      oldValue,
			OldConfidence: oldRecorded,
			NewValue:      canonical,
			NewConfidence: cand.Confidence,
			Reason:        fmt.Sprintf("higher-confidence value from %s", cand.Source),
		})
		b.metrics.Evolved++
		return
	}

	match.fact.Confidence = old + math.Min(reinforceBoost, 1.0-old)
	match.fact.LastReinforcedAt = now
	b.appendChange(match, FactChange{
		Kind:          ChangeReinforcement,
		OldValue:      oldValue,
		OldConfidence: oldRecorded,
		NewValue:      oldValue,
		NewConfidence: match.fact.Confidence,
	})
	b.metrics.Reinforced++
}

// resolveConflict scores the candidate against the matched fact. The winner
// stays active; a losing existing fact is superseded by a creation in the
// same batch.
func (b *qualityBatch) resolveConflict(work []*workFact, match *workFact, cand Candidate, canonical string, candEmb []float32, userID int64) []*workFact {
	b.decay(match)
	now := b.q.now()

	candScore := b.score(cand.Confidence, 0, len(canonical), cand.Source.Reliability())
	ageDays := float64(now-match.fact.LastReinforcedAt) / 86400.0
	factScore := b.score(match.fact.Confidence, ageDays, len(match.fact.ValueCanonical), match.fact.Source.Reliability())

	if factScore >= candScore {
		// Existing fact wins; the candidate never becomes a row.
		return work
	}

	newFact := b.newFact(userID, cand, canonical, candEmb, now)
	createIdx := len(b.changes)
	b.changes = append(b.changes, FactChange{
		Kind:          ChangeCreation,
		TargetIndex:   -1,
		WinnerIndex:   -1,
		Fact:          newFact,
		NewValue:      canonical,
		NewConfidence: cand.Confidence,
	})
	b.metrics.Created++

	match.retired = true
	b.appendChange(match, FactChange{
		Kind:          ChangeSupersession,
		OldValue:      match.fact.ValueCanonical,
		OldConfidence: b.chainOld(match),
		NewValue:      match.fact.ValueCanonical,
		NewConfidence: match.fact.Confidence,
		WinnerIndex:   createIdx,
		Reason:        "lost conflict resolution",
	})
	b.metrics.Superseded++

	// The winner joins the working set so later duplicates reinforce it.
	return append(work, &workFact{fact: newFact, embedding: candEmb, createIdx: createIdx, decayed: true})
}

// create handles candidates with no sufficiently similar active match. A
// deactivated row with the exact same value is reactivated as a correction
// instead of creating a duplicate row.
func (b *qualityBatch) create(work []*workFact, cand Candidate, canonical string, candEmb []float32, userID int64) ([]*workFact, error) {
	now := b.q.now()

	prior, err := b.q.store.FindInactiveFact(b.ctx, userID, b.window.ChatID, cand.Type, cand.Key, canonical)
	switch {
	case err == nil:
		return b.reactivate(work, prior, cand, canonical, candEmb, now), nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	newFact := b.newFact(userID, cand, canonical, candEmb, now)
	createIdx := len(b.changes)
	b.changes = append(b.changes, FactChange{
		Kind:          ChangeCreation,
		TargetIndex:   -1,
		WinnerIndex:   -1,
		Fact:          newFact,
		NewValue:      canonical,
		NewConfidence: cand.Confidence,
	})
	b.metrics.Created++
	return append(work, &workFact{fact: newFact, embedding: candEmb, createIdx: createIdx, decayed: true}), nil
}

// reactivate revives a superseded row whose exact value has reappeared. The
// version chain continues from the retired row's last recorded confidence.
func (b *qualityBatch) reactivate(work []*workFact, prior Fact, cand Candidate, canonical string, candEmb []float32, now int64) []*workFact {
	old := prior.Confidence
	prior.IsActive = true
	prior.Confidence = cand.Confidence
	prior.Source = cand.Source
	prior.LastReinforcedAt = now
	if len(candEmb) > 0 && len(prior.Embedding) == 0 {
		prior.Embedding = candEmb
	}

	b.changes = append(b.changes, FactChange{
		Kind:          ChangeCorrection,
		FactID:        prior.ID,
		TargetIndex:   -1,
		WinnerIndex:   -1,
		Fact:          prior,
		OldValue:      canonical,
		OldConfidence: old,
		NewValue:      canonical,
		NewConfidence: cand.Confidence,
		Reason:        fmt.Sprintf("value reappeared via %s evidence", cand.Source),
	})
	b.metrics.Corrected++
	return append(work, &workFact{fact: prior, embedding: prior.Embedding, createIdx: -1, decayed: true})
}

func (b *qualityBatch) newFact(userID int64, cand Candidate, canonical string, candEmb []float32, now int64) Fact {
	return Fact{
		UserID:            userID,
		ChatID:            b.window.ChatID,
		Type:              cand.Type,
		Key:               cand.Key,
		ValueCanonical:    canonical,
		Confidence:        cand.Confidence,
		IsActive:          true,
		EvidenceMessageID: cand.EvidenceMessageID,
		Source:            cand.Source,
		Embedding:         candEmb,
		CreatedAt:         now,
		LastReinforcedAt:  now,
	}
}

// decay folds exponential half-life decay into a fact's confidence, once per
// batch. The drop is only persisted through a written version, so the
// pre-decay value is parked on the workFact until chainOld hands it to the
// first version row this batch writes for the fact.
func (b *qualityBatch) decay(wf *workFact) {
	if wf.decayed || wf.createIdx >= 0 {
		return
	}
	wf.decayed = true
	anchor := wf.fact.LastReinforcedAt
	if wf.fact.LastDecayedAt > anchor {
		anchor = wf.fact.LastDecayedAt
	}
	days := float64(b.q.now()-anchor) / 86400.0
	if days <= 0 {
		return
	}
	wf.preDecay = wf.fact.Confidence
	wf.decayPending = true
	decayed := wf.fact.Confidence * math.Exp(-math.Ln2*days/b.q.cfg.HalfLifeDays)
	wf.fact.Confidence = math.Max(b.q.cfg.MinConfidence, decayed)
	wf.fact.LastDecayedAt = b.q.now()
}

// chainOld returns the confidence the next version row must chain from: the
// stored pre-decay value until one version has absorbed the decay drop, the
// in-memory value afterwards. Keeps every fact's delta history summing to
// current minus initial confidence.
func (b *qualityBatch) chainOld(wf *workFact) float64 {
	if wf.decayPending {
		wf.decayPending = false
		return wf.preDecay
	}
	return wf.fact.Confidence
}

// score implements the conflict formula:
// 0.40*confidence + 0.30*recency + 0.20*detail + 0.10*source_reliability.
// Recency decays on a 30-day scale; detail is a length sigmoid centered at
// 10 runes.
func (b *qualityBatch) score(confidence, ageDays float64, valueLen int, reliability float64) float64 {
	recency := math.Exp(-ageDays / 30.0)
	detail := 1.0 / (1.0 + math.Exp(-(float64(valueLen)-10.0)/5.0))
	w := b.q.cfg.Weights
	return w.Confidence*confidence + w.Recency*recency + w.Detail*detail + w.Source*reliability
}

// appendChange fills fact linkage for a change that targets wf: a row id for
// existing facts, a TargetIndex for rows created earlier in this batch.
func (b *qualityBatch) appendChange(wf *workFact, ch FactChange) {
	ch.TargetIndex = -1
	if ch.Kind != ChangeSupersession {
		ch.WinnerIndex = -1
	}
	if wf.createIdx >= 0 {
		ch.TargetIndex = wf.createIdx
	} else {
		ch.FactID = wf.fact.ID
	}
	ch.Fact = wf.fact
	b.changes = append(b.changes, ch)
}

// EffectiveConfidence returns a fact's decayed confidence as of now without
// mutating the row. Read paths use this; writes fold decay in via the
// version pipeline.
func EffectiveConfidence(f Fact, now int64, halfLifeDays, minConfidence float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = 90
	}
	if minConfidence <= 0 {
		minConfidence = 0.1
	}
	anchor := f.LastReinforcedAt
	if f.LastDecayedAt > anchor {
		anchor = f.LastDecayedAt
	}
	days := float64(now-anchor) / 86400.0
	if days <= 0 {
		return f.Confidence
	}
	return math.Max(minConfidence, f.Confidence*math.Exp(-math.Ln2*days/halfLifeDays))
}
