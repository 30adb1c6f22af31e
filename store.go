package banter

import "context"

// ScoredMessage is a retrieval hit with its relevance score.
type ScoredMessage struct {
	Message Message
	Score   float64
}

// ScoredFact is a fact search hit with its cosine similarity.
type ScoredFact struct {
	Fact  Fact
	Score float64
}

// FactChange is one planned mutation in a quality-manager batch. The store
// applies a whole batch in a single transaction so a crash can never leave a
// fact without its matching version row.
type FactChange struct {
	Kind ChangeType

	// FactID is the existing row for every kind except creation. A zero
	// FactID with TargetIndex >= 0 refers to the fact created earlier in
	// this same batch by changes[TargetIndex]; the store resolves the id
	// inside the transaction.
	FactID      int64
	TargetIndex int
	// Fact carries the full new row for creation, and the updated value/
	// confidence fields for evolution and correction.
	Fact Fact

	OldValue      string
	OldConfidence float64
	NewValue      string
	NewConfidence float64
	Reason        string

	// WinnerIndex points at the surviving change within the same batch for
	// supersession rows (-1 when the winner is a pre-existing fact, in which
	// case WinnerFactID is set). The store resolves it after creations have
	// been assigned ids.
	WinnerIndex  int
	WinnerFactID int64
}

// Store is the single source of truth for all persisted state: messages,
// profiles, facts and their versions, windows, episodes, proactive events,
// the embedding-cache persistent tier, and quality metrics.
//
// Implementations: store/sqlite (modernc.org/sqlite, FTS5) and
// store/postgres (jackc/pgx).
//
// Failures are reported as ErrStoreUnavailable (retryable) or
// ErrStoreCorrupt (fatal); lookups with no row return ErrNotFound.
type Store interface {
	// --- Messages ---

	// StoreMessage persists an inbound message. Re-ingesting the same
	// (chat_id, id) is a no-op.
	StoreMessage(ctx context.Context, msg Message) error
	// RecentMessages returns the newest messages for (chat, thread) in
	// chronological order. threadID 0 matches the unthreaded stream.
	RecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]Message, error)
	// SearchMessagesKeyword runs full-text search over message text in a chat.
	SearchMessagesKeyword(ctx context.Context, chatID int64, query string, topK int) ([]ScoredMessage, error)
	// SearchMessagesSemantic runs embedding nearest-neighbour search in a chat.
	SearchMessagesSemantic(ctx context.Context, chatID int64, embedding []float32, topK int) ([]ScoredMessage, error)
	// SetMessageEmbedding attaches an embedding to an already stored message.
	SetMessageEmbedding(ctx context.Context, chatID, messageID int64, embedding []float32) error
	// PruneMessages deletes messages older than cutoff without a retention
	// flag. Returns the number of rows removed.
	PruneMessages(ctx context.Context, cutoff int64) (int, error)

	// --- Profiles ---

	// TouchProfile upserts the (user, chat) profile: creates it on first
	// sight, otherwise bumps last_seen and interaction_count.
	TouchProfile(ctx context.Context, userID, chatID int64, displayName string, seenAt int64) (Profile, error)
	GetProfile(ctx context.Context, userID, chatID int64) (Profile, error)
	// UpdateProfileSummary replaces summary_text and bumps summary_version.
	UpdateProfileSummary(ctx context.Context, userID, chatID int64, summary string, at int64) error

	// --- Facts ---

	// ActiveFacts returns all active facts for (user, chat).
	ActiveFacts(ctx context.Context, userID, chatID int64) ([]Fact, error)
	// FindInactiveFact returns the newest deactivated fact exactly matching
	// (type, key, canonical value), or ErrNotFound. Used by the quality
	// manager to reactivate superseded facts as corrections.
	FindInactiveFact(ctx context.Context, userID, chatID int64, factType, key, canonical string) (Fact, error)
	// SearchFactsSemantic returns active facts for (user, chat) nearest to
	// the query embedding, sorted by score descending.
	SearchFactsSemantic(ctx context.Context, userID, chatID int64, embedding []float32, topK int) ([]ScoredFact, error)
	// ApplyFactChanges commits a quality-manager batch atomically: every
	// mutated fact row gets exactly one appended FactVersion, and the
	// metrics row is written alongside. Fact rows are locked by id for the
	// duration of the transaction. windowID 0 means the batch came from an
	// addressed message outside any window.
	ApplyFactChanges(ctx context.Context, windowID int64, changes []FactChange, metrics QualityMetrics) error
	// FactVersions returns the append-only history for a fact, oldest first.
	FactVersions(ctx context.Context, factID int64) ([]FactVersion, error)

	// --- Windows ---

	// CreateWindow persists a closed window and returns its id.
	CreateWindow(ctx context.Context, w Window) (int64, error)
	MarkWindowProcessed(ctx context.Context, windowID int64) error
	MarkWindowFailed(ctx context.Context, windowID int64) error
	MarkWindowSkipped(ctx context.Context, windowID int64) error

	// --- Episodes ---

	StoreEpisode(ctx context.Context, ep Episode) (int64, error)
	// RecentEpisodes returns episodes for a chat ordered by last_accessed_at
	// descending.
	RecentEpisodes(ctx context.Context, chatID int64, limit int) ([]Episode, error)
	// TouchEpisodes bumps last_accessed_at for episodes injected into context.
	TouchEpisodes(ctx context.Context, ids []int64, at int64) error

	// --- Proactive events ---

	// RecordProactiveSuppress persists a SUPPRESS decision.
	RecordProactiveSuppress(ctx context.Context, ev ProactiveEvent) (int64, error)
	// RecordProactiveSend persists a SEND decision, re-checking the global
	// cooldown inside the same transaction: if another SENT event for the
	// chat is newer than minGapSeconds, nothing is written and
	// ErrCooldownActive is returned.
	RecordProactiveSend(ctx context.Context, ev ProactiveEvent, minGapSeconds int64) (int64, error)
	// ProactiveHistory returns the newest events for (chat, user), newest first.
	ProactiveHistory(ctx context.Context, chatID, userID int64, limit int) ([]ProactiveEvent, error)
	// LastProactiveSend returns the newest SENT event for a chat, and
	// optionally scoped to one intent or one user (zero values disable the
	// extra filters).
	LastProactiveSend(ctx context.Context, chatID, userID int64, intent IntentType) (ProactiveEvent, error)
	// CountProactiveSends counts SENT events for a chat since the cutoff.
	CountProactiveSends(ctx context.Context, chatID int64, since int64) (int, error)
	// SetProactiveReaction records the user reaction on a SENT event.
	SetProactiveReaction(ctx context.Context, eventID int64, r Reaction, delayMs int64) error
	// PendingReactionEvents returns SENT events with no reaction recorded
	// that are older than cutoff.
	PendingReactionEvents(ctx context.Context, cutoff int64) ([]ProactiveEvent, error)

	// --- Embedding cache persistent tier ---

	GetCachedEmbedding(ctx context.Context, textSHA256, modelID string) ([]float32, error)
	PutCachedEmbedding(ctx context.Context, entry CacheEntry) error

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}
