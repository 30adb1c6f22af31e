// Package postgres implements banter.Store using PostgreSQL with pgvector
// for native vector similarity search and tsvector for full-text keyword
// search over messages.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/banter"
)

// Store implements banter.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, catching
// dimension mismatches at insert time. Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Only affects index creation.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

var _ banter.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT NOT NULL,
			chat_id BIGINT NOT NULL,
			thread_id BIGINT NOT NULL DEFAULT 0,
			user_id BIGINT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			text_body TEXT NOT NULL DEFAULT '',
			media JSONB,
			reply_to_id BIGINT NOT NULL DEFAULT 0,
			ts BIGINT NOT NULL,
			embedding %s,
			retention_flag BOOLEAN NOT NULL DEFAULT FALSE,
			is_from_self BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (chat_id, id)
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS messages_chat_thread_idx ON messages(chat_id, thread_id, ts)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS messages_embedding_idx ON messages USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS messages_fts_idx ON messages USING gin(to_tsvector('english', text_body))`,

		`CREATE TABLE IF NOT EXISTS profiles (
			user_id BIGINT NOT NULL,
			chat_id BIGINT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			aliases JSONB,
			first_seen BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			interaction_count BIGINT NOT NULL DEFAULT 0,
			summary_text TEXT NOT NULL DEFAULT '',
			summary_version INTEGER NOT NULL DEFAULT 0,
			summary_updated_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, chat_id)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS facts (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			chat_id BIGINT NOT NULL,
			fact_type TEXT NOT NULL,
			fact_key TEXT NOT NULL,
			value_canonical TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			evidence_message_id BIGINT NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			embedding %s,
			created_at BIGINT NOT NULL,
			last_reinforced_at BIGINT NOT NULL,
			last_decayed_at BIGINT NOT NULL DEFAULT 0
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS facts_user_chat_idx ON facts(user_id, chat_id, is_active)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS facts_active_identity_idx
			ON facts(user_id, chat_id, fact_type, fact_key, value_canonical) WHERE is_active`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS facts_embedding_idx ON facts USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS fact_versions (
			id BIGSERIAL PRIMARY KEY,
			fact_id BIGINT NOT NULL,
			version_number INTEGER NOT NULL,
			change_type TEXT NOT NULL,
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			old_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			new_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			delta_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			UNIQUE (fact_id, version_number)
		)`,
		`CREATE INDEX IF NOT EXISTS fact_versions_fact_idx ON fact_versions(fact_id)`,

		`CREATE TABLE IF NOT EXISTS windows (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			thread_id BIGINT NOT NULL DEFAULT 0,
			first_message_id BIGINT NOT NULL,
			last_message_id BIGINT NOT NULL,
			message_count INTEGER NOT NULL,
			participants JSONB,
			opened_at BIGINT NOT NULL,
			closed_at BIGINT NOT NULL DEFAULT 0,
			closure_reason TEXT NOT NULL DEFAULT '',
			dominant_value INTEGER NOT NULL DEFAULT 0,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			skipped BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS episodes (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			thread_id BIGINT NOT NULL DEFAULT 0,
			topic TEXT NOT NULL,
			summary TEXT NOT NULL,
			message_ids JSONB,
			participants JSONB,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			valence TEXT NOT NULL DEFAULT 'neutral',
			tags JSONB,
			created_at BIGINT NOT NULL,
			last_accessed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS episodes_chat_idx ON episodes(chat_id, last_accessed_at)`,

		`CREATE TABLE IF NOT EXISTS proactive_events (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			window_id BIGINT NOT NULL DEFAULT 0,
			user_id BIGINT NOT NULL DEFAULT 0,
			intent_type TEXT NOT NULL,
			intent_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			adjusted_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			decision TEXT NOT NULL,
			block_reason TEXT NOT NULL DEFAULT '',
			response_message_id BIGINT NOT NULL DEFAULT 0,
			user_reaction TEXT NOT NULL DEFAULT '',
			reaction_delay_ms BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS proactive_chat_idx ON proactive_events(chat_id, decision, created_at)`,

		`CREATE TABLE IF NOT EXISTS embedding_cache (
			text_sha256 TEXT NOT NULL,
			model_id TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_accessed_at BIGINT NOT NULL,
			access_count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (text_sha256, model_id)
		)`,

		`CREATE TABLE IF NOT EXISTS quality_metrics (
			id BIGSERIAL PRIMARY KEY,
			window_id BIGINT,
			candidates INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			reinforced INTEGER NOT NULL DEFAULT 0,
			evolved INTEGER NOT NULL DEFAULT 0,
			superseded INTEGER NOT NULL DEFAULT 0,
			corrected INTEGER NOT NULL DEFAULT 0,
			embed_fallback BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }

// --- Messages ---

// StoreMessage inserts a message. Re-ingesting the same (chat_id, id) is a
// no-op.
func (s *Store) StoreMessage(ctx context.Context, msg banter.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, thread_id, user_id, author_name, text_body, media, reply_to_id, ts, embedding, retention_flag, is_from_self)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10::vector, $11, $12)
		 ON CONFLICT (chat_id, id) DO NOTHING`,
		msg.ID, msg.ChatID, msg.ThreadID, msg.UserID, msg.AuthorName, msg.Text,
		jsonOrNil(msg.Media), msg.ReplyToID, msg.Timestamp,
		vectorOrNil(msg.Embedding), msg.RetentionFlag, msg.IsFromSelf)
	if err != nil {
		return wrapErr("store message", err)
	}
	return nil
}

// RecentMessages returns the newest messages for (chat, thread) in
// chronological order (oldest first).
func (s *Store) RecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]banter.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, thread_id, user_id, author_name, text_body, media, reply_to_id, ts, retention_flag, is_from_self
		 FROM messages
		 WHERE chat_id = $1 AND thread_id = $2
		 ORDER BY ts DESC, id DESC
		 LIMIT $3`,
		chatID, threadID, limit)
	if err != nil {
		return nil, wrapErr("recent messages", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows, nil)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SearchMessagesKeyword performs full-text search over message text in a
// chat using tsvector ranking.
func (s *Store) SearchMessagesKeyword(ctx context.Context, chatID int64, query string, topK int) ([]banter.ScoredMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, thread_id, user_id, author_name, text_body, media, reply_to_id, ts, retention_flag, is_from_self,
		        ts_rank(to_tsvector('english', text_body), plainto_tsquery('english', $2)) AS rank
		 FROM messages
		 WHERE chat_id = $1 AND to_tsvector('english', text_body) @@ plainto_tsquery('english', $2)
		 ORDER BY rank DESC
		 LIMIT $3`,
		chatID, query, topK)
	if err != nil {
		return nil, wrapErr("keyword search", err)
	}
	defer rows.Close()

	var results []banter.ScoredMessage
	messages, err := scanMessages(rows, func(score float64) {
		results = append(results, banter.ScoredMessage{Score: score})
	})
	if err != nil {
		return nil, err
	}
	for i := range messages {
		results[i].Message = messages[i]
	}
	return results, nil
}

// SearchMessagesSemantic performs vector similarity search over messages in
// a chat using pgvector's cosine distance operator with the HNSW index.
func (s *Store) SearchMessagesSemantic(ctx context.Context, chatID int64, embedding []float32, topK int) ([]banter.ScoredMessage, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, thread_id, user_id, author_name, text_body, media, reply_to_id, ts, retention_flag, is_from_self,
		        1 - (embedding <=> $2::vector) AS score
		 FROM messages
		 WHERE chat_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2::vector
		 LIMIT $3`,
		chatID, embStr, topK)
	if err != nil {
		return nil, wrapErr("semantic search", err)
	}
	defer rows.Close()

	var results []banter.ScoredMessage
	messages, err := scanMessages(rows, func(score float64) {
		results = append(results, banter.ScoredMessage{Score: score})
	})
	if err != nil {
		return nil, err
	}
	for i := range messages {
		results[i].Message = messages[i]
	}
	return results, nil
}

// SetMessageEmbedding attaches an embedding to a stored message.
func (s *Store) SetMessageEmbedding(ctx context.Context, chatID, messageID int64, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET embedding = $3::vector WHERE chat_id = $1 AND id = $2`,
		chatID, messageID, serializeEmbedding(embedding))
	if err != nil {
		return wrapErr("set embedding", err)
	}
	return nil
}

// PruneMessages deletes messages older than cutoff without a retention flag.
func (s *Store) PruneMessages(ctx context.Context, cutoff int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE ts < $1 AND NOT retention_flag`, cutoff)
	if err != nil {
		return 0, wrapErr("prune messages", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Profiles ---

// TouchProfile upserts the (user, chat) profile.
func (s *Store) TouchProfile(ctx context.Context, userID, chatID int64, displayName string, seenAt int64) (banter.Profile, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, chat_id, display_name, first_seen, last_seen, interaction_count)
		 VALUES ($1, $2, $3, $4, $4, 1)
		 ON CONFLICT (user_id, chat_id) DO UPDATE SET
		   display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE profiles.display_name END,
		   last_seen = EXCLUDED.last_seen,
		   interaction_count = profiles.interaction_count + 1`,
		userID, chatID, displayName, seenAt)
	if err != nil {
		return banter.Profile{}, wrapErr("touch profile", err)
	}
	return s.GetProfile(ctx, userID, chatID)
}

// GetProfile returns the (user, chat) profile.
func (s *Store) GetProfile(ctx context.Context, userID, chatID int64) (banter.Profile, error) {
	var p banter.Profile
	var aliases []byte
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, chat_id, display_name, aliases, first_seen, last_seen, interaction_count, summary_text, summary_version, summary_updated_at
		 FROM profiles WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID,
	).Scan(&p.UserID, &p.ChatID, &p.DisplayName, &aliases, &p.FirstSeen, &p.LastSeen,
		&p.InteractionCount, &p.SummaryText, &p.SummaryVersion, &p.SummaryUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return banter.Profile{}, banter.ErrNotFound
	}
	if err != nil {
		return banter.Profile{}, wrapErr("get profile", err)
	}
	if len(aliases) > 0 {
		_ = json.Unmarshal(aliases, &p.Aliases)
	}
	return p, nil
}

// UpdateProfileSummary replaces summary_text and bumps summary_version.
func (s *Store) UpdateProfileSummary(ctx context.Context, userID, chatID int64, summary string, at int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE profiles SET summary_text = $3, summary_version = summary_version + 1, summary_updated_at = $4
		 WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID, summary, at)
	if err != nil {
		return wrapErr("update summary", err)
	}
	return nil
}

// --- Facts ---

const factColumns = `id, user_id, chat_id, fact_type, fact_key, value_canonical, confidence, is_active, evidence_message_id, source, created_at, last_reinforced_at, last_decayed_at`

// ActiveFacts returns all active facts for (user, chat).
func (s *Store) ActiveFacts(ctx context.Context, userID, chatID int64) ([]banter.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE user_id = $1 AND chat_id = $2 AND is_active
		 ORDER BY id`,
		userID, chatID)
	if err != nil {
		return nil, wrapErr("active facts", err)
	}
	defer rows.Close()
	return scanFacts(rows, nil)
}

// SearchFactsSemantic returns active facts nearest to the query embedding.
func (s *Store) SearchFactsSemantic(ctx context.Context, userID, chatID int64, embedding []float32, topK int) ([]banter.ScoredFact, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+`, 1 - (embedding <=> $3::vector) AS score
		 FROM facts
		 WHERE user_id = $1 AND chat_id = $2 AND is_active AND embedding IS NOT NULL
		 ORDER BY embedding <=> $3::vector
		 LIMIT $4`,
		userID, chatID, embStr, topK)
	if err != nil {
		return nil, wrapErr("fact search", err)
	}
	defer rows.Close()

	var results []banter.ScoredFact
	facts, err := scanFacts(rows, func(score float64) {
		results = append(results, banter.ScoredFact{Score: score})
	})
	if err != nil {
		return nil, err
	}
	for i := range facts {
		results[i].Fact = facts[i]
	}
	return results, nil
}

// FindInactiveFact returns the newest deactivated row exactly matching the
// fact identity, for correction reactivation.
func (s *Store) FindInactiveFact(ctx context.Context, userID, chatID int64, factType, key, canonical string) (banter.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE user_id = $1 AND chat_id = $2 AND fact_type = $3 AND fact_key = $4 AND value_canonical = $5 AND NOT is_active
		 ORDER BY id DESC LIMIT 1`,
		userID, chatID, factType, key, canonical)
	if err != nil {
		return banter.Fact{}, wrapErr("find inactive fact", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows, nil)
	if err != nil {
		return banter.Fact{}, err
	}
	if len(facts) == 0 {
		return banter.Fact{}, banter.ErrNotFound
	}
	return facts[0], nil
}

// ApplyFactChanges commits one quality batch atomically.
func (s *Store) ApplyFactChanges(ctx context.Context, windowID int64, changes []banter.FactChange, metrics banter.QualityMetrics) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin fact batch", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ids := make([]int64, len(changes))
	for i, ch := range changes {
		factID, err := s.applyChange(ctx, tx, ch, ids)
		if err != nil {
			return err
		}
		ids[i] = factID

		winnerID := ch.WinnerFactID
		if ch.Kind == banter.ChangeSupersession && ch.WinnerIndex >= 0 && ch.WinnerIndex < len(ids) {
			winnerID = ids[ch.WinnerIndex]
		}
		reason := ch.Reason
		if ch.Kind == banter.ChangeSupersession && winnerID != 0 {
			reason = fmt.Sprintf("superseded by fact %d", winnerID)
		}

		delta := ch.NewConfidence - ch.OldConfidence
		if ch.Kind == banter.ChangeCreation {
			delta = ch.NewConfidence
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO fact_versions (fact_id, version_number, change_type, old_value, new_value, old_confidence, new_confidence, delta_confidence, reason, created_at)
			 VALUES ($1, (SELECT COALESCE(MAX(version_number), 0) + 1 FROM fact_versions WHERE fact_id = $1), $2, $3, $4, $5, $6, $7, $8, $9)`,
			factID, string(ch.Kind), ch.OldValue, ch.NewValue,
			ch.OldConfidence, ch.NewConfidence, delta, reason, banter.NowUnix()); err != nil {
			return wrapErr("insert version", err)
		}
	}

	var windowRef any
	if windowID != 0 {
		windowRef = windowID
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO quality_metrics (window_id, candidates, created, reinforced, evolved, superseded, corrected, embed_fallback, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		windowRef, metrics.Candidates, metrics.Created, metrics.Reinforced,
		metrics.Evolved, metrics.Superseded, metrics.Corrected, metrics.EmbedFallback, metrics.CreatedAt); err != nil {
		return wrapErr("insert metrics", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit fact batch", err)
	}
	return nil
}

func (s *Store) applyChange(ctx context.Context, tx pgx.Tx, ch banter.FactChange, ids []int64) (int64, error) {
	factID := ch.FactID
	if factID == 0 && ch.TargetIndex >= 0 && ch.TargetIndex < len(ids) {
		factID = ids[ch.TargetIndex]
	}

	switch ch.Kind {
	case banter.ChangeCreation:
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO facts (user_id, chat_id, fact_type, fact_key, value_canonical, confidence, is_active, evidence_message_id, source, embedding, created_at, last_reinforced_at, last_decayed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9::vector, $10, $11, $12)
			 RETURNING id`,
			ch.Fact.UserID, ch.Fact.ChatID, ch.Fact.Type, ch.Fact.Key, ch.Fact.ValueCanonical,
			ch.Fact.Confidence, ch.Fact.EvidenceMessageID, string(ch.Fact.Source),
			vectorOrNil(ch.Fact.Embedding), ch.Fact.CreatedAt, ch.Fact.LastReinforcedAt, ch.Fact.LastDecayedAt,
		).Scan(&id)
		if err != nil {
			return 0, wrapErr("insert fact", err)
		}
		return id, nil

	case banter.ChangeCorrection:
		_, err := tx.Exec(ctx,
			`UPDATE facts SET is_active = TRUE, value_canonical = $2, confidence = $3, source = $4, last_reinforced_at = $5, last_decayed_at = $6
			 WHERE id = $1`,
			factID, ch.NewValue, ch.NewConfidence, string(ch.Fact.Source),
			ch.Fact.LastReinforcedAt, ch.Fact.LastDecayedAt)
		if err != nil {
			return 0, wrapErr("reactivate fact", err)
		}
		return factID, nil

	case banter.ChangeReinforcement, banter.ChangeEvolution:
		_, err := tx.Exec(ctx,
			`UPDATE facts SET value_canonical = $2, confidence = $3, embedding = COALESCE($4::vector, embedding), last_reinforced_at = $5, last_decayed_at = $6
			 WHERE id = $1`,
			factID, ch.NewValue, ch.NewConfidence, vectorOrNil(ch.Fact.Embedding),
			ch.Fact.LastReinforcedAt, ch.Fact.LastDecayedAt)
		if err != nil {
			return 0, wrapErr("update fact", err)
		}
		return factID, nil

	case banter.ChangeSupersession:
		_, err := tx.Exec(ctx,
			`UPDATE facts SET is_active = FALSE, confidence = $2, last_decayed_at = $3 WHERE id = $1`,
			factID, ch.NewConfidence, ch.Fact.LastDecayedAt)
		if err != nil {
			return 0, wrapErr("supersede fact", err)
		}
		return factID, nil

	default:
		return 0, fmt.Errorf("postgres: unknown change type %q", ch.Kind)
	}
}

// FactVersions returns the append-only history for a fact, oldest first.
func (s *Store) FactVersions(ctx context.Context, factID int64) ([]banter.FactVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fact_id, version_number, change_type, old_value, new_value, old_confidence, new_confidence, delta_confidence, reason, created_at
		 FROM fact_versions WHERE fact_id = $1 ORDER BY version_number`,
		factID)
	if err != nil {
		return nil, wrapErr("fact versions", err)
	}
	defer rows.Close()

	var versions []banter.FactVersion
	for rows.Next() {
		var v banter.FactVersion
		var changeType string
		if err := rows.Scan(&v.ID, &v.FactID, &v.VersionNumber, &changeType, &v.OldValue, &v.NewValue,
			&v.OldConfidence, &v.NewConfidence, &v.DeltaConfidence, &v.Reason, &v.CreatedAt); err != nil {
			return nil, wrapErr("scan version", err)
		}
		v.ChangeType = banter.ChangeType(changeType)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Windows ---

// CreateWindow persists a closed window and returns its id.
func (s *Store) CreateWindow(ctx context.Context, w banter.Window) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO windows (chat_id, thread_id, first_message_id, last_message_id, message_count, participants, opened_at, closed_at, closure_reason, dominant_value)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
		 RETURNING id`,
		w.ChatID, w.ThreadID, w.FirstMessageID, w.LastMessageID, w.MessageCount,
		jsonOrNil(w.Participants), w.OpenedAt, w.ClosedAt, string(w.ClosureReason), int(w.DominantValue),
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("create window", err)
	}
	return id, nil
}

func (s *Store) setWindowFlags(ctx context.Context, windowID int64, processed, skipped bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE windows SET processed = $2, skipped = $3 WHERE id = $1`, windowID, processed, skipped)
	if err != nil {
		return wrapErr("mark window", err)
	}
	if tag.RowsAffected() == 0 {
		return banter.ErrNotFound
	}
	return nil
}

func (s *Store) MarkWindowProcessed(ctx context.Context, windowID int64) error {
	return s.setWindowFlags(ctx, windowID, true, false)
}

func (s *Store) MarkWindowFailed(ctx context.Context, windowID int64) error {
	return s.setWindowFlags(ctx, windowID, false, false)
}

func (s *Store) MarkWindowSkipped(ctx context.Context, windowID int64) error {
	return s.setWindowFlags(ctx, windowID, false, true)
}

// --- Episodes ---

// StoreEpisode persists an episode.
func (s *Store) StoreEpisode(ctx context.Context, ep banter.Episode) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO episodes (chat_id, thread_id, topic, summary, message_ids, participants, importance, valence, tags, created_at, last_accessed_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9::jsonb, $10, $11)
		 RETURNING id`,
		ep.ChatID, ep.ThreadID, ep.Topic, ep.Summary,
		jsonOrNil(ep.MessageIDs), jsonOrNil(ep.Participants),
		ep.Importance, string(ep.Valence), jsonOrNil(ep.Tags), ep.CreatedAt, ep.LastAccessedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("store episode", err)
	}
	return id, nil
}

// RecentEpisodes returns episodes for a chat ordered by last_accessed_at
// descending.
func (s *Store) RecentEpisodes(ctx context.Context, chatID int64, limit int) ([]banter.Episode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, thread_id, topic, summary, message_ids, participants, importance, valence, tags, created_at, last_accessed_at
		 FROM episodes WHERE chat_id = $1
		 ORDER BY last_accessed_at DESC LIMIT $2`,
		chatID, limit)
	if err != nil {
		return nil, wrapErr("recent episodes", err)
	}
	defer rows.Close()

	var episodes []banter.Episode
	for rows.Next() {
		var ep banter.Episode
		var messageIDs, participants, tags []byte
		var valence string
		if err := rows.Scan(&ep.ID, &ep.ChatID, &ep.ThreadID, &ep.Topic, &ep.Summary,
			&messageIDs, &participants, &ep.Importance, &valence, &tags, &ep.CreatedAt, &ep.LastAccessedAt); err != nil {
			return nil, wrapErr("scan episode", err)
		}
		ep.Valence = banter.Valence(valence)
		if len(messageIDs) > 0 {
			_ = json.Unmarshal(messageIDs, &ep.MessageIDs)
		}
		if len(participants) > 0 {
			_ = json.Unmarshal(participants, &ep.Participants)
		}
		if len(tags) > 0 {
			_ = json.Unmarshal(tags, &ep.Tags)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// TouchEpisodes bumps last_accessed_at for injected episodes.
func (s *Store) TouchEpisodes(ctx context.Context, ids []int64, at int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE episodes SET last_accessed_at = $1 WHERE id = ANY($2)`, at, ids)
	if err != nil {
		return wrapErr("touch episodes", err)
	}
	return nil
}

// --- Proactive events ---

// RecordProactiveSuppress persists a SUPPRESS decision.
func (s *Store) RecordProactiveSuppress(ctx context.Context, ev banter.ProactiveEvent) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO proactive_events (chat_id, window_id, user_id, intent_type, intent_confidence, adjusted_confidence, decision, block_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		ev.ChatID, ev.WindowID, ev.UserID, string(ev.IntentType), ev.IntentConfidence,
		ev.AdjustedConfidence, string(banter.DecisionSuppress), ev.BlockReason, ev.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("record suppress", err)
	}
	return id, nil
}

// RecordProactiveSend persists a SEND decision. An advisory transaction lock
// on the chat id serializes concurrent senders so the in-transaction
// cooldown re-check cannot race.
func (s *Store) RecordProactiveSend(ctx context.Context, ev banter.ProactiveEvent, minGapSeconds int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, wrapErr("begin send record", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ev.ChatID); err != nil {
		return 0, wrapErr("lock chat", err)
	}

	var last *int64
	if err := tx.QueryRow(ctx,
		`SELECT MAX(created_at) FROM proactive_events WHERE chat_id = $1 AND decision = $2`,
		ev.ChatID, string(banter.DecisionSend)).Scan(&last); err != nil {
		return 0, wrapErr("cooldown check", err)
	}
	if last != nil && ev.CreatedAt-*last < minGapSeconds {
		return 0, banter.ErrCooldownActive
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO proactive_events (chat_id, window_id, user_id, intent_type, intent_confidence, adjusted_confidence, decision, response_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		ev.ChatID, ev.WindowID, ev.UserID, string(ev.IntentType), ev.IntentConfidence,
		ev.AdjustedConfidence, string(banter.DecisionSend), ev.ResponseMessageID, ev.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("record send", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrapErr("commit send", err)
	}
	return id, nil
}

const eventColumns = `id, chat_id, window_id, user_id, intent_type, intent_confidence, adjusted_confidence, decision, block_reason, response_message_id, user_reaction, reaction_delay_ms, created_at`

// ProactiveHistory returns the newest events for (chat, user), newest first.
// userID 0 matches every user.
func (s *Store) ProactiveHistory(ctx context.Context, chatID, userID int64, limit int) ([]banter.ProactiveEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM proactive_events
		 WHERE chat_id = $1 AND ($2 = 0 OR user_id = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		chatID, userID, limit)
	if err != nil {
		return nil, wrapErr("proactive history", err)
	}
	defer rows.Close()
	return scanProactiveEvents(rows)
}

// LastProactiveSend returns the newest SENT event for a chat, optionally
// filtered by user or intent (zero values disable the filters).
func (s *Store) LastProactiveSend(ctx context.Context, chatID, userID int64, intent banter.IntentType) (banter.ProactiveEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM proactive_events
		 WHERE chat_id = $1 AND decision = $2
		   AND ($3 = 0 OR user_id = $3)
		   AND ($4 = '' OR intent_type = $4)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		chatID, string(banter.DecisionSend), userID, string(intent))
	if err != nil {
		return banter.ProactiveEvent{}, wrapErr("last send", err)
	}
	defer rows.Close()
	events, err := scanProactiveEvents(rows)
	if err != nil {
		return banter.ProactiveEvent{}, err
	}
	if len(events) == 0 {
		return banter.ProactiveEvent{}, banter.ErrNotFound
	}
	return events[0], nil
}

// CountProactiveSends counts SENT events for a chat since the cutoff.
func (s *Store) CountProactiveSends(ctx context.Context, chatID int64, since int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM proactive_events WHERE chat_id = $1 AND decision = $2 AND created_at >= $3`,
		chatID, string(banter.DecisionSend), since).Scan(&n)
	if err != nil {
		return 0, wrapErr("count sends", err)
	}
	return n, nil
}

// SetProactiveReaction records the user reaction on a SENT event.
func (s *Store) SetProactiveReaction(ctx context.Context, eventID int64, r banter.Reaction, delayMs int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proactive_events SET user_reaction = $2, reaction_delay_ms = $3 WHERE id = $1`,
		eventID, string(r), delayMs)
	if err != nil {
		return wrapErr("set reaction", err)
	}
	if tag.RowsAffected() == 0 {
		return banter.ErrNotFound
	}
	return nil
}

// PendingReactionEvents returns SENT events with no recorded reaction older
// than cutoff.
func (s *Store) PendingReactionEvents(ctx context.Context, cutoff int64) ([]banter.ProactiveEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM proactive_events
		 WHERE decision = $1 AND user_reaction = '' AND created_at < $2
		 ORDER BY created_at`,
		string(banter.DecisionSend), cutoff)
	if err != nil {
		return nil, wrapErr("pending reactions", err)
	}
	defer rows.Close()
	return scanProactiveEvents(rows)
}

// --- Embedding cache persistent tier ---

// GetCachedEmbedding returns the cached vector and bumps its access stats.
func (s *Store) GetCachedEmbedding(ctx context.Context, textSHA256, modelID string) ([]float32, error) {
	var vectorJSON string
	err := s.pool.QueryRow(ctx,
		`UPDATE embedding_cache SET last_accessed_at = $3, access_count = access_count + 1
		 WHERE text_sha256 = $1 AND model_id = $2
		 RETURNING vector_json`,
		textSHA256, modelID, banter.NowUnix()).Scan(&vectorJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, banter.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("cache get", err)
	}
	var vec []float32
	if err := json.Unmarshal([]byte(vectorJSON), &vec); err != nil {
		return nil, fmt.Errorf("postgres: decode cached vector: %w", err)
	}
	return vec, nil
}

// PutCachedEmbedding upserts a persistent-tier cache row.
func (s *Store) PutCachedEmbedding(ctx context.Context, entry banter.CacheEntry) error {
	data, _ := json.Marshal(entry.Vector)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embedding_cache (text_sha256, model_id, vector_json, created_at, last_accessed_at, access_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (text_sha256, model_id) DO UPDATE SET
		   last_accessed_at = EXCLUDED.last_accessed_at,
		   access_count = embedding_cache.access_count + 1`,
		entry.TextSHA256, entry.ModelID, string(data),
		entry.CreatedAt, entry.LastAccessedAt, entry.AccessCount)
	if err != nil {
		return wrapErr("cache put", err)
	}
	return nil
}

// --- Scan and serialization helpers ---

// scanMessages iterates rows of message columns. When onScore is non-nil the
// row carries a trailing score column reported through the callback in row
// order.
func scanMessages(rows pgx.Rows, onScore func(float64)) ([]banter.Message, error) {
	var messages []banter.Message
	for rows.Next() {
		var m banter.Message
		var media []byte
		dest := []any{&m.ID, &m.ChatID, &m.ThreadID, &m.UserID, &m.AuthorName, &m.Text,
			&media, &m.ReplyToID, &m.Timestamp, &m.RetentionFlag, &m.IsFromSelf}
		var score float64
		if onScore != nil {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, wrapErr("scan message", err)
		}
		if len(media) > 0 {
			_ = json.Unmarshal(media, &m.Media)
		}
		if onScore != nil {
			onScore(score)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanFacts(rows pgx.Rows, onScore func(float64)) ([]banter.Fact, error) {
	var facts []banter.Fact
	for rows.Next() {
		var f banter.Fact
		var source string
		dest := []any{&f.ID, &f.UserID, &f.ChatID, &f.Type, &f.Key, &f.ValueCanonical,
			&f.Confidence, &f.IsActive, &f.EvidenceMessageID, &source,
			&f.CreatedAt, &f.LastReinforcedAt, &f.LastDecayedAt}
		var score float64
		if onScore != nil {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, wrapErr("scan fact", err)
		}
		f.Source = banter.FactSource(source)
		if onScore != nil {
			onScore(score)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func scanProactiveEvents(rows pgx.Rows) ([]banter.ProactiveEvent, error) {
	var events []banter.ProactiveEvent
	for rows.Next() {
		var ev banter.ProactiveEvent
		var intent, decision, reaction string
		if err := rows.Scan(&ev.ID, &ev.ChatID, &ev.WindowID, &ev.UserID, &intent,
			&ev.IntentConfidence, &ev.AdjustedConfidence, &decision, &ev.BlockReason,
			&ev.ResponseMessageID, &reaction, &ev.ReactionDelayMs, &ev.CreatedAt); err != nil {
			return nil, wrapErr("scan event", err)
		}
		ev.IntentType = banter.IntentType(intent)
		ev.Decision = banter.Decision(decision)
		ev.UserReaction = banter.Reaction(reaction)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// serializeEmbedding formats a vector as a pgvector literal: [0.1,0.2,...].
func serializeEmbedding(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func vectorOrNil(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return serializeEmbedding(v)
}

func jsonOrNil[T any](v []T) any {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

// wrapErr maps connection-level failures to banter.ErrStoreUnavailable so
// callers can distinguish retryable outages from permanent errors.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53", "57": // connection, resources, operator intervention
			return fmt.Errorf("postgres: %s: %w: %v", op, banter.ErrStoreUnavailable, err)
		case "XX": // internal error / data corrupted
			return fmt.Errorf("postgres: %s: %w: %v", op, banter.ErrStoreCorrupt, err)
		}
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres: %s: %w: %v", op, banter.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}
