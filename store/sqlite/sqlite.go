// Package sqlite implements banter.Store using pure-Go SQLite with
// in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/banter"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements banter.Store backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ banter.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL DEFAULT 0,
			user_id INTEGER NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			media TEXT,
			reply_to_id INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			embedding TEXT,
			retention_flag INTEGER NOT NULL DEFAULT 0,
			is_from_self INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			aliases TEXT,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			summary_text TEXT NOT NULL DEFAULT '',
			summary_version INTEGER NOT NULL DEFAULT 0,
			summary_updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			key TEXT NOT NULL,
			value_canonical TEXT NOT NULL,
			confidence REAL NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			evidence_message_id INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			embedding TEXT,
			created_at INTEGER NOT NULL,
			last_reinforced_at INTEGER NOT NULL,
			last_decayed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS fact_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_id INTEGER NOT NULL,
			version_number INTEGER NOT NULL,
			change_type TEXT NOT NULL,
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			old_confidence REAL NOT NULL DEFAULT 0,
			new_confidence REAL NOT NULL DEFAULT 0,
			delta_confidence REAL NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE (fact_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS windows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL DEFAULT 0,
			first_message_id INTEGER NOT NULL,
			last_message_id INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			participants TEXT,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL DEFAULT 0,
			closure_reason TEXT NOT NULL DEFAULT '',
			dominant_value INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL DEFAULT 0,
			topic TEXT NOT NULL,
			summary TEXT NOT NULL,
			message_ids TEXT,
			participants TEXT,
			importance REAL NOT NULL DEFAULT 0,
			valence TEXT NOT NULL DEFAULT 'neutral',
			tags TEXT,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proactive_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			window_id INTEGER NOT NULL DEFAULT 0,
			user_id INTEGER NOT NULL DEFAULT 0,
			intent_type TEXT NOT NULL,
			intent_confidence REAL NOT NULL DEFAULT 0,
			adjusted_confidence REAL NOT NULL DEFAULT 0,
			decision TEXT NOT NULL,
			block_reason TEXT NOT NULL DEFAULT '',
			response_message_id INTEGER NOT NULL DEFAULT 0,
			user_reaction TEXT NOT NULL DEFAULT '',
			reaction_delay_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			text_sha256 TEXT NOT NULL,
			model_id TEXT NOT NULL,
			vector TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (text_sha256, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS quality_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_id INTEGER,
			candidates INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			reinforced INTEGER NOT NULL DEFAULT 0,
			evolved INTEGER NOT NULL DEFAULT 0,
			superseded INTEGER NOT NULL DEFAULT 0,
			corrected INTEGER NOT NULL DEFAULT 0,
			embed_fallback INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_chat_thread ON messages(chat_id, thread_id, timestamp)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_user_chat ON facts(user_id, chat_id, is_active)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_fact_versions_fact ON fact_versions(fact_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_episodes_chat ON episodes(chat_id, last_accessed_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_proactive_chat ON proactive_events(chat_id, decision, created_at)`)

	// At most one active row per identity.
	_, _ = s.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_active_unique
		ON facts(user_id, chat_id, type, key, value_canonical) WHERE is_active = 1`)

	// FTS5 full-text index for keyword search over message text.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(chat_id UNINDEXED, message_id UNINDEXED, text)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Messages ---

// StoreMessage inserts a message. Re-ingesting the same (chat_id, id) is a
// no-op; platform retries deliver duplicates.
func (s *Store) StoreMessage(ctx context.Context, msg banter.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: store message", "chat_id", msg.ChatID, "id", msg.ID, "user_id", msg.UserID)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
		 (id, chat_id, thread_id, user_id, author_name, text, media, reply_to_id, timestamp, embedding, retention_flag, is_from_self)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.ThreadID, msg.UserID, msg.AuthorName, msg.Text,
		jsonOrNull(msg.Media), msg.ReplyToID, msg.Timestamp,
		embeddingOrNull(msg.Embedding), boolInt(msg.RetentionFlag), boolInt(msg.IsFromSelf),
	)
	if err != nil {
		s.logger.Error("sqlite: store message failed", "chat_id", msg.ChatID, "id", msg.ID, "error", err)
		return storeErr("store message", err)
	}
	if n, _ := res.RowsAffected(); n > 0 && msg.Text != "" {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO messages_fts(chat_id, message_id, text) VALUES (?, ?, ?)`,
			msg.ChatID, msg.ID, msg.Text,
		); err != nil {
			return storeErr("index message", err)
		}
	}
	s.logger.Debug("sqlite: store message ok", "chat_id", msg.ChatID, "id", msg.ID, "duration", time.Since(start))
	return nil
}

// RecentMessages returns the newest messages for (chat, thread) in
// chronological order (oldest first).
func (s *Store) RecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]banter.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, user_id, author_name, text, media, reply_to_id, timestamp, embedding, retention_flag, is_from_self
		 FROM messages
		 WHERE chat_id = ? AND thread_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		chatID, threadID, limit,
	)
	if err != nil {
		return nil, storeErr("recent messages", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SearchMessagesKeyword runs an FTS5 match over message text in a chat.
func (s *Store) SearchMessagesKeyword(ctx context.Context, chatID int64, query string, topK int) ([]banter.ScoredMessage, error) {
	start := time.Now()
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.thread_id, m.user_id, m.author_name, m.text, m.media, m.reply_to_id, m.timestamp, m.embedding, m.retention_flag, m.is_from_self,
		        bm25(messages_fts) AS rank
		 FROM messages_fts
		 JOIN messages m ON m.chat_id = messages_fts.chat_id AND m.id = messages_fts.message_id
		 WHERE messages_fts MATCH ? AND messages_fts.chat_id = ?
		 ORDER BY rank
		 LIMIT ?`,
		match, chatID, topK,
	)
	if err != nil {
		s.logger.Error("sqlite: keyword search failed", "chat_id", chatID, "error", err)
		return nil, storeErr("keyword search", err)
	}
	defer rows.Close()

	var results []banter.ScoredMessage
	for rows.Next() {
		var m banter.Message
		var rank float64
		if err := scanMessageRow(rows, &m, &rank); err != nil {
			return nil, err
		}
		// bm25 rank is lower-is-better; flip to a positive score.
		results = append(results, banter.ScoredMessage{Message: m, Score: 1.0 / (1.0 - rank)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate keyword hits", err)
	}
	s.logger.Debug("sqlite: keyword search ok", "chat_id", chatID, "hits", len(results), "duration", time.Since(start))
	return results, nil
}

// SearchMessagesSemantic performs brute-force cosine similarity search over
// embedded messages in a chat.
func (s *Store) SearchMessagesSemantic(ctx context.Context, chatID int64, embedding []float32, topK int) ([]banter.ScoredMessage, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, user_id, author_name, text, media, reply_to_id, timestamp, embedding, retention_flag, is_from_self
		 FROM messages WHERE chat_id = ? AND embedding IS NOT NULL`,
		chatID,
	)
	if err != nil {
		return nil, storeErr("semantic search", err)
	}
	defer rows.Close()

	var results []banter.ScoredMessage
	scanned := 0
	for rows.Next() {
		var m banter.Message
		if err := scanMessageRow(rows, &m, nil); err != nil {
			return nil, err
		}
		scanned++
		if len(m.Embedding) == 0 {
			continue
		}
		results = append(results, banter.ScoredMessage{Message: m, Score: banter.CosineSimilarity(embedding, m.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate messages", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: semantic search ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// SetMessageEmbedding attaches an embedding to a stored message.
func (s *Store) SetMessageEmbedding(ctx context.Context, chatID, messageID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET embedding = ? WHERE chat_id = ? AND id = ?`,
		serializeEmbedding(embedding), chatID, messageID,
	)
	if err != nil {
		return storeErr("set embedding", err)
	}
	return nil
}

// PruneMessages deletes messages older than cutoff without a retention flag.
func (s *Store) PruneMessages(ctx context.Context, cutoff int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin prune", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE (chat_id, message_id) IN
		 (SELECT chat_id, id FROM messages WHERE timestamp < ? AND retention_flag = 0)`,
		cutoff,
	); err != nil {
		return 0, storeErr("prune fts", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE timestamp < ? AND retention_flag = 0`, cutoff)
	if err != nil {
		return 0, storeErr("prune messages", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit prune", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("sqlite: pruned messages", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}

// --- Profiles ---

// TouchProfile upserts the (user, chat) profile, bumping last_seen and
// interaction_count.
func (s *Store) TouchProfile(ctx context.Context, userID, chatID int64, displayName string, seenAt int64) (banter.Profile, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, chat_id, display_name, first_seen, last_seen, interaction_count)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT (user_id, chat_id) DO UPDATE SET
		   display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE profiles.display_name END,
		   last_seen = excluded.last_seen,
		   interaction_count = profiles.interaction_count + 1`,
		userID, chatID, displayName, seenAt, seenAt,
	)
	if err != nil {
		return banter.Profile{}, storeErr("touch profile", err)
	}
	return s.GetProfile(ctx, userID, chatID)
}

// GetProfile returns the (user, chat) profile.
func (s *Store) GetProfile(ctx context.Context, userID, chatID int64) (banter.Profile, error) {
	var p banter.Profile
	var aliases sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, chat_id, display_name, aliases, first_seen, last_seen, interaction_count, summary_text, summary_version, summary_updated_at
		 FROM profiles WHERE user_id = ? AND chat_id = ?`,
		userID, chatID,
	).Scan(&p.UserID, &p.ChatID, &p.DisplayName, &aliases, &p.FirstSeen, &p.LastSeen,
		&p.InteractionCount, &p.SummaryText, &p.SummaryVersion, &p.SummaryUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return banter.Profile{}, banter.ErrNotFound
	}
	if err != nil {
		return banter.Profile{}, storeErr("get profile", err)
	}
	if aliases.Valid {
		_ = json.Unmarshal([]byte(aliases.String), &p.Aliases)
	}
	return p, nil
}

// UpdateProfileSummary replaces summary_text and bumps summary_version.
func (s *Store) UpdateProfileSummary(ctx context.Context, userID, chatID int64, summary string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET summary_text = ?, summary_version = summary_version + 1, summary_updated_at = ?
		 WHERE user_id = ? AND chat_id = ?`,
		summary, at, userID, chatID,
	)
	if err != nil {
		return storeErr("update summary", err)
	}
	return nil
}

// --- Facts ---

// ActiveFacts returns all active facts for (user, chat).
func (s *Store) ActiveFacts(ctx context.Context, userID, chatID int64) ([]banter.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, chat_id, type, key, value_canonical, confidence, is_active, evidence_message_id, source, embedding, created_at, last_reinforced_at, last_decayed_at
		 FROM facts WHERE user_id = ? AND chat_id = ? AND is_active = 1
		 ORDER BY id`,
		userID, chatID,
	)
	if err != nil {
		return nil, storeErr("active facts", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// SearchFactsSemantic returns active facts nearest to the query embedding.
func (s *Store) SearchFactsSemantic(ctx context.Context, userID, chatID int64, embedding []float32, topK int) ([]banter.ScoredFact, error) {
	facts, err := s.ActiveFacts(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	var results []banter.ScoredFact
	for _, f := range facts {
		if len(f.Embedding) == 0 {
			continue
		}
		results = append(results, banter.ScoredFact{Fact: f, Score: banter.CosineSimilarity(embedding, f.Embedding)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// ApplyFactChanges commits one quality batch atomically. Every change writes
// its fact mutation and exactly one version row in the same transaction;
// version numbers continue each fact's strictly increasing sequence.
func (s *Store) ApplyFactChanges(ctx context.Context, windowID int64, changes []banter.FactChange, metrics banter.QualityMetrics) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin fact batch", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ids := make([]int64, len(changes))
	for i, ch := range changes {
		factID, err := s.applyChange(ctx, tx, ch, ids)
		if err != nil {
			s.logger.Error("sqlite: fact batch failed", "window_id", windowID, "change", i, "error", err)
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fact_versions (fact_id, version_number, change_type, old_value, new_value, old_confidence, new_confidence, delta_confidence, reason, created_at)
			 VALUES (?, (SELECT COALESCE(MAX(version_number), 0) + 1 FROM fact_versions WHERE fact_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`,
			factID, factID, string(ch.Kind), ch.OldValue, ch.NewValue,
			ch.OldConfidence, ch.NewConfidence, delta, reason, banter.NowUnix(),
		); err != nil {
			return storeErr("insert version", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quality_metrics (window_id, candidates, created, reinforced, evolved, superseded, corrected, embed_fallback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableID(windowID), metrics.Candidates, metrics.Created, metrics.Reinforced,
		metrics.Evolved, metrics.Superseded, metrics.Corrected, boolInt(metrics.EmbedFallback), metrics.CreatedAt,
	); err != nil {
		return storeErr("insert metrics", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit fact batch", err)
	}
	s.logger.Debug("sqlite: fact batch ok", "window_id", windowID, "changes", len(changes), "duration", time.Since(start))
	return nil
}

// applyChange performs the fact-row mutation for one change and returns the
// affected fact id. ids carries already-resolved ids for earlier changes in
// the batch.
func (s *Store) applyChange(ctx context.Context, tx *sql.Tx, ch banter.FactChange, ids []int64) (int64, error) {
	factID := ch.FactID
	if factID == 0 && ch.TargetIndex >= 0 && ch.TargetIndex < len(ids) {
		factID = ids[ch.TargetIndex]
	}

	switch ch.Kind {
	case banter.ChangeCreation:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO facts (user_id, chat_id, type, key, value_canonical, confidence, is_active, evidence_message_id, source, embedding, created_at, last_reinforced_at, last_decayed_at)
			 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
			ch.Fact.UserID, ch.Fact.ChatID, ch.Fact.Type, ch.Fact.Key, ch.Fact.ValueCanonical,
			ch.Fact.Confidence, ch.Fact.EvidenceMessageID, string(ch.Fact.Source),
			embeddingOrNull(ch.Fact.Embedding), ch.Fact.CreatedAt, ch.Fact.LastReinforcedAt, ch.Fact.LastDecayedAt,
		)
		if err != nil {
			return 0, storeErr("insert fact", err)
		}
		return res.LastInsertId()

	case banter.ChangeCorrection:
		// Reactivate an existing inactive row with the candidate's value.
		_, err := tx.ExecContext(ctx,
			`UPDATE facts SET is_active = 1, value_canonical = ?, confidence = ?, source = ?, last_reinforced_at = ?, last_decayed_at = ?
			 WHERE id = ?`,
			ch.NewValue, ch.NewConfidence, string(ch.Fact.Source),
			ch.Fact.LastReinforcedAt, ch.Fact.LastDecayedAt, factID,
		)
		if err != nil {
			return 0, storeErr("reactivate fact", err)
		}
		return factID, nil

	case banter.ChangeReinforcement, banter.ChangeEvolution:
		_, err := tx.ExecContext(ctx,
			`UPDATE facts SET value_canonical = ?, confidence = ?, embedding = COALESCE(?, embedding), last_reinforced_at = ?, last_decayed_at = ?
			 WHERE id = ?`,
			ch.NewValue, ch.NewConfidence, embeddingOrNull(ch.Fact.Embedding),
			ch.Fact.LastReinforcedAt, ch.Fact.LastDecayedAt, factID,
		)
		if err != nil {
			return 0, storeErr("update fact", err)
		}
		return factID, nil

	case banter.ChangeSupersession:
		_, err := tx.ExecContext(ctx,
			`UPDATE facts SET is_active = 0, confidence = ?, last_decayed_at = ? WHERE id = ?`,
			ch.NewConfidence, ch.Fact.LastDecayedAt, factID,
		)
		if err != nil {
			return 0, storeErr("supersede fact", err)
		}
		return factID, nil

	default:
		return 0, fmt.Errorf("unknown change type %q", ch.Kind)
	}
}

// FindInactiveFact looks up a deactivated row matching the identity exactly,
// for correction reactivation.
func (s *Store) FindInactiveFact(ctx context.Context, userID, chatID int64, factType, key, canonical string) (banter.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, chat_id, type, key, value_canonical, confidence, is_active, evidence_message_id, source, embedding, created_at, last_reinforced_at, last_decayed_at
		 FROM facts
		 WHERE user_id = ? AND chat_id = ? AND type = ? AND key = ? AND value_canonical = ? AND is_active = 0
		 ORDER BY id DESC LIMIT 1`,
		userID, chatID, factType, key, canonical,
	)
	if err != nil {
		return banter.Fact{}, storeErr("find inactive fact", err)
	}
	defer rows.Close()
	facts, err := scanFacts(rows)
	if err != nil {
		return banter.Fact{}, err
	}
	if len(facts) == 0 {
		return banter.Fact{}, banter.ErrNotFound
	}
	return facts[0], nil
}

// FactVersions returns the append-only history for a fact, oldest first.
func (s *Store) FactVersions(ctx context.Context, factID int64) ([]banter.FactVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fact_id, version_number, change_type, old_value, new_value, old_confidence, new_confidence, delta_confidence, reason, created_at
		 FROM fact_versions WHERE fact_id = ? ORDER BY version_number`,
		factID,
	)
	if err != nil {
		return nil, storeErr("fact versions", err)
	}
	defer rows.Close()

	var versions []banter.FactVersion
	for rows.Next() {
		var v banter.FactVersion
		var changeType string
		if err := rows.Scan(&v.ID, &v.FactID, &v.VersionNumber, &changeType, &v.OldValue, &v.NewValue,
			&v.OldConfidence, &v.NewConfidence, &v.DeltaConfidence, &v.Reason, &v.CreatedAt); err != nil {
			return nil, storeErr("scan version", err)
		}
		v.ChangeType = banter.ChangeType(changeType)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Windows ---

// CreateWindow persists a closed window and returns its id.
func (s *Store) CreateWindow(ctx context.Context, w banter.Window) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO windows (chat_id, thread_id, first_message_id, last_message_id, message_count, participants, opened_at, closed_at, closure_reason, dominant_value, processed, skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		w.ChatID, w.ThreadID, w.FirstMessageID, w.LastMessageID, w.MessageCount,
		jsonOrNull(w.Participants), w.OpenedAt, w.ClosedAt, string(w.ClosureReason), int(w.DominantValue),
	)
	if err != nil {
		return 0, storeErr("create window", err)
	}
	return res.LastInsertId()
}

func (s *Store) setWindowFlags(ctx context.Context, windowID int64, processed, skipped int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE windows SET processed = ?, skipped = ? WHERE id = ?`, processed, skipped, windowID)
	if err != nil {
		return storeErr("mark window", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return banter.ErrNotFound
	}
	return nil
}

func (s *Store) MarkWindowProcessed(ctx context.Context, windowID int64) error {
	return s.setWindowFlags(ctx, windowID, 1, 0)
}

func (s *Store) MarkWindowFailed(ctx context.Context, windowID int64) error {
	return s.setWindowFlags(ctx, windowID, 0, 0)
}

func (s *Store) MarkWindowSkipped(ctx context.Context, windowID int64) error {
	return s.setWindowFlags(ctx, windowID, 0, 1)
}

// --- Episodes ---

// StoreEpisode persists an episode.
func (s *Store) StoreEpisode(ctx context.Context, ep banter.Episode) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (chat_id, thread_id, topic, summary, message_ids, participants, importance, valence, tags, created_at, last_accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ChatID, ep.ThreadID, ep.Topic, ep.Summary,
		jsonOrNull(ep.MessageIDs), jsonOrNull(ep.Participants),
		ep.Importance, string(ep.Valence), jsonOrNull(ep.Tags), ep.CreatedAt, ep.LastAccessedAt,
	)
	if err != nil {
		return 0, storeErr("store episode", err)
	}
	return res.LastInsertId()
}

// RecentEpisodes returns episodes for a chat ordered by last_accessed_at
// descending.
func (s *Store) RecentEpisodes(ctx context.Context, chatID int64, limit int) ([]banter.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, topic, summary, message_ids, participants, importance, valence, tags, created_at, last_accessed_at
		 FROM episodes WHERE chat_id = ?
		 ORDER BY last_accessed_at DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, storeErr("recent episodes", err)
	}
	defer rows.Close()

	var episodes []banter.Episode
	for rows.Next() {
		var ep banter.Episode
		var messageIDs, participants, tags sql.NullString
		var valence string
		if err := rows.Scan(&ep.ID, &ep.ChatID, &ep.ThreadID, &ep.Topic, &ep.Summary,
			&messageIDs, &participants, &ep.Importance, &valence, &tags, &ep.CreatedAt, &ep.LastAccessedAt); err != nil {
			return nil, storeErr("scan episode", err)
		}
		ep.Valence = banter.Valence(valence)
		if messageIDs.Valid {
			_ = json.Unmarshal([]byte(messageIDs.String), &ep.MessageIDs)
		}
		if participants.Valid {
			_ = json.Unmarshal([]byte(participants.String), &ep.Participants)
		}
		if tags.Valid {
			_ = json.Unmarshal([]byte(tags.String), &ep.Tags)
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
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET last_accessed_at = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return storeErr("touch episodes", err)
	}
	return nil
}

// --- Proactive events ---

// RecordProactiveSuppress persists a SUPPRESS decision.
func (s *Store) RecordProactiveSuppress(ctx context.Context, ev banter.ProactiveEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO proactive_events (chat_id, window_id, user_id, intent_type, intent_confidence, adjusted_confidence, decision, block_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ChatID, ev.WindowID, ev.UserID, string(ev.IntentType), ev.IntentConfidence,
		ev.AdjustedConfidence, string(banter.DecisionSuppress), ev.BlockReason, ev.CreatedAt,
	)
	if err != nil {
		return 0, storeErr("record suppress", err)
	}
	return res.LastInsertId()
}

// RecordProactiveSend persists a SEND decision, re-checking the global
// cooldown inside the same transaction so concurrent workers serialize.
func (s *Store) RecordProactiveSend(ctx context.Context, ev banter.ProactiveEvent, minGapSeconds int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin send record", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM proactive_events WHERE chat_id = ? AND decision = ?`,
		ev.ChatID, string(banter.DecisionSend),
	).Scan(&last); err != nil {
		return 0, storeErr("cooldown check", err)
	}
	if last.Valid && ev.CreatedAt-last.Int64 < minGapSeconds {
		return 0, banter.ErrCooldownActive
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO proactive_events (chat_id, window_id, user_id, intent_type, intent_confidence, adjusted_confidence, decision, response_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ChatID, ev.WindowID, ev.UserID, string(ev.IntentType), ev.IntentConfidence,
		ev.AdjustedConfidence, string(banter.DecisionSend), ev.ResponseMessageID, ev.CreatedAt,
	)
	if err != nil {
		return 0, storeErr("record send", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("send id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit send", err)
	}
	return id, nil
}

// ProactiveHistory returns the newest events for (chat, user), newest first.
// userID 0 matches every user.
func (s *Store) ProactiveHistory(ctx context.Context, chatID, userID int64, limit int) ([]banter.ProactiveEvent, error) {
	query := `SELECT id, chat_id, window_id, user_id, intent_type, intent_confidence, adjusted_confidence, decision, block_reason, response_message_id, user_reaction, reaction_delay_ms, created_at
	          FROM proactive_events WHERE chat_id = ?`
	args := []any{chatID}
	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("proactive history", err)
	}
	defer rows.Close()
	return scanProactiveEvents(rows)
}

// LastProactiveSend returns the newest SENT event for a chat, optionally
// filtered by user or intent (zero values disable the filters).
func (s *Store) LastProactiveSend(ctx context.Context, chatID, userID int64, intent banter.IntentType) (banter.ProactiveEvent, error) {
	query := `SELECT id, chat_id, window_id, user_id, intent_type, intent_confidence, adjusted_confidence, decision, block_reason, response_message_id, user_reaction, reaction_delay_ms, created_at
	          FROM proactive_events WHERE chat_id = ? AND decision = ?`
	args := []any{chatID, string(banter.DecisionSend)}
	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if intent != "" {
		query += ` AND intent_type = ?`
		args = append(args, string(intent))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return banter.ProactiveEvent{}, storeErr("last send", err)
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
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proactive_events WHERE chat_id = ? AND decision = ? AND created_at >= ?`,
		chatID, string(banter.DecisionSend), since,
	).Scan(&n)
	if err != nil {
		return 0, storeErr("count sends", err)
	}
	return n, nil
}

// SetProactiveReaction records the user reaction on a SENT event.
func (s *Store) SetProactiveReaction(ctx context.Context, eventID int64, r banter.Reaction, delayMs int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proactive_events SET user_reaction = ?, reaction_delay_ms = ? WHERE id = ?`,
		string(r), delayMs, eventID,
	)
	if err != nil {
		return storeErr("set reaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return banter.ErrNotFound
	}
	return nil
}

// PendingReactionEvents returns SENT events with no recorded reaction older
// than cutoff.
func (s *Store) PendingReactionEvents(ctx context.Context, cutoff int64) ([]banter.ProactiveEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, window_id, user_id, intent_type, intent_confidence, adjusted_confidence, decision, block_reason, response_message_id, user_reaction, reaction_delay_ms, created_at
		 FROM proactive_events
		 WHERE decision = ? AND user_reaction = '' AND created_at < ?
		 ORDER BY created_at`,
		string(banter.DecisionSend), cutoff,
	)
	if err != nil {
		return nil, storeErr("pending reactions", err)
	}
	defer rows.Close()
	return scanProactiveEvents(rows)
}

// --- Embedding cache persistent tier ---

// GetCachedEmbedding returns the cached vector and bumps its access stats.
func (s *Store) GetCachedEmbedding(ctx context.Context, textSHA256, modelID string) ([]float32, error) {
	var vectorJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embedding_cache WHERE text_sha256 = ? AND model_id = ?`,
		textSHA256, modelID,
	).Scan(&vectorJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, banter.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("cache get", err)
	}
	_, _ = s.db.ExecContext(ctx,
		`UPDATE embedding_cache SET last_accessed_at = ?, access_count = access_count + 1
		 WHERE text_sha256 = ? AND model_id = ?`,
		banter.NowUnix(), textSHA256, modelID,
	)
	return deserializeEmbedding(vectorJSON)
}

// PutCachedEmbedding upserts a persistent-tier cache row.
func (s *Store) PutCachedEmbedding(ctx context.Context, entry banter.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding_cache (text_sha256, model_id, vector, created_at, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (text_sha256, model_id) DO UPDATE SET
		   last_accessed_at = excluded.last_accessed_at,
		   access_count = embedding_cache.access_count + 1`,
		entry.TextSHA256, entry.ModelID, serializeEmbedding(entry.Vector),
		entry.CreatedAt, entry.LastAccessedAt, entry.AccessCount,
	)
	if err != nil {
		return storeErr("cache put", err)
	}
	return nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(rows rowScanner, m *banter.Message, rank *float64) error {
	var media, embJSON sql.NullString
	var retention, fromSelf int
	dest := []any{&m.ID, &m.ChatID, &m.ThreadID, &m.UserID, &m.AuthorName, &m.Text,
		&media, &m.ReplyToID, &m.Timestamp, &embJSON, &retention, &fromSelf}
	if rank != nil {
		dest = append(dest, rank)
	}
	if err := rows.Scan(dest...); err != nil {
		return storeErr("scan message", err)
	}
	if media.Valid {
		_ = json.Unmarshal([]byte(media.String), &m.Media)
	}
	if embJSON.Valid {
		if v, err := deserializeEmbedding(embJSON.String); err == nil {
			m.Embedding = v
		}
	}
	m.RetentionFlag = retention != 0
	m.IsFromSelf = fromSelf != 0
	return nil
}

func scanMessages(rows *sql.Rows) ([]banter.Message, error) {
	var messages []banter.Message
	for rows.Next() {
		var m banter.Message
		if err := scanMessageRow(rows, &m, nil); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanFacts(rows *sql.Rows) ([]banter.Fact, error) {
	var facts []banter.Fact
	for rows.Next() {
		var f banter.Fact
		var active int
		var source string
		var embJSON sql.NullString
		if err := rows.Scan(&f.ID, &f.UserID, &f.ChatID, &f.Type, &f.Key, &f.ValueCanonical,
			&f.Confidence, &active, &f.EvidenceMessageID, &source, &embJSON,
			&f.CreatedAt, &f.LastReinforcedAt, &f.LastDecayedAt); err != nil {
			return nil, storeErr("scan fact", err)
		}
		f.IsActive = active != 0
		f.Source = banter.FactSource(source)
		if embJSON.Valid {
			if v, err := deserializeEmbedding(embJSON.String); err == nil {
				f.Embedding = v
			}
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func scanProactiveEvents(rows *sql.Rows) ([]banter.ProactiveEvent, error) {
	var events []banter.ProactiveEvent
	for rows.Next() {
		var ev banter.ProactiveEvent
		var intent, decision, reaction string
		if err := rows.Scan(&ev.ID, &ev.ChatID, &ev.WindowID, &ev.UserID, &intent,
			&ev.IntentConfidence, &ev.AdjustedConfidence, &decision, &ev.BlockReason,
			&ev.ResponseMessageID, &reaction, &ev.ReactionDelayMs, &ev.CreatedAt); err != nil {
			return nil, storeErr("scan event", err)
		}
		ev.IntentType = banter.IntentType(intent)
		ev.Decision = banter.Decision(decision)
		ev.UserReaction = banter.Reaction(reaction)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Serialization helpers ---

func serializeEmbedding(v []float32) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("deserialize embedding: %w", err)
	}
	return v, nil
}

func jsonOrNull[T any](v []T) any {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func embeddingOrNull(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return serializeEmbedding(v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// ftsQuery turns free text into a safe FTS5 OR-query of quoted tokens.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	var tokens []string
	for _, f := range fields {
		f = strings.Trim(f, `"'?!.,;:()`)
		if len([]rune(f)) < 2 {
			continue
		}
		tokens = append(tokens, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(tokens, " OR ")
}

func storeErr(op string, err error) error {
	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "busy") {
		return fmt.Errorf("%s: %w: %v", op, banter.ErrStoreUnavailable, err)
	}
	if strings.Contains(err.Error(), "malformed") || strings.Contains(err.Error(), "corrupt") {
		return fmt.Errorf("%s: %w: %v", op, banter.ErrStoreCorrupt, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
