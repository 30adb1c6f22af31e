package banter

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// EmbedCacheConfig controls the embedding cache.
type EmbedCacheConfig struct {
	// MemoryEntries caps the in-memory LRU tier. Default 10000.
	MemoryEntries int
	// MaxConcurrent caps in-flight provider calls. Default 5.
	MaxConcurrent int64
	// MinInterval spaces provider calls. Default 1s.
	MinInterval time.Duration
	// Logger for cache misses escalating to provider failures.
	Logger *slog.Logger
}

// EmbedCache is the two-tier embedding cache: an in-memory LRU in front of
// the store's persistent tier, with the provider as the source of truth.
// Lookup key is sha256 of the normalized text plus the model id, so a model
// upgrade naturally invalidates everything.
type EmbedCache struct {
	provider EmbeddingProvider
	store    Store
	modelID  string
	logger   *slog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu    sync.Mutex
	lru   *list.List // front = most recent
	index map[string]*list.Element
	cap   int

	stats EmbedCacheStats
}

// EmbedCacheStats are cumulative counters.
type EmbedCacheStats struct {
	MemoryHits     int64
	PersistentHits int64
	ProviderCalls  int64
	Failures       int64
}

type lruEntry struct {
	key    string
	vector []float32
}

var _ Embedder = (*EmbedCache)(nil)

// NewEmbedCache creates a cache over provider with store as the persistent
// tier. store may be nil, leaving only the memory tier.
func NewEmbedCache(provider EmbeddingProvider, store Store, cfg EmbedCacheConfig) *EmbedCache {
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = 10000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	return &EmbedCache{
		provider: provider,
		store:    store,
		modelID:  provider.Name(),
		logger:   cfg.Logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:  rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		lru:      list.New(),
		index:    map[string]*list.Element{},
		cap:      cfg.MemoryEntries,
	}
}

// EmbedText returns the embedding for text, hitting the memory tier, then
// the persistent tier, then the provider. Provider errors surface as
// ErrEmbeddingUnavailable so callers degrade instead of stalling.
func (c *EmbedCache) EmbedText(ctx context.Context, text string) ([]float32, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, fmt.Errorf("embed empty text: %w", ErrEmbeddingUnavailable)
	}
	sum := sha256.Sum256([]byte(normalized))
	key := hex.EncodeToString(sum[:])

	if v := c.memoryGet(key); v != nil {
		return v, nil
	}

	if c.store != nil {
		if v, err := c.store.GetCachedEmbedding(ctx, key, c.modelID); err == nil && len(v) > 0 {
			c.mu.Lock()
			c.stats.PersistentHits++
			c.mu.Unlock()
			c.memoryPut(key, v)
			return v, nil
		}
	}

	v, err := c.callProvider(ctx, normalized)
	if err != nil {
		c.mu.Lock()
		c.stats.Failures++
		c.mu.Unlock()
		c.logger.Warn("embedding provider failed", "model", c.modelID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	c.memoryPut(key, v)
	if c.store != nil {
		now := NowUnix()
		if err := c.store.PutCachedEmbedding(ctx, CacheEntry{
			TextSHA256: key, ModelID: c.modelID, Vector: v,
			CreatedAt: now, LastAccessedAt: now, AccessCount: 1,
		}); err != nil {
			// Persistent-tier write failure is not an embedding failure.
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return v, nil
}

// callProvider applies concurrency and pacing limits around one provider call.
func (c *EmbedCache) callProvider(ctx context.Context, text string) ([]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stats.ProviderCalls++
	c.mu.Unlock()

	vectors, err := c.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("provider returned %d vectors for 1 text", len(vectors))
	}
	return vectors[0], nil
}

func (c *EmbedCache) memoryGet(key string) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	c.lru.MoveToFront(el)
	c.stats.MemoryHits++
	return el.Value.(*lruEntry).vector
}

func (c *EmbedCache) memoryPut(key string, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.lru.MoveToFront(el)
		el.Value.(*lruEntry).vector = v
		return
	}
	c.index[key] = c.lru.PushFront(&lruEntry{key: key, vector: v})
	for c.lru.Len() > c.cap {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.index, oldest.Value.(*lruEntry).key)
	}
}

// Stats returns a snapshot of the counters.
func (c *EmbedCache) Stats() EmbedCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
