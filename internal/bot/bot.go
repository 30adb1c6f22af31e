// Package bot wires configuration, storage, providers, and the pipeline
// into a runnable group-chat agent.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/banter"
	"github.com/nevindra/banter/frontend/telegram"
	"github.com/nevindra/banter/internal/config"
	"github.com/nevindra/banter/observer"
	"github.com/nevindra/banter/provider/resolve"
	"github.com/nevindra/banter/store/postgres"
	"github.com/nevindra/banter/store/sqlite"
	"github.com/nevindra/banter/tools/recall"
	"github.com/nevindra/banter/tools/webpage"
)

// Bot owns the full agent: store, providers, pipeline, and frontend.
type Bot struct {
	cfg      config.Config
	logger   *slog.Logger
	store    banter.Store
	frontend banter.Frontend
	orch     *banter.Orchestrator
	queue    *banter.Queue
	pool     *banter.WorkerPool
	stopPool context.CancelFunc
	metrics  *observer.PipelineMetrics

	shutdownObserver func(context.Context) error
	closeStore       func() error
}

// shutdownGrace bounds how long shutdown waits for the workers to finish the
// windows flushed on exit before cutting them off.
const shutdownGrace = 10 * time.Second

// New builds a Bot from config. The store is not initialized until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{cfg: cfg, logger: logger}

	if err := b.openStore(ctx); err != nil {
		return nil, err
	}

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		b.shutdownObserver = shutdown
		b.metrics = observer.NewPipelineMetrics(inst)
	}

	chatLLM, intentLLM, embedder, err := b.buildProviders(inst)
	if err != nil {
		return nil, err
	}

	if cfg.Pipeline.EnableAsync {
		b.queue = banter.NewQueue(cfg.Pipeline.QueueCapacity)
	}

	b.frontend = telegram.NewBot(cfg.Telegram.Token, telegram.WithLogger(logger))
	if b.metrics != nil {
		b.frontend = &meteredFrontend{Frontend: b.frontend, metrics: b.metrics}
	}
	b.orch = b.buildOrchestrator(chatLLM, intentLLM, embedder, inst)

	return b, nil
}

// openStore opens the configured storage backend.
func (b *Bot) openStore(ctx context.Context) error {
	switch b.cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, b.cfg.Database.PostgresURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		b.store = postgres.New(pool,
			postgres.WithEmbeddingDimension(b.cfg.Embedding.Dimensions),
		)
		b.closeStore = func() error { pool.Close(); return nil }
	default:
		st := sqlite.New(b.cfg.Database.Path, sqlite.WithLogger(b.logger))
		b.store = st
		b.closeStore = st.Close
	}
	return nil
}

// buildProviders resolves and wraps the chat, intent, and embedding
// providers: breaker inside, retry around it, observability outermost.
func (b *Bot) buildProviders(inst *observer.Instruments) (chatLLM, intentLLM banter.Provider, embedder banter.Embedder, err error) {
	chatLLM, err = resolve.Provider(resolve.Config{
		Provider: b.cfg.LLM.Provider,
		APIKey:   b.cfg.LLM.APIKey,
		Model:    b.cfg.LLM.Model,
		BaseURL:  b.cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("chat provider: %w", err)
	}

	intentLLM, err = resolve.Provider(resolve.Config{
		Provider: b.cfg.Intent.Provider,
		APIKey:   b.cfg.Intent.APIKey,
		Model:    b.cfg.Intent.Model,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("intent provider: %w", err)
	}

	embedProvider, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   b.cfg.Embedding.Provider,
		APIKey:     b.cfg.Embedding.APIKey,
		Model:      b.cfg.Embedding.Model,
		Dimensions: b.cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("embedding provider: %w", err)
	}

	chatLLM = b.guard("llm", chatLLM)
	intentLLM = b.guard("intent", intentLLM)
	chatLLM = banter.WithRetry(chatLLM, banter.RetryLogger(b.logger))
	intentLLM = banter.WithRetry(intentLLM, banter.RetryLogger(b.logger))
	embedProvider = banter.WithEmbeddingRetry(embedProvider, banter.RetryLogger(b.logger))

	if inst != nil {
		chatLLM = observer.WrapProvider(chatLLM, b.cfg.LLM.Model, inst)
		intentLLM = observer.WrapProvider(intentLLM, b.cfg.Intent.Model, inst)
		embedProvider = observer.WrapEmbedding(embedProvider, b.cfg.Embedding.Model, inst)
	}

	embedder = banter.NewEmbedCache(embedProvider, b.store, banter.EmbedCacheConfig{
		Logger: b.logger,
	})
	return chatLLM, intentLLM, embedder, nil
}

// guard wraps a provider with a circuit breaker and per-call timeout.
func (b *Bot) guard(name string, p banter.Provider) banter.Provider {
	br := banter.NewBreaker(name,
		banter.BreakerThreshold(b.cfg.Pipeline.BreakerThreshold),
		banter.BreakerOpenFor(time.Duration(b.cfg.Pipeline.BreakerOpenSeconds)*time.Second),
		banter.BreakerCallTimeout(time.Duration(b.cfg.Pipeline.CallTimeoutSeconds)*time.Second),
		banter.BreakerLogger(b.logger),
	)
	return &guardedProvider{inner: p, breaker: br, metrics: b.metrics}
}

// buildOrchestrator assembles the pipeline components.
func (b *Bot) buildOrchestrator(chatLLM, intentLLM banter.Provider, embedder banter.Embedder, inst *observer.Instruments) *banter.Orchestrator {
	cfg := b.cfg

	classifier := banter.NewClassifier(banter.ClassifierConfig{
		Handle:   cfg.Telegram.Handle,
		Keywords: cfg.Telegram.AddressKeywords,
	})

	windower := banter.NewWindower(banter.WindowerConfig{
		Size:      cfg.Window.Size,
		Timeout:   time.Duration(cfg.Window.TimeoutSeconds) * time.Second,
		FilterLow: cfg.Window.EnableFiltering,
	})

	quality := banter.NewQualityManager(b.store, embedder, banter.QualityConfig{
		DedupSimilarity: cfg.Quality.DedupSimilarity,
		ConflictLow:     cfg.Quality.ConflictLow,
		HalfLifeDays:    cfg.Quality.FactHalfLifeDays,
		MinConfidence:   cfg.Quality.FactMinConfidence,
		Weights: banter.ConflictWeights{
			Confidence: cfg.Quality.WeightConfidence,
			Recency:    cfg.Quality.WeightRecency,
			Detail:     cfg.Quality.WeightDetail,
			Source:     cfg.Quality.WeightSource,
		},
	}, b.logger)

	assembler := banter.NewAssembler(b.store, embedder, banter.AssemblerConfig{
		TokenBudget:    cfg.Context.TokenBudget,
		EpisodicShare:  cfg.Context.EpisodicShare,
		RetrievedShare: cfg.Context.RetrievedShare,
		Logger:         b.logger,
	})

	intentClassifier := banter.NewIntentClassifier(intentLLM, nil, b.logger)

	trigger := banter.NewTrigger(b.store, intentClassifier, banter.ProactiveConfig{
		Enabled:                cfg.Proactive.Enabled,
		MinConfidence:          cfg.Proactive.MinConfidence,
		GlobalCooldownSeconds:  int64(cfg.Proactive.GlobalCooldownSeconds),
		UserCooldownSeconds:    int64(cfg.Proactive.UserCooldownSeconds),
		IntentCooldownSeconds:  int64(cfg.Proactive.IntentCooldownSeconds),
		HourlyLimit:            cfg.Proactive.HourlyLimit,
		DailyLimit:             cfg.Proactive.DailyLimit,
		ReactionTimeoutSeconds: int64(cfg.Proactive.ReactionTimeoutSeconds),
		Logger:                 b.logger,
	})

	episodes := banter.NewEpisodeMonitor(b.store, intentLLM, banter.EpisodeConfig{
		Logger: b.logger,
	})

	var tools []banter.Tool
	tools = append(tools, recall.New(b.store, embedder), webpage.New())
	if inst != nil {
		for i, t := range tools {
			tools[i] = observer.WrapTool(t, inst)
		}
	}
	registry := banter.NewToolRegistry(tools...)

	return banter.NewOrchestrator(banter.OrchestratorDeps{
		Store:      b.store,
		Classifier: classifier,
		Windower:   windower,
		Queue:      b.queue,
		Extractor:  banter.NewHybridExtractor(chatLLM),
		Quality:    quality,
		Assembler:  assembler,
		Trigger:    trigger,
		Episodes:   episodes,
		Embedder:   embedder,
		Provider:   chatLLM,
		Tools:      registry,
		Frontend:   b.frontend,
	}, banter.OrchestratorConfig{
		SystemPrompt:  cfg.Pipeline.SystemPrompt,
		FallbackReply: cfg.Pipeline.FallbackReply,
		AsyncWindows:  cfg.Pipeline.EnableAsync,
		RetentionDays: cfg.Pipeline.RetentionDays,
		Logger:        b.logger,
	})
}

// Run initializes the store, starts workers and maintenance, and consumes
// messages from the frontend until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	if b.queue != nil {
		handler := b.orch.ProcessWindowEvent
		if b.metrics != nil {
			inner := handler
			handler = func(ctx context.Context, ev *banter.Event) error {
				if ev.Window != nil {
					b.metrics.WindowClosed(ctx, string(ev.Window.ClosureReason))
				}
				return inner(ctx, ev)
			}
		}
		b.pool = banter.NewWorkerPool(b.queue, handler, banter.WorkerPoolConfig{
			Workers: b.cfg.Pipeline.Workers,
			Logger:  b.logger,
		})
		// The pool outlives the poll context so windows flushed during
		// shutdown still get processed; stopPool cuts it off after the
		// grace period.
		poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.stopPool = cancel
		b.pool.Start(poolCtx)
	}

	go b.orch.RunMaintenance(ctx, time.Minute)

	msgs, err := b.frontend.Poll(ctx)
	if err != nil {
		return fmt.Errorf("frontend poll: %w", err)
	}

	b.logger.Info("banter running",
		"driver", b.cfg.Database.Driver,
		"llm", b.cfg.LLM.Provider,
		"async", b.cfg.Pipeline.EnableAsync)

	// Messages are handled sequentially to preserve per-chat ordering for
	// windowing and learning.
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				b.shutdown()
				return nil
			}
			if b.metrics != nil {
				b.metrics.MessageIngested(ctx, msg.ChatID)
			}
			if err := b.orch.HandleMessage(ctx, toMessage(msg)); err != nil {
				b.logger.Error("message handling failed",
					"chat", msg.ChatID, "message", msg.ID, "error", err)
			}
		}
	}
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (b *Bot) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return b.Run(ctx)
}

// shutdown flushes open windows, drains workers, and closes resources.
func (b *Bot) shutdown() {
	b.logger.Info("banter shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	b.orch.Shutdown(ctx)
	if b.pool != nil {
		drainPool(b.pool, b.stopPool, shutdownGrace)
	}
	if b.closeStore != nil {
		if err := b.closeStore(); err != nil {
			b.logger.Warn("store close failed", "error", err)
		}
	}
	if b.shutdownObserver != nil {
		if err := b.shutdownObserver(ctx); err != nil {
			b.logger.Warn("observer shutdown failed", "error", err)
		}
	}
}

// drainPool waits for the workers to finish the remaining backlog, cancelling
// their context once the grace period runs out.
func drainPool(pool *banter.WorkerPool, stop context.CancelFunc, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
	if stop != nil {
		stop()
	}
	<-done
}

// toMessage converts a frontend message to the pipeline's message type.
func toMessage(in banter.IncomingMessage) banter.Message {
	return banter.Message{
		ID:         in.ID,
		ChatID:     in.ChatID,
		ThreadID:   in.ThreadID,
		UserID:     in.UserID,
		AuthorName: in.AuthorName,
		Text:       in.Text,
		Media:      in.MediaRefs,
		ReplyToID:  in.ReplyToID,
		Timestamp:  in.Timestamp,
		IsFromSelf: in.IsFromSelf,
	}
}
