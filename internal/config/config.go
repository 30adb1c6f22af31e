package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram  TelegramConfig  `toml:"telegram"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Intent    IntentConfig    `toml:"intent"`
	Database  DatabaseConfig  `toml:"database"`
	Window    WindowConfig    `toml:"window"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Quality   QualityConfig   `toml:"quality"`
	Context   ContextConfig   `toml:"context"`
	Proactive ProactiveConfig `toml:"proactive"`
	Observer  ObserverConfig  `toml:"observer"`
}

type TelegramConfig struct {
	Token string `toml:"token"`
	// Handle is the bot username matched for @-mentions, without the @.
	Handle string `toml:"handle"`
	// AddressKeywords are extra trigger words treated as addressing the bot.
	AddressKeywords []string `toml:"address_keywords"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

// IntentConfig selects the (typically cheaper) model used for intent
// classification and episode summarization. Falls back to the main LLM.
type IntentConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	// PostgresURL is a pgx connection string, used when Driver is postgres.
	PostgresURL string `toml:"postgres_url"`
}

type WindowConfig struct {
	Size            int  `toml:"size"`
	TimeoutSeconds  int  `toml:"timeout_seconds"`
	EnableFiltering bool `toml:"enable_filtering"`
}

type PipelineConfig struct {
	Workers            int    `toml:"workers"`
	QueueCapacity      int    `toml:"queue_capacity"`
	EnableAsync        bool   `toml:"enable_async"`
	BreakerThreshold   int    `toml:"breaker_threshold"`
	BreakerOpenSeconds int    `toml:"breaker_open_seconds"`
	CallTimeoutSeconds int    `toml:"call_timeout_seconds"`
	RetentionDays      int    `toml:"retention_days"`
	SystemPrompt       string `toml:"system_prompt"`
	FallbackReply      string `toml:"fallback_reply"`
}

type QualityConfig struct {
	DedupSimilarity   float64 `toml:"dedup_similarity"`
	ConflictLow       float64 `toml:"conflict_similarity_low"`
	FactHalfLifeDays  float64 `toml:"fact_half_life_days"`
	FactMinConfidence float64 `toml:"fact_min_confidence"`
	// Conflict scoring weights: confidence, recency, detail, source.
	WeightConfidence float64 `toml:"weight_confidence"`
	WeightRecency    float64 `toml:"weight_recency"`
	WeightDetail     float64 `toml:"weight_detail"`
	WeightSource     float64 `toml:"weight_source"`
}

type ContextConfig struct {
	TokenBudget    int     `toml:"token_budget"`
	EpisodicShare  float64 `toml:"episodic_share"`
	RetrievedShare float64 `toml:"retrieved_share"`
}

type ProactiveConfig struct {
	Enabled                bool    `toml:"enabled"`
	MinConfidence          float64 `toml:"min_confidence"`
	GlobalCooldownSeconds  int     `toml:"global_cooldown_seconds"`
	UserCooldownSeconds    int     `toml:"user_cooldown_seconds"`
	IntentCooldownSeconds  int     `toml:"intent_cooldown_seconds"`
	HourlyLimit            int     `toml:"hourly_limit"`
	DailyLimit             int     `toml:"daily_limit"`
	ReactionTimeoutSeconds int     `toml:"reaction_timeout_seconds"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Telegram:  TelegramConfig{Handle: "banter"},
		LLM:       LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash"},
		Embedding: EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimensions: 768},
		Intent:    IntentConfig{Provider: "gemini", Model: "gemini-2.5-flash-lite"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "banter.db"},
		Window:    WindowConfig{Size: 8, TimeoutSeconds: 180},
		Pipeline: PipelineConfig{
			Workers: 3, QueueCapacity: 1000,
			BreakerThreshold: 5, BreakerOpenSeconds: 60, CallTimeoutSeconds: 30,
			RetentionDays: 30,
		},
		Quality: QualityConfig{
			DedupSimilarity: 0.85, ConflictLow: 0.70,
			FactHalfLifeDays: 90, FactMinConfidence: 0.1,
			WeightConfidence: 0.40, WeightRecency: 0.30, WeightDetail: 0.20, WeightSource: 0.10,
		},
		Context: ContextConfig{TokenBudget: 8000, EpisodicShare: 0.33, RetrievedShare: 0.33},
		Proactive: ProactiveConfig{
			MinConfidence:         0.75,
			GlobalCooldownSeconds: 300, UserCooldownSeconds: 600, IntentCooldownSeconds: 1800,
			HourlyLimit: 6, DailyLimit: 40,
			ReactionTimeoutSeconds: 600,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "banter.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("BANTER_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("BANTER_TELEGRAM_HANDLE"); v != "" {
		cfg.Telegram.Handle = v
	}
	if v := os.Getenv("BANTER_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("BANTER_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("BANTER_INTENT_API_KEY"); v != "" {
		cfg.Intent.APIKey = v
	}
	if v := os.Getenv("BANTER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BANTER_POSTGRES_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v, ok := envBool("BANTER_ENABLE_ASYNC"); ok {
		cfg.Pipeline.EnableAsync = v
	}
	if v, ok := envBool("BANTER_ENABLE_FILTERING"); ok {
		cfg.Window.EnableFiltering = v
	}
	if v, ok := envBool("BANTER_ENABLE_PROACTIVE"); ok {
		cfg.Proactive.Enabled = v
	}
	if v, ok := envBool("BANTER_OBSERVER_ENABLED"); ok {
		cfg.Observer.Enabled = v
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Intent.Provider == "" {
		cfg.Intent.Provider = cfg.LLM.Provider
		cfg.Intent.Model = cfg.LLM.Model
	}
	if cfg.Intent.APIKey == "" {
		cfg.Intent.APIKey = cfg.LLM.APIKey
	}

	return cfg
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v == "1", true
	}
	return b, true
}
