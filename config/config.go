// Package config loads all runtime configuration from environment
// variables with defaults matching the documented knobs. Credentials for
// upstream providers are read here and nowhere else.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Provider chain
	PrimaryProvider   string   // "yahoo", "twelvedata", or "angelone"
	FallbackProviders []string // ordered, tried after the primary
	ProviderTimeout   time.Duration

	// Provider credentials (only required when the provider is enabled)
	TwelveDataAPIKey string
	AngelAPIKey      string
	AngelClientCode  string
	AngelPassword    string
	AngelTOTPSecret  string
	AngelTokens      string // "INFY.NS:1594,TCS.NS:11536"

	// Cache
	CacheTTL        time.Duration
	CacheMaxEntries int
	HotCacheURL     string // empty disables the hot tier
	HotCachePass    string

	// Persistence
	SQLitePath  string
	DBPoolSize  int
	DBOverflow  int
	DBConnTTL   time.Duration
	ArtifactDir string

	// Scheduler
	RealtimeInterval   time.Duration
	PredictionInterval time.Duration
	EvaluationInterval time.Duration
	MaxInstancesPerJob int
	MisfireGrace       time.Duration
	DefaultHorizon     int

	// Merger
	MergerTimeout     time.Duration
	BotPredictTimeout time.Duration

	// Subscription fabric
	QueueDepth       int
	Heartbeat        time.Duration
	HeartbeatTimeout time.Duration

	// Watch list, always refreshed on top of live subscriptions.
	// "INFY.NS:5m,TCS.NS:15m"
	WatchList string

	// Listen addresses
	APIAddr     string
	MetricsAddr string

	// Training
	TrainingWorkers int

	// Alerting; all optional. Empty endpoints disable that channel.
	AlertWebhookURL    string
	TelegramBotToken   string
	TelegramChatID     string
	AlertMinConfidence float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		PrimaryProvider:   getEnv("PRIMARY_PROVIDER", "yahoo"),
		FallbackProviders: splitList(getEnv("FALLBACK_PROVIDERS", "")),
		ProviderTimeout:   getEnvSeconds("PROVIDER_TIMEOUT_SECONDS", 10),

		TwelveDataAPIKey: getEnv("TWELVEDATA_API_KEY", ""),
		AngelAPIKey:      getEnv("ANGEL_API_KEY", ""),
		AngelClientCode:  getEnv("ANGEL_CLIENT_CODE", ""),
		AngelPassword:    getEnv("ANGEL_PASSWORD", ""),
		AngelTOTPSecret:  getEnv("ANGEL_TOTP_SECRET", ""),
		AngelTokens:      getEnv("ANGEL_TOKENS", ""),

		CacheTTL:        getEnvSeconds("CACHE_TTL_SECONDS", 30),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 1024),
		HotCacheURL:     getEnv("HOT_CACHE_URL", ""),
		HotCachePass:    getEnv("HOT_CACHE_PASSWORD", ""),

		SQLitePath:  getEnv("SQLITE_PATH", "data/predserver.db"),
		DBPoolSize:  getEnvInt("DB_POOL_SIZE", 20),
		DBOverflow:  getEnvInt("DB_POOL_OVERFLOW", 40),
		DBConnTTL:   getEnvSeconds("DB_CONNECTION_TTL_SECONDS", 3600),
		ArtifactDir: getEnv("ARTIFACT_DIR", "data/artifacts"),

		RealtimeInterval:   getEnvSeconds("SCHEDULER_REALTIME_INTERVAL_SECONDS", 5),
		PredictionInterval: getEnvSeconds("SCHEDULER_PREDICTION_INTERVAL_SECONDS", 300),
		EvaluationInterval: getEnvSeconds("SCHEDULER_EVALUATION_INTERVAL_SECONDS", 300),
		MaxInstancesPerJob: getEnvInt("MAX_INSTANCES_PER_JOB", 3),
		MisfireGrace:       getEnvSeconds("MISFIRE_GRACE_SECONDS", 10),
		DefaultHorizon:     getEnvInt("DEFAULT_HORIZON_MINUTES", 180),

		MergerTimeout:     getEnvSeconds("MERGER_TIMEOUT_SECONDS", 30),
		BotPredictTimeout: getEnvSeconds("BOT_PREDICT_TIMEOUT_SECONDS", 8),

		QueueDepth:       getEnvInt("SUBSCRIPTION_QUEUE_DEPTH", 64),
		Heartbeat:        getEnvSeconds("HEARTBEAT_SECONDS", 30),
		HeartbeatTimeout: getEnvSeconds("HEARTBEAT_TIMEOUT_SECONDS", 60),

		// Default watch list: NIFTY bellwethers on NSE.
		WatchList: getEnv("WATCH_LIST", "RELIANCE.NS:5m,INFY.NS:5m"),

		APIAddr:     getEnv("API_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		TrainingWorkers: getEnvInt("TRAINING_WORKERS", 1),

		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:     getEnv("TELEGRAM_CHAT_ID", ""),
		AlertMinConfidence: getEnvFloat("ALERT_MIN_CONFIDENCE", 0),
	}
}

// Providers returns the full provider chain, primary first.
func (c *Config) Providers() []string {
	out := []string{c.PrimaryProvider}
	for _, p := range c.FallbackProviders {
		if p != c.PrimaryProvider {
			out = append(out, p)
		}
	}
	return out
}

// ParseWatchList parses WatchList into (symbol, timeframe-string) pairs.
// Malformed entries are logged and skipped.
func (c *Config) ParseWatchList() [][2]string {
	var out [][2]string
	for _, entry := range splitList(c.WatchList) {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Printf("[config] skipping malformed watch list entry: %q", entry)
			continue
		}
		out = append(out, [2]string{parts[0], parts[1]})
	}
	return out
}

// ParseAngelTokens parses AngelTokens into a symbol → token map.
func (c *Config) ParseAngelTokens() map[string]string {
	out := make(map[string]string)
	for _, entry := range splitList(c.AngelTokens) {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Printf("[config] skipping malformed token entry: %q", entry)
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s: invalid integer %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] %s: invalid float %q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
