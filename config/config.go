// Package config loads bloop's runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds bloop's runtime tunables, grouped by the component
// that consumes them.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	LogLevel        string

	// Storage
	DatabaseDSN string
	RedisURL    string

	// Ingest
	MaxPayloadBytes  int64
	MaxStackBytes    int
	MaxMetadataBytes int
	MaxMessageBytes  int
	MaxBatchSize     int
	ChannelCapacity  int

	// Error pipeline
	FlushIntervalSecs   int
	FlushBatchSize      int
	SampleReservoirSize int

	// Retention
	RawEventsDays     int
	HourlyEventsDays  int
	PruneIntervalSecs int

	// Alerting
	CooldownSecs int

	// LLM pipeline
	LLMChannelCapacity          int
	LLMFlushIntervalSecs        int
	LLMFlushBatchSize           int
	MaxSpansPerTrace            int
	LLMMaxBatchSize             int
	DefaultContentStorage       string
	ContentPolicyCacheTTLSecs   int
	PricingRefreshIntervalSecs  int
	PricingURL                  string

	// Analytics
	AnalyticsCacheTTLSecs  int
	AnalyticsExtensionDir  string
	ZScoreThreshold        float64

	// Auth (external-collaborator stubs — bloop verifies credentials,
	// it does not issue or rotate them)
	IngestHMACSecret string
	QueryBearerToken string
}

// Load reads configuration from environment variables, applying
// sensible defaults where unset.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:            getEnv("BLOOP_ADDR", ":8080"),
		Env:             getEnv("BLOOP_ENV", "development"),
		GracefulTimeout: time.Duration(getEnvInt("BLOOP_GRACEFUL_TIMEOUT_SEC", 10)) * time.Second,
		LogLevel:        getEnv("BLOOP_LOG_LEVEL", "info"),

		DatabaseDSN: getEnv("BLOOP_DATABASE_DSN", "bloop.db"),
		RedisURL:    getEnv("BLOOP_REDIS_URL", "redis://localhost:6379/0"),

		MaxPayloadBytes:  int64(getEnvInt("BLOOP_MAX_PAYLOAD_BYTES", 1<<20)),
		MaxStackBytes:    getEnvInt("BLOOP_MAX_STACK_BYTES", 64*1024),
		MaxMetadataBytes: getEnvInt("BLOOP_MAX_METADATA_BYTES", 16*1024),
		MaxMessageBytes:  getEnvInt("BLOOP_MAX_MESSAGE_BYTES", 8*1024),
		MaxBatchSize:     getEnvInt("BLOOP_MAX_BATCH_SIZE", 500),
		ChannelCapacity:  getEnvInt("BLOOP_CHANNEL_CAPACITY", 10000),

		FlushIntervalSecs:   getEnvInt("BLOOP_FLUSH_INTERVAL_SECS", 5),
		FlushBatchSize:      getEnvInt("BLOOP_FLUSH_BATCH_SIZE", 200),
		SampleReservoirSize: getEnvInt("BLOOP_SAMPLE_RESERVOIR_SIZE", 20),

		RawEventsDays:     getEnvInt("BLOOP_RAW_EVENTS_DAYS", 30),
		HourlyEventsDays:  getEnvInt("BLOOP_HOURLY_EVENTS_DAYS", 90),
		PruneIntervalSecs: getEnvInt("BLOOP_PRUNE_INTERVAL_SECS", 3600),

		CooldownSecs: getEnvInt("BLOOP_COOLDOWN_SECS", 3600),

		LLMChannelCapacity:         getEnvInt("BLOOP_LLM_CHANNEL_CAPACITY", 10000),
		LLMFlushIntervalSecs:       getEnvInt("BLOOP_LLM_FLUSH_INTERVAL_SECS", 5),
		LLMFlushBatchSize:          getEnvInt("BLOOP_LLM_FLUSH_BATCH_SIZE", 200),
		MaxSpansPerTrace:           getEnvInt("BLOOP_MAX_SPANS_PER_TRACE", 1000),
		LLMMaxBatchSize:            getEnvInt("BLOOP_LLM_MAX_BATCH_SIZE", 500),
		DefaultContentStorage:      getEnv("BLOOP_DEFAULT_CONTENT_STORAGE", "full"),
		ContentPolicyCacheTTLSecs:  getEnvInt("BLOOP_CONTENT_POLICY_CACHE_TTL_SECS", 300),
		PricingRefreshIntervalSecs: getEnvInt("BLOOP_PRICING_REFRESH_INTERVAL_SECS", 21600),
		PricingURL:                 getEnv("BLOOP_PRICING_URL", ""),

		AnalyticsCacheTTLSecs: getEnvInt("BLOOP_ANALYTICS_CACHE_TTL_SECS", 60),
		AnalyticsExtensionDir: getEnv("BLOOP_DUCKDB_EXTENSION_DIR", "./duckdb_extensions"),
		ZScoreThreshold:       getEnvFloat("BLOOP_ZSCORE_THRESHOLD", 2.5),

		IngestHMACSecret: getEnv("BLOOP_INGEST_HMAC_SECRET", ""),
		QueryBearerToken: getEnv("BLOOP_QUERY_BEARER_TOKEN", ""),
	}
}

// IsDevelopment reports whether the service is running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
