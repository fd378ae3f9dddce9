// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	StorageBackend string // "memory", "sqlite", or "postgres"
	SQLitePath     string
	DatabaseURL    string // Postgres URL, used when StorageBackend is "postgres".
	MaxSpans       int
	MaxLogs        int

	// Retention settings.
	SweepInterval time.Duration
	SpanMaxAge    time.Duration
	LogMaxAge     time.Duration

	// Sampling settings.
	SamplingStrategy string // "always", "never", "ratio", or "parent"
	SamplingRatio    float64

	// Remote collector settings. Export is disabled when CollectorURL is
	// empty.
	CollectorURL    string
	CollectorAPIKey string
	ExportQueueSize int
	ExportBatchSize int
	ExportFlush     time.Duration
	ExportTimeout   time.Duration
	PendingCapacity int

	// Auth settings. Requests are unauthenticated when both are empty.
	APIKey     string // Plaintext key, for local development.
	APIKeyHash string // Argon2id-encoded key hash, preferred in production.

	// Rate limit settings.
	RateLimitRPS   float64
	RateLimitBurst int

	// Self-telemetry settings.
	OTELEndpoint string
	OTELInsecure bool

	// Service identity stamped onto produced spans and logs.
	ServiceName    string
	ServiceVersion string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KANSOKU_PORT", 8080),
		ReadTimeout:         envDuration("KANSOKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KANSOKU_WRITE_TIMEOUT", 30*time.Second),
		StorageBackend:      envStr("KANSOKU_STORAGE", "memory"),
		SQLitePath:          envStr("KANSOKU_SQLITE_PATH", "kansoku.db"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		MaxSpans:            envInt("KANSOKU_MAX_SPANS", 10_000),
		MaxLogs:             envInt("KANSOKU_MAX_LOGS", 50_000),
		SweepInterval:       envDuration("KANSOKU_SWEEP_INTERVAL", 5*time.Minute),
		SpanMaxAge:          envDuration("KANSOKU_SPAN_MAX_AGE", 24*time.Hour),
		LogMaxAge:           envDuration("KANSOKU_LOG_MAX_AGE", 24*time.Hour),
		SamplingStrategy:    envStr("KANSOKU_SAMPLING_STRATEGY", "always"),
		SamplingRatio:       envFloat("KANSOKU_SAMPLING_RATIO", 1.0),
		CollectorURL:        envStr("KANSOKU_COLLECTOR_URL", ""),
		CollectorAPIKey:     envStr("KANSOKU_COLLECTOR_API_KEY", ""),
		ExportQueueSize:     envInt("KANSOKU_EXPORT_QUEUE_SIZE", 2048),
		ExportBatchSize:     envInt("KANSOKU_EXPORT_BATCH_SIZE", 512),
		ExportFlush:         envDuration("KANSOKU_EXPORT_FLUSH_INTERVAL", 5*time.Second),
		ExportTimeout:       envDuration("KANSOKU_EXPORT_TIMEOUT", 30*time.Second),
		PendingCapacity:     envInt("KANSOKU_EXPORT_PENDING_CAPACITY", 1000),
		APIKey:              envStr("KANSOKU_API_KEY", ""),
		APIKeyHash:          envStr("KANSOKU_API_KEY_HASH", ""),
		RateLimitRPS:        envFloat("KANSOKU_RATE_LIMIT_RPS", 50),
		RateLimitBurst:      envInt("KANSOKU_RATE_LIMIT_BURST", 100),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kansoku"),
		ServiceVersion:      envStr("KANSOKU_SERVICE_VERSION", ""),
		LogLevel:            envStr("KANSOKU_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("KANSOKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KANSOKU_PORT %d out of range", c.Port)
	}
	switch c.StorageBackend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown KANSOKU_STORAGE %q", c.StorageBackend)
	}
	if c.StorageBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required for postgres storage")
	}
	if c.MaxSpans <= 0 {
		return fmt.Errorf("config: KANSOKU_MAX_SPANS must be positive")
	}
	if c.MaxLogs <= 0 {
		return fmt.Errorf("config: KANSOKU_MAX_LOGS must be positive")
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("config: KANSOKU_SAMPLING_RATIO %v out of range [0, 1]", c.SamplingRatio)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KANSOKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
