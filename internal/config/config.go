// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Card provider (Stripe)
	StripeAPIKey        string
	StripeWebhookSecret string // Verifies inbound webhook signatures

	// Transfer provider (Wise)
	WiseAPIURL        string
	WiseAPIToken      string
	WiseWebhookSecret string // Verifies inbound transfer webhooks (optional; handler rejects when unset)

	// Internal job authentication
	JobSigningSecret string

	// Signature verification
	SignatureToleranceSeconds int64

	// Transfer polling
	PollIntervalSeconds int64
	PollMaxAttempts     int64

	// Metrics / SLO
	SLOTargetsPath   string
	SLOWatchTargets  bool
	CounterBufferCap int64

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, traces disabled if empty)
	RateLimitRPS int
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultWiseAPIURL       = "https://api.transferwise.com"
	DefaultSignatureTol     = 300
	DefaultPollInterval     = 3
	DefaultPollMaxAttempts  = 10
	DefaultSLOTargetsPath   = "slo.yaml"
	DefaultCounterBufferCap = 10000
	DefaultRateLimit        = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                 getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:               os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:              os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret:       os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WiseAPIURL:                getEnv("WISE_API_URL", DefaultWiseAPIURL),
		WiseAPIToken:              os.Getenv("WISE_API_TOKEN"),
		WiseWebhookSecret:         os.Getenv("WISE_WEBHOOK_SECRET"),
		JobSigningSecret:          os.Getenv("JOB_SIGNING_SECRET"),
		SignatureToleranceSeconds: getEnvInt64("SIGNATURE_TOLERANCE_SECONDS", DefaultSignatureTol),
		PollIntervalSeconds:       getEnvInt64("POLL_INTERVAL_SECONDS", DefaultPollInterval),
		PollMaxAttempts:           getEnvInt64("POLL_MAX_ATTEMPTS", DefaultPollMaxAttempts),
		SLOTargetsPath:            getEnv("SLO_TARGETS_PATH", DefaultSLOTargetsPath),
		SLOWatchTargets:           getEnv("SLO_WATCH_TARGETS", "true") == "true",
		CounterBufferCap:          getEnvInt64("COUNTER_BUFFER_CAP", DefaultCounterBufferCap),
		OTLPEndpoint:              os.Getenv("OTLP_ENDPOINT"),
		RateLimitRPS:              int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.JobSigningSecret == "" {
		return fmt.Errorf("JOB_SIGNING_SECRET is required")
	}
	if c.SignatureToleranceSeconds <= 0 {
		return fmt.Errorf("SIGNATURE_TOLERANCE_SECONDS must be positive")
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	if c.IsProduction() && c.WiseAPIToken == "" {
		return fmt.Errorf("WISE_API_TOKEN is required in production")
	}
	return nil
}

// SignatureTolerance returns the verification tolerance as a duration.
func (c *Config) SignatureTolerance() time.Duration {
	return time.Duration(c.SignatureToleranceSeconds) * time.Second
}

// PollInterval returns the inter-attempt poll delay as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
