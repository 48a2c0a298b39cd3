// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Remote marketplace API
	APIURL            string        // Base URL of the marketplace API (optional, uses in-memory demo backend if not set)
	APITimeout        time.Duration // Per-request timeout for remote calls
	ReadRetryAttempts int           // Attempts for read-only remote calls; mutations are never retried

	// Sessions
	JWTSecret  string
	SessionTTL time.Duration

	// Order lifecycle
	EscrowHoldDuration time.Duration
	OrderPollInterval  time.Duration
	PollRateLimit      float64 // Refetches per second shared by all order watchers
	PriceEpsilon       float64

	// Page links
	PublicBaseURL   string // Page-layer origin the hosted checkout widget returns to
	IdentityLinkURL string // Where users link their external identity before disputing

	// Security
	RateLimitRPS   int
	AllowedOrigins []string // CORS and WebSocket origins; "*" allows any
	WidgetOrigins  []string // Origins allowed to serve the hosted checkout widget script

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // Fraction of new traces recorded; parent decisions are honored
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultAPITimeout         = 15 * time.Second
	DefaultReadRetryAttempts  = 3
	DefaultSessionTTL         = 24 * time.Hour
	DefaultEscrowHoldDuration = 12 * time.Hour
	DefaultOrderPollInterval  = 10 * time.Second
	DefaultPollRateLimit      = 20.0
	DefaultPriceEpsilon       = 0.01
	DefaultPublicBaseURL      = "http://localhost:8080"
	DefaultIdentityLinkURL    = "/profile/identity"
	DefaultRateLimit          = 100
	DefaultTraceSampleRatio   = 1.0

	minJWTSecretLength = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		APIURL:             os.Getenv("API_URL"), // Optional, uses in-memory if not set
		APITimeout:         getEnvDuration("API_TIMEOUT", DefaultAPITimeout),
		ReadRetryAttempts:  int(getEnvInt64("READ_RETRY_ATTEMPTS", DefaultReadRetryAttempts)),
		JWTSecret:          os.Getenv("JWT_SECRET"), // Required, no default
		SessionTTL:         getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		EscrowHoldDuration: getEnvDuration("ESCROW_HOLD_DURATION", DefaultEscrowHoldDuration),
		OrderPollInterval:  getEnvDuration("ORDER_POLL_INTERVAL", DefaultOrderPollInterval),
		PollRateLimit:      getEnvFloat("POLL_RATE_LIMIT", DefaultPollRateLimit),
		PriceEpsilon:       getEnvFloat("PRICE_EPSILON", DefaultPriceEpsilon),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", DefaultPublicBaseURL),
		IdentityLinkURL:    getEnv("IDENTITY_LINK_URL", DefaultIdentityLinkURL),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS"),
		WidgetOrigins:      getEnvList("WIDGET_ORIGINS"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("API_URL must be an absolute http(s) URL")
		}
		if c.IsProduction() && u.Scheme != "https" {
			return fmt.Errorf("API_URL must use https in production")
		}
	}

	if c.EscrowHoldDuration <= 0 {
		return fmt.Errorf("ESCROW_HOLD_DURATION must be positive")
	}
	if c.OrderPollInterval <= 0 {
		return fmt.Errorf("ORDER_POLL_INTERVAL must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.PriceEpsilon < 0 {
		return fmt.Errorf("PRICE_EPSILON must not be negative")
	}
	if c.ReadRetryAttempts < 1 {
		return fmt.Errorf("READ_RETRY_ATTEMPTS must be at least 1")
	}
	if c.PollRateLimit <= 0 {
		return fmt.Errorf("POLL_RATE_LIMIT must be positive")
	}

	if c.IsProduction() {
		for _, o := range c.AllowedOrigins {
			if o == "*" {
				return fmt.Errorf("ALLOWED_ORIGINS must not contain * in production")
			}
		}
	}

	if _, err := url.Parse(c.PublicBaseURL); err != nil {
		return fmt.Errorf("PUBLIC_BASE_URL is invalid: %w", err)
	}

	return nil
}

// UsesMemoryBackend reports whether the in-memory demo backend replaces the
// remote marketplace API.
func (c *Config) UsesMemoryBackend() bool {
	return c.APIURL == ""
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
