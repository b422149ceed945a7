// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Collaborating services
	OrderServiceURL string // rental order service, required for rental context lookups
	ChatServiceURL  string // chat service used for negotiation rooms (optional)

	// Outbound notifications
	NotifyWebhookURL string // webhook target for dispute events (optional)
	WebhookSecret    string // HMAC key for signing webhook payloads

	// Security
	AdminSecret  string // static admin API secret, fallback when no admin key exists
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional)

	// Lifecycle windows
	SweepInterval          time.Duration
	ResponseWindowHours    int
	DecisionWindowHours    int
	NegotiationWindowHours int
	EvidenceWindowHours    int
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 100
	DefaultSweepInterval = time.Hour

	DefaultResponseWindowHours    = 48
	DefaultDecisionWindowHours    = 72
	DefaultNegotiationWindowHours = 72
	DefaultEvidenceWindowHours    = 168
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OrderServiceURL:  os.Getenv("ORDER_SERVICE_URL"),
		ChatServiceURL:   os.Getenv("CHAT_SERVICE_URL"),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ResponseWindowHours:    int(getEnvInt64("RESPONSE_WINDOW_HOURS", DefaultResponseWindowHours)),
		DecisionWindowHours:    int(getEnvInt64("DECISION_WINDOW_HOURS", DefaultDecisionWindowHours)),
		NegotiationWindowHours: int(getEnvInt64("NEGOTIATION_WINDOW_HOURS", DefaultNegotiationWindowHours)),
		EvidenceWindowHours:    int(getEnvInt64("EVIDENCE_WINDOW_HOURS", DefaultEvidenceWindowHours)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"ORDER_SERVICE_URL":  c.OrderServiceURL,
		"CHAT_SERVICE_URL":   c.ChatServiceURL,
		"NOTIFY_WEBHOOK_URL": c.NotifyWebhookURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}

	if c.NotifyWebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}

	for name, hours := range map[string]int{
		"RESPONSE_WINDOW_HOURS":    c.ResponseWindowHours,
		"DECISION_WINDOW_HOURS":    c.DecisionWindowHours,
		"NEGOTIATION_WINDOW_HOURS": c.NegotiationWindowHours,
		"EVIDENCE_WINDOW_HOURS":    c.EvidenceWindowHours,
	} {
		if hours <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	return nil
}

// ResponseWindow returns the respondent response window as a duration.
func (c *Config) ResponseWindow() time.Duration {
	return time.Duration(c.ResponseWindowHours) * time.Hour
}

// DecisionWindow returns the admin decision response window as a duration.
func (c *Config) DecisionWindow() time.Duration {
	return time.Duration(c.DecisionWindowHours) * time.Hour
}

// NegotiationWindow returns the negotiation room lifetime as a duration.
func (c *Config) NegotiationWindow() time.Duration {
	return time.Duration(c.NegotiationWindowHours) * time.Hour
}

// EvidenceWindow returns the third-party evidence window as a duration.
func (c *Config) EvidenceWindow() time.Duration {
	return time.Duration(c.EvidenceWindowHours) * time.Hour
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
