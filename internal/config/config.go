// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayAPIKey       string // secret API key for the payment gateway
	WalletWebhookSecret string // signing secret for the wallet top-up flow
	OrderWebhookSecret  string // signing secret for the order prepayment flow
	Currency            string // ISO currency code for charges
	GatewayTimeout      time.Duration
	GatewayMaxAttempts  int

	// Observability
	OTLPEndpoint string

	// Security
	AllowedOrigins []string
	RateLimitRPS   int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "usd"
	DefaultGatewayTimeout = 10 * time.Second
	DefaultMaxAttempts    = 3
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		GatewayAPIKey:       os.Getenv("STRIPE_API_KEY"),
		WalletWebhookSecret: os.Getenv("WALLET_WEBHOOK_SECRET"),
		OrderWebhookSecret:  os.Getenv("ORDER_WEBHOOK_SECRET"),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayMaxAttempts:  int(getEnvInt64("GATEWAY_MAX_ATTEMPTS", DefaultMaxAttempts)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AllowedOrigins:      []string{getEnv("ALLOWED_ORIGIN", "*")},
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present. Gateway
// credentials and both webhook signing secrets are startup-time fatal:
// a process without them cannot verify any event it receives.
func (c *Config) Validate() error {
	if c.GatewayAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required")
	}
	if c.WalletWebhookSecret == "" {
		return fmt.Errorf("WALLET_WEBHOOK_SECRET is required")
	}
	if c.OrderWebhookSecret == "" {
		return fmt.Errorf("ORDER_WEBHOOK_SECRET is required")
	}
	if c.WalletWebhookSecret == c.OrderWebhookSecret {
		return fmt.Errorf("WALLET_WEBHOOK_SECRET and ORDER_WEBHOOK_SECRET must be distinct")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
