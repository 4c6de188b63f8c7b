// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector; empty disables tracing

	// Security
	WebhookSecret string // HMAC secret for signing outbound alert webhooks
	AdminSecret   string // Admin API secret
	RateLimitRPS  int

	// Detection threshold overrides. Zero values keep the built-in defaults.
	MaxFailedLoginsPerHour int
	MaxFailedLoginsPerDay  int
	MaxTravelKm            float64
	MaxRequestsPerMinute   int
	MaxRequestsPerHour     int
	MaxBulkRecords         float64
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultRateLimit = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		WebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:  int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),

		MaxFailedLoginsPerHour: int(getEnvInt64("MAX_FAILED_LOGINS_PER_HOUR", 0)),
		MaxFailedLoginsPerDay:  int(getEnvInt64("MAX_FAILED_LOGINS_PER_DAY", 0)),
		MaxTravelKm:            getEnvFloat("MAX_TRAVEL_KM", 0),
		MaxRequestsPerMinute:   int(getEnvInt64("MAX_REQUESTS_PER_MINUTE", 0)),
		MaxRequestsPerHour:     int(getEnvInt64("MAX_REQUESTS_PER_HOUR", 0)),
		MaxBulkRecords:         getEnvFloat("MAX_BULK_RECORDS", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}

	if c.MaxFailedLoginsPerHour < 0 || c.MaxFailedLoginsPerDay < 0 {
		return fmt.Errorf("failed login thresholds must not be negative")
	}
	if c.MaxTravelKm < 0 || c.MaxBulkRecords < 0 {
		return fmt.Errorf("detection thresholds must not be negative")
	}

	if c.IsProduction() && c.WebhookSecret == "" && os.Getenv("ALERT_WEBHOOK_URL") != "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when a webhook URL is set in production")
	}

	return nil
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
