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
	LogFmt   string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Marketplace policy
	CommissionBps        int64         // platform commission in basis points (500 = 5%)
	MaxActiveOrders      int           // per-client cap on non-terminal orders
	MaxPendingOffers     int           // per-master cap on simultaneously pending offers
	MinWithdrawal        int64         // minimum withdrawal in minor units
	AutoReleaseAfter     time.Duration // grace period before completed work auto-releases
	DisputeTimeout       time.Duration // grace period before an unanswered dispute auto-resolves
	PostCompletionWindow time.Duration // window after completion in which a dispute may still open
	SweepInterval        time.Duration // how often the reconciliation sweeps run

	// Security
	AdminSecret  string // guards API key issuance
	RateLimitRPS int
}

// Policy defaults. Windows come from the marketplace rules: 7 days of
// client silence releases escrow, 24 hours of master silence resolves a
// dispute for the client.
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultCommissionBps        = 500
	DefaultMaxActiveOrders      = 10
	DefaultMaxPendingOffers     = 5
	DefaultMinWithdrawal        = 50_000 // 500.00
	DefaultAutoReleaseAfter     = 7 * 24 * time.Hour
	DefaultDisputeTimeout       = 24 * time.Hour
	DefaultPostCompletionWindow = 7 * 24 * time.Hour
	DefaultSweepInterval        = time.Hour
	DefaultRateLimit            = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFmt:               getEnv("LOG_FORMAT", "text"),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CommissionBps:        getEnvInt64("COMMISSION_BPS", DefaultCommissionBps),
		MaxActiveOrders:      int(getEnvInt64("MAX_ACTIVE_ORDERS", DefaultMaxActiveOrders)),
		MaxPendingOffers:     int(getEnvInt64("MAX_PENDING_OFFERS", DefaultMaxPendingOffers)),
		MinWithdrawal:        getEnvInt64("MIN_WITHDRAWAL", DefaultMinWithdrawal),
		AutoReleaseAfter:     getEnvDuration("AUTO_RELEASE_AFTER", DefaultAutoReleaseAfter),
		DisputeTimeout:       getEnvDuration("DISPUTE_TIMEOUT", DefaultDisputeTimeout),
		PostCompletionWindow: getEnvDuration("POST_COMPLETION_WINDOW", DefaultPostCompletionWindow),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.CommissionBps < 0 || c.CommissionBps > 10_000 {
		return fmt.Errorf("COMMISSION_BPS must be between 0 and 10000, got %d", c.CommissionBps)
	}
	if c.MaxPendingOffers <= 0 {
		return fmt.Errorf("MAX_PENDING_OFFERS must be positive")
	}
	if c.AutoReleaseAfter <= 0 || c.DisputeTimeout <= 0 {
		return fmt.Errorf("reconciliation windows must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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
