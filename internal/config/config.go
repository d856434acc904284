// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/tradehold/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Payment processor
	StripeSecretKey     string // empty outside production selects the fake gateway
	StripeWebhookSecret string

	// Escrow
	Currency            string
	ReleaseWindow       time.Duration
	DisputeWindow       time.Duration
	CommissionRates     string // "basic=0.05,pro=0.04"
	AutoReleaseInterval time.Duration
	AutoReleaseBatch    int

	// Reconciliation
	ReconcileInterval time.Duration // 0 disables the in-process timer
	StalePaymentAfter time.Duration

	// Security
	CronSecret        string
	BootstrapAdminKey string
	BootstrapAdminID  string

	// Browser origins allowed to call the API; empty disables CORS.
	CORSAllowedOrigins []string

	// Notifications
	KafkaBrokers        []string
	KafkaNotifyTopic    string
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultCurrency            = "usd"
	DefaultReleaseWindow       = 7 * 24 * time.Hour
	DefaultDisputeWindow       = 3 * 24 * time.Hour
	DefaultAutoReleaseInterval = time.Duration(0) // disabled; use the cron endpoint
	DefaultAutoReleaseBatch    = 200
	DefaultReconcileInterval   = 15 * time.Minute
	DefaultStalePaymentAfter   = 30 * time.Minute
	DefaultKafkaNotifyTopic    = "escrow.notifications"
	DefaultBootstrapAdminID    = "ops"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:            strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		ReleaseWindow:       getEnvDuration("ESCROW_RELEASE_WINDOW", DefaultReleaseWindow),
		DisputeWindow:       getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		CommissionRates:     os.Getenv("COMMISSION_RATES"),
		AutoReleaseInterval: getEnvDuration("AUTO_RELEASE_INTERVAL", DefaultAutoReleaseInterval),
		AutoReleaseBatch:    int(getEnvInt64("AUTO_RELEASE_BATCH", DefaultAutoReleaseBatch)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StalePaymentAfter:   getEnvDuration("STALE_PAYMENT_AFTER", DefaultStalePaymentAfter),
		CronSecret:          os.Getenv("CRON_SECRET"),
		BootstrapAdminKey:   os.Getenv("BOOTSTRAP_ADMIN_KEY"),
		BootstrapAdminID:    getEnv("BOOTSTRAP_ADMIN_ID", DefaultBootstrapAdminID),
		CORSAllowedOrigins:  splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaNotifyTopic:    getEnv("KAFKA_NOTIFY_TOPIC", DefaultKafkaNotifyTopic),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ReleaseWindow <= 0 {
		return fmt.Errorf("ESCROW_RELEASE_WINDOW must be positive")
	}
	if c.DisputeWindow <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW must be positive")
	}
	if c.AutoReleaseBatch <= 0 {
		return fmt.Errorf("AUTO_RELEASE_BATCH must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if _, err := c.CommissionTable(); err != nil {
		return fmt.Errorf("COMMISSION_RATES: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.CronSecret == "" {
			return fmt.Errorf("CRON_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if slices.Contains(c.CORSAllowedOrigins, "*") {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS must list origins explicitly in production")
		}
	}

	return nil
}

// CommissionTable builds the tier commission table from COMMISSION_RATES.
func (c *Config) CommissionTable() (*money.CommissionTable, error) {
	rates, err := money.ParseRates(c.CommissionRates)
	if err != nil {
		return nil, err
	}
	return money.NewCommissionTable(rates)
}

// UseFakeGateway reports whether payments go through the in-process fake.
func (c *Config) UseFakeGateway() bool {
	return c.StripeSecretKey == "" && !c.IsProduction()
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("36h") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
