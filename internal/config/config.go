// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (required)
	AutoMigrate bool   // apply embedded goose migrations on startup
	RedisURL    string // idempotency cache (optional, in-process cache when unset)

	// Auth
	JWTSecret string
	JWTIssuer string

	// Escrow
	EscrowTTL       time.Duration
	CommissionRate  decimal.Decimal
	CoinUnitPrice   decimal.Decimal // fiat per coin
	FiatCurrency    string
	LockWaitTimeout time.Duration
	CryptoNetwork   string // "mainnet" or "testnet"

	// Expiry scheduler
	ExpiryInterval  time.Duration
	ExpiryBatchSize int

	// Periodic ledger/escrow consistency check; 0 disables it
	ReconcileInterval time.Duration

	// Ledger retry on persistence failure
	LedgerRetryAttempts  int
	LedgerRetryBaseDelay time.Duration

	// Edge
	RateLimitRPM   int
	IdempotencyTTL time.Duration
	OTelEndpoint   string

	// Outbound purchase notifications (optional)
	WebhookURL    string
	WebhookSecret string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultJWTIssuer         = "givecircle"
	DefaultEscrowTTL         = 30 * time.Minute
	DefaultCommissionRate    = "0.02"
	DefaultCoinUnitPrice     = "150"
	DefaultFiatCurrency      = "NGN"
	DefaultLockWaitTimeout   = 5 * time.Second
	DefaultCryptoNetwork     = "mainnet"
	DefaultExpiryInterval    = 60 * time.Second
	DefaultExpiryBatchSize   = 100
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRetryAttempts     = 4
	DefaultRetryBaseDelay    = 100 * time.Millisecond
	DefaultRateLimitRPM      = 120
	DefaultIdempotencyTTL    = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	rate, err := getEnvDecimal("COMMISSION_RATE", DefaultCommissionRate)
	if err != nil {
		return nil, err
	}
	price, err := getEnvDecimal("COIN_UNIT_PRICE", DefaultCoinUnitPrice)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", false),
		RedisURL:             os.Getenv("REDIS_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            getEnv("JWT_ISSUER", DefaultJWTIssuer),
		EscrowTTL:            getEnvDuration("ESCROW_TTL", DefaultEscrowTTL),
		CommissionRate:       rate,
		CoinUnitPrice:        price,
		FiatCurrency:         getEnv("FIAT_CURRENCY", DefaultFiatCurrency),
		LockWaitTimeout:      getEnvDuration("LOCK_WAIT_TIMEOUT", DefaultLockWaitTimeout),
		CryptoNetwork:        getEnv("CRYPTO_NETWORK", DefaultCryptoNetwork),
		ExpiryInterval:       getEnvDuration("EXPIRY_INTERVAL", DefaultExpiryInterval),
		ExpiryBatchSize:      int(getEnvInt64("EXPIRY_BATCH_SIZE", DefaultExpiryBatchSize)),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		LedgerRetryAttempts:  int(getEnvInt64("LEDGER_RETRY_ATTEMPTS", DefaultRetryAttempts)),
		LedgerRetryBaseDelay: getEnvDuration("LEDGER_RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		IdempotencyTTL:       getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		OTelEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WebhookURL:           os.Getenv("WEBHOOK_URL"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production")
	}
	if c.EscrowTTL <= 0 {
		return fmt.Errorf("ESCROW_TTL must be positive")
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("EXPIRY_INTERVAL must be positive")
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1)")
	}
	if !c.CoinUnitPrice.IsPositive() {
		return fmt.Errorf("COIN_UNIT_PRICE must be positive")
	}
	if len(c.FiatCurrency) != 3 {
		return fmt.Errorf("FIAT_CURRENCY must be a 3-letter code")
	}
	switch c.CryptoNetwork {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("CRYPTO_NETWORK must be mainnet or testnet")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.LedgerRetryAttempts < 1 {
		return fmt.Errorf("LEDGER_RETRY_ATTEMPTS must be at least 1")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal number: %w", key, err)
	}
	return d, nil
}
