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

	// Blockchain settings
	ChainID        int64
	RPCURL         string // optional override for the registry endpoint
	EscrowContract string // optional override for the registry deployment
	PrivateKey     string // Hex-encoded signer key for the operating party

	// Orchestration settings
	ConfirmationTimeout time.Duration // wait bound for one mined confirmation
	ReconcileInterval   time.Duration // on-chain status refresh cadence

	// Fiat payment evidence
	StripeAPIKey string // optional; enables PaymentIntent evidence verification

	// Observability
	OTLPEndpoint string // optional; enables OTel trace export

	// Security
	RateLimitRPM int
	AdminSecret  string // enables arbiter role admin endpoints when set
}

// Defaults target the testnet deployment.
const (
	DefaultChainID             = 84532 // Base Sepolia
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultConfirmationTimeout = 90 * time.Second
	DefaultReconcileInterval   = 30 * time.Second
	DefaultRateLimit           = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		RPCURL:              os.Getenv("RPC_URL"),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Required, no default
		ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID is required")
	}

	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
