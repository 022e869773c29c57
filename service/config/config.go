package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/txpipe/service/retryhttp"
	"github.com/brojonat/txpipe/service/solana"
	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Solana configuration
	SolanaRPCURL       string
	SolanaDevnetRPCURL string // Optional, enables devnet watches
	SolanaNetwork      string
	SolanaCommitment   string
	SkipPreflight      bool

	// Upstream APIs
	AggregatorURL string
	OracleURL     string
	OracleAPIKey  string
	OracleChain   string
	OracleRPS     float64

	// NATS configuration
	NATSURL     string
	NATSEnabled bool

	// Temporal configuration
	TemporalEnabled   bool
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// HTTP retry policy
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64

	// Confirmation polling
	ConfirmInterval    time.Duration
	ConfirmMaxAttempts int

	// Swap quotes
	QuoteTTL time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment win.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaDevnetRPCURL = os.Getenv("SOLANA_DEVNET_RPC_URL")
	if cfg.SolanaDevnetRPCURL != "" && cfg.SolanaDevnetRPCURL == cfg.SolanaRPCURL {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL and SOLANA_DEVNET_RPC_URL must be different"))
	}
	cfg.SolanaNetwork = getEnvOrDefault("SOLANA_NETWORK", "mainnet")
	if cfg.SolanaNetwork != "mainnet" && cfg.SolanaNetwork != "devnet" {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be mainnet or devnet, got %q", cfg.SolanaNetwork))
	}
	cfg.SolanaCommitment = getEnvOrDefault("SOLANA_COMMITMENT", "confirmed")
	if !validCommitment(cfg.SolanaCommitment) {
		errs = append(errs, fmt.Errorf("SOLANA_COMMITMENT must be processed, confirmed or finalized, got %q", cfg.SolanaCommitment))
	}

	var err error
	if cfg.SkipPreflight, err = parseBool("SKIP_PREFLIGHT", false); err != nil {
		errs = append(errs, err)
	}

	// Upstream APIs
	cfg.AggregatorURL = getEnvOrDefault("AGGREGATOR_URL", "https://lite-api.jup.ag/ultra/v1")
	cfg.OracleURL = getEnvOrDefault("ORACLE_URL", "https://public-api.birdeye.so/v1")
	cfg.OracleAPIKey = os.Getenv("ORACLE_API_KEY")
	cfg.OracleChain = getEnvOrDefault("ORACLE_CHAIN", "solana")
	if cfg.OracleRPS, err = parseFloat("ORACLE_RPS", 1); err != nil {
		errs = append(errs, err)
	} else if cfg.OracleRPS <= 0 {
		errs = append(errs, fmt.Errorf("ORACLE_RPS must be positive"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")
	if cfg.NATSEnabled, err = parseBool("NATS_ENABLED", false); err != nil {
		errs = append(errs, err)
	}

	// Temporal configuration
	if cfg.TemporalEnabled, err = parseBool("TEMPORAL_ENABLED", false); err != nil {
		errs = append(errs, err)
	}
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "txpipe-confirmation-watch")

	// HTTP retry policy
	if cfg.RetryMaxAttempts, err = parseInt("HTTP_RETRY_MAX_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.RetryBaseDelay, err = parseDuration("HTTP_RETRY_BASE_DELAY", "1s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.RetryMultiplier, err = parseFloat("HTTP_RETRY_MULTIPLIER", 2); err != nil {
		errs = append(errs, err)
	}

	// Confirmation polling
	if cfg.ConfirmInterval, err = parseDuration("CONFIRM_INTERVAL", "1s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmMaxAttempts, err = parseInt("CONFIRM_MAX_ATTEMPTS", 30); err != nil {
		errs = append(errs, err)
	}

	// Swap quotes
	if cfg.QuoteTTL, err = parseDuration("QUOTE_TTL", "30s"); err != nil {
		errs = append(errs, err)
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.AggregatorURL == "" {
		errs = append(errs, fmt.Errorf("AggregatorURL is required"))
	}

	if c.OracleURL == "" {
		errs = append(errs, fmt.Errorf("OracleURL is required"))
	}

	if c.TemporalEnabled && c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required when Temporal is enabled"))
	}

	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RetryMaxAttempts must be at least 1"))
	}

	if c.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("RetryMultiplier must be at least 1"))
	}

	if c.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("RetryBaseDelay cannot be negative"))
	}

	if c.ConfirmMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ConfirmMaxAttempts must be at least 1"))
	}

	if c.ConfirmInterval <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmInterval must be positive"))
	}

	if c.QuoteTTL <= 0 {
		errs = append(errs, fmt.Errorf("QuoteTTL must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RetryPolicy is the policy for calls to rate-limited upstream APIs.
func (c *Config) RetryPolicy() retryhttp.Policy {
	return retryhttp.Policy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		Multiplier:  c.RetryMultiplier,
	}
}

// PollPolicy is the confirmation polling policy.
func (c *Config) PollPolicy() solana.PollPolicy {
	return solana.PollPolicy{
		Interval:    c.ConfirmInterval,
		MaxAttempts: c.ConfirmMaxAttempts,
	}
}

func validCommitment(s string) bool {
	switch s {
	case "processed", "confirmed", "finalized":
		return true
	}
	return false
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
