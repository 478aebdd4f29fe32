// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/bookingescrow/internal/chain"
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

	// Identity
	JWTSecret string
	JWTTTL    time.Duration

	// Escrow timing
	ProtectionWindow     time.Duration
	ReleaseSweepInterval time.Duration
	ReleaseSweepBatch    int
	ReminderSchedule     string // cron spec

	// Chain verification. Empty Networks disables the auto-verifier.
	Networks            map[chain.Network]chain.EVMConfig
	PlatformAddress     string
	ChainVerifyInterval time.Duration
	ChainPendingTimeout time.Duration // reject transactions still unmined after this

	// Notifications (optional)
	AMQPURL      string
	AMQPExchange string

	// Object storage (optional; proof uploads return 503 without a bucket)
	S3Bucket        string
	S3Region        string
	S3PublicBaseURL string
	S3AccessKey     string
	S3SecretKey     string

	// Observability
	OTLPEndpoint string

	RateLimitPerMinute int
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultJWTTTL               = 24 * time.Hour
	DefaultProtectionWindow     = 72 * time.Hour
	DefaultReleaseSweepInterval = 30 * time.Second
	DefaultReleaseSweepBatch    = 100
	DefaultReminderSchedule     = "@every 5m"
	DefaultChainVerifyInterval  = time.Minute
	DefaultChainPendingTimeout  = 24 * time.Hour
	DefaultAMQPExchange         = "booking_events"
	DefaultS3Region             = "us-east-1"
	DefaultRateLimit            = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	networks, err := parseNetworks(os.Getenv("RPC_URLS"), os.Getenv("USDC_CONTRACTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTTTL:               getEnvDuration("JWT_TTL", DefaultJWTTTL),
		ProtectionWindow:     getEnvDuration("PROTECTION_WINDOW", DefaultProtectionWindow),
		ReleaseSweepInterval: getEnvDuration("RELEASE_SWEEP_INTERVAL", DefaultReleaseSweepInterval),
		ReleaseSweepBatch:    int(getEnvInt64("RELEASE_SWEEP_BATCH", DefaultReleaseSweepBatch)),
		ReminderSchedule:     getEnv("REMINDER_SCHEDULE", DefaultReminderSchedule),
		Networks:             networks,
		PlatformAddress:      os.Getenv("PLATFORM_ADDRESS"),
		ChainVerifyInterval:  getEnvDuration("CHAIN_VERIFY_INTERVAL", DefaultChainVerifyInterval),
		ChainPendingTimeout:  getEnvDuration("CHAIN_PENDING_TIMEOUT", DefaultChainPendingTimeout),
		AMQPURL:              os.Getenv("AMQP_URL"),
		AMQPExchange:         getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3Region:             getEnv("S3_REGION", DefaultS3Region),
		S3PublicBaseURL:      os.Getenv("S3_PUBLIC_BASE_URL"),
		S3AccessKey:          os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("S3_SECRET_KEY"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitPerMinute:   int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
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
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.ProtectionWindow <= 0 {
		return fmt.Errorf("PROTECTION_WINDOW must be positive")
	}
	if c.ReleaseSweepInterval <= 0 {
		return fmt.Errorf("RELEASE_SWEEP_INTERVAL must be positive")
	}
	if c.ReleaseSweepBatch <= 0 {
		return fmt.Errorf("RELEASE_SWEEP_BATCH must be positive")
	}
	if len(c.Networks) > 0 && !common.IsHexAddress(c.PlatformAddress) {
		return fmt.Errorf("PLATFORM_ADDRESS must be a 0x address when RPC_URLS is set")
	}
	if c.S3AccessKey != "" && c.S3SecretKey == "" {
		return fmt.Errorf("S3_SECRET_KEY is required with S3_ACCESS_KEY")
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

// parseNetworks joins RPC_URLS and USDC_CONTRACTS ("base=...,polygon=...")
// into per-network verifier settings. Every RPC needs a contract.
func parseNetworks(rpcs, contracts string) (map[chain.Network]chain.EVMConfig, error) {
	urls, err := parsePairs("RPC_URLS", rpcs)
	if err != nil {
		return nil, err
	}
	addrs, err := parsePairs("USDC_CONTRACTS", contracts)
	if err != nil {
		return nil, err
	}
	out := make(map[chain.Network]chain.EVMConfig, len(urls))
	for name, url := range urls {
		n, err := chain.ParseNetwork(name)
		if err != nil || !n.IsEVM() {
			return nil, fmt.Errorf("RPC_URLS: %q is not a supported EVM network", name)
		}
		addr, ok := addrs[name]
		if !ok {
			return nil, fmt.Errorf("USDC_CONTRACTS: missing contract for %s", n)
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("USDC_CONTRACTS: invalid address for %s", n)
		}
		out[n] = chain.EVMConfig{RPCURL: url, USDCContract: addr}
	}
	return out, nil
}

func parsePairs(key, raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("%s: expected network=value, got %q", key, part)
		}
		out[k] = v
	}
	return out, nil
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
