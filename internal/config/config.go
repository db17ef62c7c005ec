// Package config handles agent configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all agent configuration.
type Config struct {
	// Platform connection
	APIURL string // Base URL of the platform API
	APIKey string // Bearer key for authenticated endpoints

	// Identity
	PrivateKey   string // Hex-encoded agent root key, with or without 0x prefix
	AgentAddress string // Agent's address; derived from PrivateKey when empty

	// Defaults for new sessions
	DefaultMaxTotal string
	DefaultMaxPerTx string
	DefaultExpiry   string // Duration string, e.g. "1h"

	// Observability
	LogLevel     string
	LogFormat    string // "json" or "text"
	OTLPEndpoint string

	// devauthority only
	Port string
	Env  string
}

const (
	DefaultAPIURL   = "http://localhost:8080"
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultMaxTotal = "10.00"
	DefaultMaxPerTx = "1.00"
	DefaultExpiry   = "1h"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:          getEnv("ALANCOIN_API_URL", DefaultAPIURL),
		APIKey:          os.Getenv("ALANCOIN_API_KEY"),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),
		AgentAddress:    os.Getenv("AGENT_ADDRESS"),
		DefaultMaxTotal: getEnv("SESSION_MAX_TOTAL", DefaultMaxTotal),
		DefaultMaxPerTx: getEnv("SESSION_MAX_PER_TX", DefaultMaxPerTx),
		DefaultExpiry:   getEnv("SESSION_EXPIRY", DefaultExpiry),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is well-formed.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("ALANCOIN_API_URL is required")
	}

	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt reads an integer env var with a default.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
