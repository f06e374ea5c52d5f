// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Escrow settings
	FeeBps       uint32 // protocol fee in basis points, deducted at claim time
	OwnerAddress string // principal allowed to withdraw accrued fees

	// Chain settings (optional; in-process custodian/rail when unset)
	RPCURL       string
	ChainID      int64
	PrivateKey   string // Hex-encoded, with or without 0x prefix
	NFTContract  string // default asset contract when create requests omit one
	VRFManager   string // randomness-subscription manager contract
	RateLimitRPS int
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultFeeBps    = 250 // 2.5%
	DefaultRateLimit = 100
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		FeeBps:       uint32(getEnvInt64("FEE_BPS", DefaultFeeBps)),
		OwnerAddress: os.Getenv("OWNER_ADDRESS"),
		RPCURL:       os.Getenv("RPC_URL"),
		ChainID:      getEnvInt64("CHAIN_ID", 0),
		PrivateKey:   os.Getenv("PRIVATE_KEY"),
		NFTContract:  os.Getenv("NFT_CONTRACT"),
		VRFManager:   os.Getenv("VRF_MANAGER_CONTRACT"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.OwnerAddress == "" {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}

	if c.FeeBps > 10_000 {
		return fmt.Errorf("FEE_BPS must be at most 10000 (100%%)")
	}

	// Chain mode requires the full set of chain settings.
	if c.RPCURL != "" {
		if c.ChainID == 0 {
			return fmt.Errorf("CHAIN_ID is required when RPC_URL is set")
		}
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters when RPC_URL is set")
		}
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

// ChainEnabled reports whether the chain-backed custodian and payment rail
// should be wired instead of the in-process ones.
func (c *Config) ChainEnabled() bool {
	return c.RPCURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
