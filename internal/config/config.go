// Package config loads the edge node's environment-variable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Tier enumerates node tiers (§6).
type Tier string

const (
	TierCentral Tier = "CENTRAL"
	TierLinux   Tier = "LINUX"
	TierMCU     Tier = "MCU"
	TierAny     Tier = "ANY"
)

// Config holds every recognized environment option (spec §6).
type Config struct {
	NodeID      string
	NodeTier    Tier
	LogLevel    string
	LogFormat   string

	CentralLinkURL    string
	CentralHTTPBase   string
	CentralAuthToken  string
	ReconnectInterval time.Duration
	IRMajorVersion    int

	SigningKeyPath string

	OfflineBufferPath    string
	OfflineBufferMaxSize int

	VaultAddr      string
	VaultToken     string
	VaultNamespace string

	HealthPort int
}

// Load reads configuration from the environment, applying the defaults
// documented in spec §6.
func Load() (*Config, error) {
	cfg := &Config{
		NodeID:    getEnv("NODE_ID", "node-"+uuid.New().String()),
		NodeTier:  Tier(getEnv("NODE_TIER", string(TierLinux))),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		CentralLinkURL:    getEnv("CENTRAL_LINK_URL", "ws://localhost:8081/link"),
		CentralHTTPBase:   getEnv("CENTRAL_HTTP_BASE", "http://localhost:8081"),
		CentralAuthToken:  getEnv("CENTRAL_AUTH_TOKEN", ""),
		ReconnectInterval: getEnvDuration("RECONNECT_INTERVAL_SECS", 5*time.Second),
		IRMajorVersion:    getEnvInt("IR_MAJOR_VERSION", 1),

		SigningKeyPath: getEnv("SIGNING_KEY_PATH", ""),

		OfflineBufferPath:    getEnv("OFFLINE_BUFFER_PATH", "offline_buffer.ndjson"),
		OfflineBufferMaxSize: getEnvInt("OFFLINE_BUFFER_MAX_SIZE", 10000),

		VaultAddr:      getEnv("VAULT_ADDR", ""),
		VaultToken:     getEnv("VAULT_TOKEN", ""),
		VaultNamespace: getEnv("VAULT_NAMESPACE", ""),

		HealthPort: getEnvInt("HEALTH_PORT", 8080),
	}

	return cfg, cfg.Validate()
}

// Validate checks the loaded configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("invalid health port: %d", c.HealthPort)
	}
	if c.OfflineBufferMaxSize <= 0 {
		return fmt.Errorf("offline buffer max size must be > 0")
	}
	if c.IRMajorVersion < 0 {
		return fmt.Errorf("ir major version must be >= 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultSeconds time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultSeconds
}
