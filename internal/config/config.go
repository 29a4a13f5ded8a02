// Package config loads RFNet Node/Link configuration from environment
// variables with command-line overrides, following the same
// struct-of-structs + env/default tag convention used throughout the
// wider code base this package was adapted from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// globalConfig stores the configuration loaded with command-line overrides.
// This allows other packages to access the same configuration that was
// loaded by the process entry point.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the full application configuration for either a Node or a
// Link process; each binary only reads the sub-struct it cares about.
type Config struct {
	Metrics MetricsConfig `json:"metrics"`
	Retry   RetryConfig   `json:"retry"`
	Link    LinkConfig    `json:"link"`
	Node    NodeConfig    `json:"node"`
	Logging LoggingConfig `json:"logging"`
}

// LoadOptions holds command-line override options.
type LoadOptions struct {
	Callsign string
	LogLevel string
}

// MetricsConfig controls the optional Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED" default:"false"`
	Host    string `json:"host" env:"METRICS_HOST" default:"0.0.0.0"`
	Port    string `json:"port" env:"METRICS_PORT" default:"9090"`
}

// RetryConfig derives the per-packet retransmit timeout from actual
// encoded byte counts.
type RetryConfig struct {
	DelayMS       int     `json:"delayMs" env:"RETRY_DELAY_MS" default:"0"`
	BPS           int     `json:"bps" env:"RETRY_BPS" default:"1200"`
	BPSScale      float64 `json:"bpsScale" env:"RETRY_BPS_SCALE" default:"1.5"`
	RetryAttempts int     `json:"retryAttempts" env:"RETRY_ATTEMPTS" default:"5"`
}

// CalcDelay returns the per-packet retransmit timeout in milliseconds for
// a round trip consisting of sendBytes going out and recvBytes (the ack
// or response) coming back, scaled by BPSScale and padded by DelayMS.
//
// (bps / (8*(send+recv)) * 1000) * bps_scale + delay_ms
func (r RetryConfig) CalcDelay(sendBytes, recvBytes int) int {
	totalBits := float64(8 * (sendBytes + recvBytes))
	if totalBits == 0 {
		return r.DelayMS
	}
	airTimeMS := (float64(r.BPS) / totalBits) * 1000.0
	return int(airTimeMS*r.BPSScale) + r.DelayMS
}

// LinkConfig configures a gateway (Link) endpoint.
type LinkConfig struct {
	Callsign       string `json:"callsign" env:"LINK_CALLSIGN" default:""`
	LinkWidth      int    `json:"linkWidth" env:"LINK_WIDTH" default:"32"`
	FECEnabled     bool   `json:"fecEnabled" env:"LINK_FEC_ENABLED" default:"true"`
	RetryEnabled   bool   `json:"retryEnabled" env:"LINK_RETRY_ENABLED" default:"true"`
	MajorVersion   int    `json:"majorVersion" env:"LINK_MAJOR_VERSION" default:"1"`
	MinorVersion   int    `json:"minorVersion" env:"LINK_MINOR_VERSION" default:"0"`
	BroadcastRate  int    `json:"broadcastRateMs" env:"LINK_BROADCAST_RATE_MS" default:"0"`
	HTTPBaseURL    string `json:"httpBaseUrl" env:"LINK_HTTP_BASE_URL" default:""`
}

// NodeConfig configures a client (Node) endpoint.
type NodeConfig struct {
	Callsign string `json:"callsign" env:"NODE_CALLSIGN" default:""`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	cfg := &Config{}

	cfg.Metrics.Enabled = getBoolWithDefault("METRICS_ENABLED", false)
	cfg.Metrics.Host = getEnvWithDefault("METRICS_HOST", "0.0.0.0")
	cfg.Metrics.Port = getEnvWithDefault("METRICS_PORT", "9090")

	cfg.Retry.DelayMS = getIntWithDefault("RETRY_DELAY_MS", 0)
	cfg.Retry.BPS = getIntWithDefault("RETRY_BPS", 1200)
	cfg.Retry.BPSScale = getFloatWithDefault("RETRY_BPS_SCALE", 1.5)
	cfg.Retry.RetryAttempts = getIntWithDefault("RETRY_ATTEMPTS", 5)

	cfg.Link.Callsign = getOverrideOrEnv(opts.Callsign, "LINK_CALLSIGN", "")
	cfg.Link.LinkWidth = getIntWithDefault("LINK_WIDTH", 32)
	cfg.Link.FECEnabled = getBoolWithDefault("LINK_FEC_ENABLED", true)
	cfg.Link.RetryEnabled = getBoolWithDefault("LINK_RETRY_ENABLED", true)
	cfg.Link.MajorVersion = getIntWithDefault("LINK_MAJOR_VERSION", 1)
	cfg.Link.MinorVersion = getIntWithDefault("LINK_MINOR_VERSION", 0)
	cfg.Link.BroadcastRate = getIntWithDefault("LINK_BROADCAST_RATE_MS", 0)
	cfg.Link.HTTPBaseURL = getEnvWithDefault("LINK_HTTP_BASE_URL", "")

	cfg.Node.Callsign = getOverrideOrEnv(opts.Callsign, "NODE_CALLSIGN", "")

	cfg.Logging.Level = getOverrideOrEnv(opts.LogLevel, "LOG_LEVEL", "info")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = cfg
	configMutex.Unlock()

	return cfg, nil
}

// GetGlobalConfig returns the globally stored configuration loaded by the
// process entry point, or nil if Load has not been called yet.
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Metrics.Enabled {
		if port, err := strconv.Atoi(c.Metrics.Port); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid metrics port: %s", c.Metrics.Port)
		}
	}

	if c.Link.LinkWidth < 12 {
		return fmt.Errorf("link width must be at least 12 bytes, got %d", c.Link.LinkWidth)
	}

	if c.Retry.BPS <= 0 {
		return fmt.Errorf("retry bps must be positive")
	}

	if c.Retry.RetryAttempts <= 0 {
		return fmt.Errorf("retry attempts must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getOverrideOrEnv returns the command-line override value, env value, or default.
func getOverrideOrEnv(override, envKey, defaultValue string) string {
	if override != "" {
		return override
	}
	return getEnvWithDefault(envKey, defaultValue)
}
