// Package config provides configuration loading for conductord.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all conductord configuration.
type Config struct {
	// Listen address for the HTTP API (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/conductor")
	DataDir string `json:"data_dir"`

	// Storage driver: "sqlite", "pgx" or "mysql" (default "sqlite")
	StorageDriver string `json:"storage_driver"`
	// DSN for the storage driver. For sqlite, an empty DSN means the file
	// DataDir/conductor.db.
	StorageDSN string `json:"storage_dsn,omitempty"`

	// GitHub app credentials
	GitHub GitHubConfig `json:"github,omitempty"`

	// Outbox worker tuning
	Outbox OutboxConfig `json:"outbox,omitempty"`

	// Gate tuning
	Gates GateConfig `json:"gates,omitempty"`

	// Rate limiting for the outbound GitHub client
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// Telemetry
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// External URL this instance is reachable at (used in operator-facing links)
	ExternalURL string `json:"external_url,omitempty"`
}

// GitHubConfig configures the GitHub App credentials used by ghclient.
type GitHubConfig struct {
	AppID          int64  `json:"app_id,omitempty"`
	InstallationID int64  `json:"installation_id,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	TickInterval time.Duration `json:"tick_interval,omitempty"`
	BatchLimit   int           `json:"batch_limit,omitempty"`
	MaxRetries   int           `json:"max_retries,omitempty"`
	StallAfter   time.Duration `json:"stall_after,omitempty"`
}

// GateConfig tunes per-gate behavior.
type GateConfig struct {
	TestsPassMaxRetries int `json:"tests_pass_max_retries,omitempty"`
}

// RateLimitConfig configures per-installation rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsAddr    string `json:"metrics_addr,omitempty"`
	OTLPEndpoint   string `json:"otlp_endpoint,omitempty"`
	TracingEnabled bool   `json:"tracing_enabled"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		DataDir:       "/var/lib/conductor",
		StorageDriver: "sqlite",
		LogLevel:      "info",
		Outbox: OutboxConfig{
			TickInterval: 5 * time.Second,
			BatchLimit:   25,
			MaxRetries:   8,
			StallAfter:   5 * time.Minute,
		},
		Gates: GateConfig{
			TestsPassMaxRetries: 3,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Telemetry: TelemetryConfig{
			MetricsAddr: ":9090",
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("CONDUCTOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONDUCTOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONDUCTOR_STORAGE_DRIVER"); v != "" {
		cfg.StorageDriver = v
	}
	if v := os.Getenv("CONDUCTOR_STORAGE_DSN"); v != "" {
		cfg.StorageDSN = v
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_APP_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.GitHub.AppID = n
		}
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_INSTALLATION_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.GitHub.InstallationID = n
		}
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_PRIVATE_KEY_PATH"); v != "" {
		cfg.GitHub.PrivateKeyPath = v
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_BASE_URL"); v != "" {
		cfg.GitHub.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_OUTBOX_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Outbox.TickInterval = d
		}
	}
	if v := os.Getenv("CONDUCTOR_OUTBOX_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Outbox.MaxRetries = n
		}
	}
	if v := os.Getenv("CONDUCTOR_GATES_TESTS_PASS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gates.TestsPassMaxRetries = n
		}
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}
	if v := os.Getenv("CONDUCTOR_METRICS_ADDR"); v != "" {
		cfg.Telemetry.MetricsAddr = v
	}
	if v := os.Getenv("CONDUCTOR_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.TracingEnabled = true
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasGitHubApp reports whether GitHub App credentials are configured.
func (c Config) HasGitHubApp() bool {
	return c.GitHub.AppID != 0 && c.GitHub.PrivateKeyPath != ""
}

// TracingEnabled reports whether an OTLP endpoint is configured.
func (c Config) TracingEnabled() bool {
	return c.Telemetry.TracingEnabled && c.Telemetry.OTLPEndpoint != ""
}
