// Package config provides configuration loading and validation for
// autocryptd.
//
// Configuration file: /etc/autocryptd/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (rate-limit capacities, queue depths).
//   - File paths must be absolute.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for autocryptd.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1"; any other value fails validation.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this daemon instance in logs. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Mailbox configures the single-writer dispatch pipeline.
	Mailbox MailboxConfig `yaml:"mailbox"`

	// RateLimit holds verify-attempt token bucket settings. They are
	// validated but not applied: internal/operator uses its own fixed
	// limit of 5 attempts per address per minute.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Storage configures the SQLite-backed peer-state store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator admin Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// MailboxConfig holds the single-writer dispatch pipeline parameters.
type MailboxConfig struct {
	// QueueDepth is the in-memory observation queue depth. If full, new
	// observations are dropped and dispatch_dropped_total is incremented.
	// Default: 4096.
	QueueDepth int `yaml:"queue_depth"`
}

// RateLimitConfig holds the per-address verify-attempt token bucket
// parameters, guarding set_verified against fingerprint brute-forcing
// over the operator socket.
type RateLimitConfig struct {
	// Capacity is the maximum number of verify attempts per address
	// between refills. Default: 5.
	Capacity int `yaml:"capacity"`

	// RefillPeriod is the interval between full refills. Default: 1m.
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// StorageConfig holds SQLite peer-state store parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the SQLite database file.
	// Default: /var/lib/autocryptd/autocryptd.db.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator admin socket parameters. The socket
// exposes lookup/verify/audit/list commands for manual fingerprint
// verification and inspection without restarting the daemon.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600. Default: /run/autocryptd/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Mailbox: MailboxConfig{
			QueueDepth: 4096,
		},
		RateLimit: RateLimitConfig{
			Capacity:     5,
			RefillPeriod: time.Minute,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: DefaultSocketPath,
		},
	}
}

// DefaultDBPath is the default SQLite database location.
const DefaultDBPath = "/var/lib/autocryptd/autocryptd.db"

// DefaultSocketPath is the default operator admin socket location.
const DefaultSocketPath = "/run/autocryptd/operator.sock"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Mailbox.QueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("mailbox.queue_depth must be >= 1, got %d", cfg.Mailbox.QueueDepth))
	}
	if cfg.RateLimit.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("rate_limit.capacity must be >= 1, got %d", cfg.RateLimit.Capacity))
	}
	if cfg.RateLimit.RefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("rate_limit.refill_period must be >= 1s, got %s", cfg.RateLimit.RefillPeriod))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be one of json/console, got %q", cfg.Observability.LogFormat))
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	} else if cfg.Operator.Enabled && !filepath.IsAbs(cfg.Operator.SocketPath) {
		errs = append(errs, fmt.Sprintf("operator.socket_path must be absolute, got %q", cfg.Operator.SocketPath))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
