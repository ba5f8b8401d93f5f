// Package config manages slmgate daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete slmgate configuration.
type Config struct {
	HTTP     HTTPConfig    `koanf:"http"`
	Metrics  MetricsConfig `koanf:"metrics"`
	Log      LogConfig     `koanf:"log"`
	Database DBConfig      `koanf:"database"`
	Gateway  GatewayConfig `koanf:"gateway"`
	Devices  []DeviceSeed  `koanf:"devices"`
}

// HTTPConfig holds the REST/WebSocket server configuration.
type HTTPConfig struct {
	// Addr is the API listen address (e.g., ":8000").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// DBConfig holds the SQLite database configuration.
type DBConfig struct {
	// Path is the database file path. ":memory:" gives an ephemeral store.
	Path string `koanf:"path"`
}

// GatewayConfig holds device-interaction policy shared by all units.
type GatewayConfig struct {
	// TimezoneOffsetHours is the device-local UTC offset in hours. FTP
	// directory timestamps are interpreted in this zone. Fractional hours
	// are valid (e.g., 5.5).
	TimezoneOffsetHours float64 `koanf:"timezone_offset_hours"`

	// TimezoneName is the display name for the device-local zone.
	TimezoneName string `koanf:"timezone_name"`

	// LogRetentionDays is the device-log retention window in days.
	LogRetentionDays int `koanf:"log_retention_days"`

	// ClockSync enables setting the device clock at the top of each start
	// cycle.
	ClockSync bool `koanf:"clock_sync"`

	// MaxIndexAttempts bounds the overwrite probes in a start cycle's
	// index rotation.
	MaxIndexAttempts int `koanf:"max_index_attempts"`
}

// DeviceSeed describes a declarative registry entry from the configuration
// file. Each entry is upserted into the registry on daemon startup.
type DeviceSeed struct {
	// UnitID identifies the device.
	UnitID string `koanf:"unit_id"`

	// Host is the device's IP address or hostname.
	Host string `koanf:"host"`

	// TCPPort is the control protocol port (0 means the default 2255).
	TCPPort int `koanf:"tcp_port"`

	// FTPPort is the device FTP port (0 means the default 21).
	FTPPort int `koanf:"ftp_port"`

	// PollIntervalSeconds is the polling period (0 means the default 60).
	PollIntervalSeconds int `koanf:"poll_interval_seconds"`

	// PollEnabled defaults to true when the entry is created.
	PollEnabled *bool `koanf:"poll_enabled"`
}

// Location returns the device-local timezone as a fixed zone.
func (g GatewayConfig) Location() *time.Location {
	name := g.TimezoneName
	if name == "" {
		name = fmt.Sprintf("UTC%+g", g.TimezoneOffsetHours)
	}
	return time.FixedZone(name, int(g.TimezoneOffsetHours*3600))
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The timezone default of UTC-5 matches the fleet's historical deployment;
// override it per site.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8000",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DBConfig{
			Path: "slmgate.db",
		},
		Gateway: GatewayConfig{
			TimezoneOffsetHours: -5,
			TimezoneName:        "EST",
			LogRetentionDays:    7,
			ClockSync:           true,
			MaxIndexAttempts:    100,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for slmgate configuration.
// Variables are named SLMGATE_<section>_<key>, e.g., SLMGATE_HTTP_ADDR.
const envPrefix = "SLMGATE_"

// Load reads configuration from a YAML file at path (skipped when path is
// empty), overlays environment variable overrides (SLMGATE_ prefix), and
// merges on top of DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	SLMGATE_HTTP_ADDR    -> http.addr
//	SLMGATE_METRICS_ADDR -> metrics.addr
//	SLMGATE_LOG_LEVEL    -> log.level
//	SLMGATE_LOG_FORMAT   -> log.format
//
// Three unprefixed variables are honored for compatibility with existing
// deployments: TIMEZONE_OFFSET (float hours), TIMEZONE_NAME, and
// LOG_RETENTION_DAYS.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	// SLMGATE_HTTP_ADDR -> http.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if err := loadLegacyEnv(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms SLMGATE_HTTP_ADDR -> http.addr.
// Strips the SLMGATE_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadLegacyEnv applies the three unprefixed environment variables carried
// over from earlier deployments.
func loadLegacyEnv(k *koanf.Koanf) error {
	if v := os.Getenv("TIMEZONE_OFFSET"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TIMEZONE_OFFSET %q: %w", v, err)
		}
		if err := k.Set("gateway.timezone_offset_hours", f); err != nil {
			return fmt.Errorf("set timezone offset: %w", err)
		}
	}
	if v := os.Getenv("TIMEZONE_NAME"); v != "" {
		if err := k.Set("gateway.timezone_name", v); err != nil {
			return fmt.Errorf("set timezone name: %w", err)
		}
	}
	if v := os.Getenv("LOG_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOG_RETENTION_DAYS %q: %w", v, err)
		}
		if err := k.Set("gateway.log_retention_days", n); err != nil {
			return fmt.Errorf("set log retention: %w", err)
		}
	}
	return nil
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"http.addr":                     defaults.HTTP.Addr,
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"database.path":                 defaults.Database.Path,
		"gateway.timezone_offset_hours": defaults.Gateway.TimezoneOffsetHours,
		"gateway.timezone_name":         defaults.Gateway.TimezoneName,
		"gateway.log_retention_days":    defaults.Gateway.LogRetentionDays,
		"gateway.clock_sync":            defaults.Gateway.ClockSync,
		"gateway.max_index_attempts":    defaults.Gateway.MaxIndexAttempts,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyHTTPAddr indicates the API listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrEmptyDatabasePath indicates the database path is empty.
	ErrEmptyDatabasePath = errors.New("database.path must not be empty")

	// ErrInvalidRetention indicates the log retention window is not positive.
	ErrInvalidRetention = errors.New("gateway.log_retention_days must be >= 1")

	// ErrInvalidMaxAttempts indicates the index-rotation bound is not positive.
	ErrInvalidMaxAttempts = errors.New("gateway.max_index_attempts must be >= 1")

	// ErrInvalidTimezoneOffset indicates an offset outside real UTC offsets.
	ErrInvalidTimezoneOffset = errors.New("gateway.timezone_offset_hours must be between -12 and 14")

	// ErrInvalidDeviceSeed indicates a devices[] entry is malformed.
	ErrInvalidDeviceSeed = errors.New("device seed is invalid")

	// ErrDuplicateDeviceSeed indicates two devices[] entries share a unit_id.
	ErrDuplicateDeviceSeed = errors.New("duplicate device seed unit_id")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.Database.Path == "" {
		return ErrEmptyDatabasePath
	}
	if cfg.Gateway.LogRetentionDays < 1 {
		return ErrInvalidRetention
	}
	if cfg.Gateway.MaxIndexAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if cfg.Gateway.TimezoneOffsetHours < -12 || cfg.Gateway.TimezoneOffsetHours > 14 {
		return ErrInvalidTimezoneOffset
	}

	return validateSeeds(cfg.Devices)
}

// validateSeeds checks each declarative device entry for correctness.
func validateSeeds(seeds []DeviceSeed) error {
	seen := make(map[string]struct{}, len(seeds))

	for i, d := range seeds {
		if d.UnitID == "" {
			return fmt.Errorf("devices[%d]: unit_id empty: %w", i, ErrInvalidDeviceSeed)
		}
		if d.Host == "" {
			return fmt.Errorf("devices[%d] %s: host empty: %w", i, d.UnitID, ErrInvalidDeviceSeed)
		}
		if d.TCPPort < 0 || d.TCPPort > 65535 || d.FTPPort < 0 || d.FTPPort > 65535 {
			return fmt.Errorf("devices[%d] %s: port out of range: %w", i, d.UnitID, ErrInvalidDeviceSeed)
		}
		if d.PollIntervalSeconds != 0 && (d.PollIntervalSeconds < 10 || d.PollIntervalSeconds > 3600) {
			return fmt.Errorf("devices[%d] %s: poll interval out of range: %w", i, d.UnitID, ErrInvalidDeviceSeed)
		}

		if _, dup := seen[d.UnitID]; dup {
			return fmt.Errorf("devices[%d] %s: %w", i, d.UnitID, ErrDuplicateDeviceSeed)
		}
		seen[d.UnitID] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
