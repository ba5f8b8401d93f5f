package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.HTTP.Addr != ":8000" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Metrics.Addr != ":9100" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Gateway.TimezoneOffsetHours != -5 || cfg.Gateway.LogRetentionDays != 7 {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.MaxIndexAttempts != 100 || !cfg.Gateway.ClockSync {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate(defaults) = %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slmgate.yaml")
	data := `
http:
  addr: ":9000"
log:
  level: debug
gateway:
  timezone_offset_hours: 9
  timezone_name: JST
devices:
  - unit_id: slm-01
    host: 10.0.0.5
    tcp_port: 2255
  - unit_id: slm-02
    host: 10.0.0.6
    poll_interval_seconds: 120
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("HTTP.Addr = %q, want :9000", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	// Untouched fields keep defaults.
	if cfg.Metrics.Addr != ":9100" || cfg.Database.Path != "slmgate.db" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.Gateway.TimezoneOffsetHours != 9 || cfg.Gateway.TimezoneName != "JST" {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[1].PollIntervalSeconds != 120 {
		t.Errorf("Devices = %+v", cfg.Devices)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SLMGATE_HTTP_ADDR", ":7777")
	t.Setenv("SLMGATE_LOG_FORMAT", "text")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":7777" {
		t.Errorf("HTTP.Addr = %q, want :7777", cfg.HTTP.Addr)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("TIMEZONE_OFFSET", "5.5")
	t.Setenv("TIMEZONE_NAME", "IST")
	t.Setenv("LOG_RETENTION_DAYS", "14")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.TimezoneOffsetHours != 5.5 {
		t.Errorf("TimezoneOffsetHours = %v, want 5.5", cfg.Gateway.TimezoneOffsetHours)
	}
	if cfg.Gateway.TimezoneName != "IST" {
		t.Errorf("TimezoneName = %q", cfg.Gateway.TimezoneName)
	}
	if cfg.Gateway.LogRetentionDays != 14 {
		t.Errorf("LogRetentionDays = %d, want 14", cfg.Gateway.LogRetentionDays)
	}
}

func TestLoadLegacyEnvInvalid(t *testing.T) {
	t.Setenv("TIMEZONE_OFFSET", "east")

	if _, err := Load(""); err == nil {
		t.Fatal("Load accepted unparseable TIMEZONE_OFFSET")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"empty http addr", func(c *Config) { c.HTTP.Addr = "" }, ErrEmptyHTTPAddr},
		{"empty metrics addr", func(c *Config) { c.Metrics.Addr = "" }, ErrEmptyMetricsAddr},
		{"empty db path", func(c *Config) { c.Database.Path = "" }, ErrEmptyDatabasePath},
		{"zero retention", func(c *Config) { c.Gateway.LogRetentionDays = 0 }, ErrInvalidRetention},
		{"zero attempts", func(c *Config) { c.Gateway.MaxIndexAttempts = 0 }, ErrInvalidMaxAttempts},
		{"offset too low", func(c *Config) { c.Gateway.TimezoneOffsetHours = -13 }, ErrInvalidTimezoneOffset},
		{"seed no host", func(c *Config) {
			c.Devices = []DeviceSeed{{UnitID: "slm-01"}}
		}, ErrInvalidDeviceSeed},
		{"seed bad interval", func(c *Config) {
			c.Devices = []DeviceSeed{{UnitID: "slm-01", Host: "h", PollIntervalSeconds: 5}}
		}, ErrInvalidDeviceSeed},
		{"seed duplicate", func(c *Config) {
			c.Devices = []DeviceSeed{
				{UnitID: "slm-01", Host: "h"},
				{UnitID: "slm-01", Host: "h2"},
			}
		}, ErrDuplicateDeviceSeed},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		if err := Validate(cfg); !errors.Is(err, tt.want) {
			t.Errorf("%s: Validate = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()

	g := GatewayConfig{TimezoneOffsetHours: -5, TimezoneName: "EST"}
	loc := g.Location()

	local := time.Date(2026, 1, 7, 15, 0, 0, 0, loc)
	if utc := local.UTC(); utc.Hour() != 20 {
		t.Errorf("15:00 EST = %v UTC, want 20:00", utc)
	}

	unnamed := GatewayConfig{TimezoneOffsetHours: 5.5}
	if name := unnamed.Location().String(); name != "UTC+5.5" {
		t.Errorf("zone name = %q, want UTC+5.5", name)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
