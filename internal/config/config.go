package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkspaceConfig describes one monitored workspace and how to reach it.
type WorkspaceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// URL is the websocket endpoint of the workspace's agent backend.
	URL  string `yaml:"url"`
	Root string `yaml:"root"`
}

// HealthConfig holds the staleness and disconnection thresholds for
// workspace health tracking.
type HealthConfig struct {
	StaleAfterMs        int64 `yaml:"stale_after_ms"`
	DisconnectedAfterMs int64 `yaml:"disconnected_after_ms"`
	TickIntervalSeconds int   `yaml:"tick_interval_seconds"`
	ProbeTimeoutSeconds int   `yaml:"probe_timeout_seconds"`
}

// DispatchConfig holds defaults applied to dispatches that omit them.
type DispatchConfig struct {
	DefaultModel      string `yaml:"default_model"`
	DefaultEffort     string `yaml:"default_effort"`
	DefaultAccessMode string `yaml:"default_access_mode"`
	// MaxConcurrent bounds concurrently executing dispatch jobs. 0 = unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelemetryConfig controls the OpenTelemetry exporters. Metrics are always
// recorded in-process; export is opt-in.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// SnapshotConfig controls persistence of the supervisor snapshot.
type SnapshotConfig struct {
	// AutosaveCron is a cron expression for periodic snapshot saves.
	// Empty disables the autosave schedule.
	AutosaveCron string `yaml:"autosave_cron"`
	// ActivityCap bounds the retained activity feed entries.
	ActivityCap int `yaml:"activity_cap"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Workspaces []WorkspaceConfig `yaml:"workspaces"`
	Health     HealthConfig      `yaml:"health"`
	Dispatch   DispatchConfig    `yaml:"dispatch"`
	Channels   ChannelsConfig    `yaml:"channels"`
	Snapshot   SnapshotConfig    `yaml:"snapshot"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Workspace returns the configured workspace with the given id, or false.
func (c Config) Workspace(id string) (WorkspaceConfig, bool) {
	for _, ws := range c.Workspaces {
		if ws.ID == id {
			return ws, true
		}
	}
	return WorkspaceConfig{}, false
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	ids := make([]string, 0, len(c.Workspaces))
	for _, ws := range c.Workspaces {
		ids = append(ids, ws.ID)
	}
	fmt.Fprintf(h, "log=%s|ws=%s|stale=%d|disc=%d|cron=%s",
		c.LogLevel, strings.Join(ids, ","), c.Health.StaleAfterMs, c.Health.DisconnectedAfterMs, c.Snapshot.AutosaveCron)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Health: HealthConfig{
			StaleAfterMs:        90_000,
			DisconnectedAfterMs: 300_000,
			TickIntervalSeconds: 15,
			ProbeTimeoutSeconds: 10,
		},
		Dispatch: DispatchConfig{
			DefaultAccessMode: "current",
			MaxConcurrent:     8,
		},
		Snapshot: SnapshotConfig{
			AutosaveCron: "@every 5m",
			ActivityCap:  200,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("WARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Health.StaleAfterMs <= 0 {
		cfg.Health.StaleAfterMs = 90_000
	}
	if cfg.Health.DisconnectedAfterMs <= 0 {
		cfg.Health.DisconnectedAfterMs = 300_000
	}
	if cfg.Health.TickIntervalSeconds <= 0 {
		cfg.Health.TickIntervalSeconds = 15
	}
	if cfg.Health.ProbeTimeoutSeconds <= 0 {
		cfg.Health.ProbeTimeoutSeconds = 10
	}
	if cfg.Dispatch.DefaultAccessMode == "" {
		cfg.Dispatch.DefaultAccessMode = "current"
	}
	if cfg.Snapshot.ActivityCap <= 0 {
		cfg.Snapshot.ActivityCap = 200
	}
}

func validate(cfg *Config) error {
	if cfg.Health.DisconnectedAfterMs <= cfg.Health.StaleAfterMs {
		return fmt.Errorf("health.disconnected_after_ms (%d) must exceed health.stale_after_ms (%d)",
			cfg.Health.DisconnectedAfterMs, cfg.Health.StaleAfterMs)
	}
	switch cfg.Dispatch.DefaultAccessMode {
	case "read-only", "current", "full-access":
	default:
		return fmt.Errorf("dispatch.default_access_mode %q is not one of read-only, current, full-access", cfg.Dispatch.DefaultAccessMode)
	}
	seen := make(map[string]struct{}, len(cfg.Workspaces))
	for _, ws := range cfg.Workspaces {
		if ws.ID == "" {
			return fmt.Errorf("workspace entry missing id")
		}
		if _, dup := seen[ws.ID]; dup {
			return fmt.Errorf("duplicate workspace id %q", ws.ID)
		}
		seen[ws.ID] = struct{}{}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WARDEN_STALE_AFTER_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Health.StaleAfterMs = v
		}
	}
	if raw := os.Getenv("WARDEN_DISCONNECTED_AFTER_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Health.DisconnectedAfterMs = v
		}
	}
	if raw := os.Getenv("WARDEN_TICK_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Health.TickIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
