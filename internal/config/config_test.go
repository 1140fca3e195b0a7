package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WARDEN_HOME", dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	withTempHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for missing config.yaml")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected log level info, got %q", cfg.LogLevel)
	}
	if cfg.Health.StaleAfterMs != 90_000 {
		t.Fatalf("expected stale_after_ms 90000, got %d", cfg.Health.StaleAfterMs)
	}
	if cfg.Health.DisconnectedAfterMs != 300_000 {
		t.Fatalf("expected disconnected_after_ms 300000, got %d", cfg.Health.DisconnectedAfterMs)
	}
	if cfg.Snapshot.ActivityCap != 200 {
		t.Fatalf("expected activity cap 200, got %d", cfg.Snapshot.ActivityCap)
	}
	if cfg.Dispatch.DefaultAccessMode != "current" {
		t.Fatalf("expected default access mode current, got %q", cfg.Dispatch.DefaultAccessMode)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := withTempHome(t)

	yaml := `
log_level: debug
workspaces:
  - id: ws-api
    name: API
    url: ws://127.0.0.1:9001
  - id: ws-web
    name: Web
    url: ws://127.0.0.1:9002
health:
  stale_after_ms: 60000
  disconnected_after_ms: 120000
dispatch:
  default_model: gpt-5-codex
  default_effort: high
  default_access_mode: read-only
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("did not expect NeedsGenesis with config.yaml present")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.LogLevel)
	}
	if len(cfg.Workspaces) != 2 {
		t.Fatalf("expected 2 workspaces, got %d", len(cfg.Workspaces))
	}
	ws, ok := cfg.Workspace("ws-api")
	if !ok || ws.URL != "ws://127.0.0.1:9001" {
		t.Fatalf("workspace lookup failed: %+v ok=%v", ws, ok)
	}
	if _, ok := cfg.Workspace("missing"); ok {
		t.Fatal("expected missing workspace to not resolve")
	}
	if cfg.Health.StaleAfterMs != 60_000 || cfg.Health.DisconnectedAfterMs != 120_000 {
		t.Fatalf("health thresholds not applied: %+v", cfg.Health)
	}
	if cfg.Dispatch.DefaultAccessMode != "read-only" {
		t.Fatalf("expected access mode read-only, got %q", cfg.Dispatch.DefaultAccessMode)
	}
}

func TestLoad_RejectsInvalidThresholds(t *testing.T) {
	dir := withTempHome(t)

	yaml := `
health:
  stale_after_ms: 300000
  disconnected_after_ms: 90000
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected error for disconnected threshold below stale threshold")
	}
}

func TestLoad_RejectsDuplicateWorkspaceIDs(t *testing.T) {
	dir := withTempHome(t)

	yaml := `
workspaces:
  - id: ws-1
  - id: ws-1
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected error for duplicate workspace ids")
	}
}

func TestLoad_RejectsBadAccessMode(t *testing.T) {
	dir := withTempHome(t)

	yaml := `
dispatch:
  default_access_mode: admin
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown access mode")
	}
}

func TestEnvOverrides(t *testing.T) {
	withTempHome(t)
	t.Setenv("WARDEN_LOG_LEVEL", "warn")
	t.Setenv("WARDEN_STALE_AFTER_MS", "45000")
	t.Setenv("TELEGRAM_TOKEN", "123456789:envtoken")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log level warn, got %q", cfg.LogLevel)
	}
	if cfg.Health.StaleAfterMs != 45_000 {
		t.Fatalf("expected stale_after_ms 45000, got %d", cfg.Health.StaleAfterMs)
	}
	if cfg.Channels.Telegram.Token != "123456789:envtoken" {
		t.Fatalf("telegram token override not applied: %q", cfg.Channels.Telegram.Token)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.LogLevel = "debug"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("differing configs should not share a fingerprint")
	}
}
