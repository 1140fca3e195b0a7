package doctor

import (
	"context"
	"testing"
	"time"

	"github.com/basket/warden/internal/config"
)

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", got.Status)
	}
	if got := checkConfig(context.Background(), &config.Config{NeedsGenesis: true}); got.Status != "WARN" {
		t.Fatalf("expected WARN for genesis config, got %s", got.Status)
	}
	if got := checkConfig(context.Background(), &config.Config{HomeDir: "/tmp/warden"}); got.Status != "PASS" {
		t.Fatalf("expected PASS for loaded config, got %s", got.Status)
	}
}

func TestCheckWorkspaces(t *testing.T) {
	if got := checkWorkspaces(context.Background(), nil); got.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", got.Status)
	}
	if got := checkWorkspaces(context.Background(), &config.Config{}); got.Status != "WARN" {
		t.Fatalf("expected WARN for no workspaces, got %s", got.Status)
	}

	valid := &config.Config{Workspaces: []config.WorkspaceConfig{
		{ID: "ws-1", URL: "ws://127.0.0.1:4500", Root: "/srv/ws-1"},
		{ID: "ws-2", URL: "wss://agents.internal:4500", Root: "/srv/ws-2"},
	}}
	if got := checkWorkspaces(context.Background(), valid); got.Status != "PASS" {
		t.Fatalf("expected PASS for valid workspaces, got %s (%s)", got.Status, got.Detail)
	}

	invalid := &config.Config{Workspaces: []config.WorkspaceConfig{
		{ID: "ws-1", URL: "http://127.0.0.1:4500"},
		{ID: "ws-1", URL: "ws://127.0.0.1:4501"},
	}}
	got := checkWorkspaces(context.Background(), invalid)
	if got.Status != "FAIL" {
		t.Fatalf("expected FAIL for invalid workspaces, got %s", got.Status)
	}
	if got.Detail == "" {
		t.Fatal("expected detail listing the invalid entries")
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	got := checkDatabase(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("expected PASS for fresh database, got %s (%s)", got.Status, got.Message)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	if got := checkPermissions(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS for writable home dir, got %s", got.Status)
	}
	missing := &config.Config{HomeDir: "/nonexistent/warden-home"}
	if got := checkPermissions(context.Background(), missing); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for unwritable home dir, got %s", got.Status)
	}
}

func TestCheckAutosave(t *testing.T) {
	disabled := &config.Config{}
	if got := checkAutosave(context.Background(), disabled); got.Status != "WARN" {
		t.Fatalf("expected WARN with autosave disabled, got %s", got.Status)
	}

	valid := &config.Config{}
	valid.Snapshot.AutosaveCron = "*/5 * * * *"
	if got := checkAutosave(context.Background(), valid); got.Status != "PASS" {
		t.Fatalf("expected PASS for valid cron expression, got %s (%s)", got.Status, got.Message)
	}

	invalid := &config.Config{}
	invalid.Snapshot.AutosaveCron = "not a cron expr"
	if got := checkAutosave(context.Background(), invalid); got.Status != "FAIL" {
		t.Fatalf("expected FAIL for invalid cron expression, got %s", got.Status)
	}
}

func TestCheckTelegram_DisabledAndMisconfigured(t *testing.T) {
	disabled := &config.Config{}
	if got := checkTelegram(context.Background(), disabled); got.Status != "SKIP" {
		t.Fatalf("expected SKIP with bridge disabled, got %s", got.Status)
	}

	noToken := &config.Config{}
	noToken.Channels.Telegram.Enabled = true
	if got := checkTelegram(context.Background(), noToken); got.Status != "FAIL" {
		t.Fatalf("expected FAIL with empty token, got %s", got.Status)
	}

	noIDs := &config.Config{}
	noIDs.Channels.Telegram.Enabled = true
	noIDs.Channels.Telegram.Token = "12345678:fake"
	if got := checkTelegram(context.Background(), noIDs); got.Status != "FAIL" {
		t.Fatalf("expected FAIL with empty allowed_ids, got %s", got.Status)
	}
}

func TestRun_CoversAllChecks(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	cfg.Workspaces = []config.WorkspaceConfig{{ID: "ws-1", URL: "ws://127.0.0.1:4500"}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := Run(ctx, cfg, "test")
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 check results, got %d", len(d.Results))
	}
	names := map[string]bool{}
	for _, r := range d.Results {
		names[r.Name] = true
	}
	for _, want := range []string{"Config", "Workspaces", "Database", "Permissions", "Autosave", "Telegram"} {
		if !names[want] {
			t.Fatalf("missing check %q in diagnosis", want)
		}
	}
}
