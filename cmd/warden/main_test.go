package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/dispatch"
	"github.com/basket/warden/internal/service"
	"github.com/basket/warden/internal/state"
	"github.com/basket/warden/internal/supervisor"
)

func newConsoleService(t *testing.T) *service.Service {
	t.Helper()
	loop := supervisor.NewLoop(supervisor.DefaultConfig(), state.NewStore(nil), nil, nil, nil)
	return service.NewService(nil, loop, dispatch.NewExecutor(nil, nil), nil, service.Options{})
}

func TestRunChatConsole_HelpAndExit(t *testing.T) {
	svc := newConsoleService(t)
	in := strings.NewReader("/help\n")
	var out bytes.Buffer

	runChatConsole(context.Background(), svc, in, &out)

	got := out.String()
	if !strings.Contains(got, "Supported commands:") {
		t.Fatalf("expected help output, got %q", got)
	}
	if !strings.Contains(got, "warden supervisor console") {
		t.Fatalf("expected console banner, got %q", got)
	}
}

func TestRunChatConsole_SkipsBlankLines(t *testing.T) {
	svc := newConsoleService(t)
	in := strings.NewReader("\n   \n/status\n")
	var out bytes.Buffer

	runChatConsole(context.Background(), svc, in, &out)

	if !strings.Contains(out.String(), "Global supervisor status:") {
		t.Fatalf("expected status output, got %q", out.String())
	}
	if got := len(svc.ChatHistory()); got != 2 {
		t.Fatalf("expected 2 chat messages (user + system), got %d", got)
	}
}

func TestRunChatConsole_UnknownCommandReply(t *testing.T) {
	svc := newConsoleService(t)
	in := strings.NewReader("what is going on\n")
	var out bytes.Buffer

	runChatConsole(context.Background(), svc, in, &out)

	if !strings.Contains(out.String(), "commands must start with `/` (run `/help` for usage)") {
		t.Fatalf("expected command error reply, got %q", out.String())
	}
}

func TestWriteStarterConfig(t *testing.T) {
	home := t.TempDir()
	if err := writeStarterConfig(home); err != nil {
		t.Fatalf("writeStarterConfig: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	if !strings.HasPrefix(string(raw), "# warden supervisor configuration.") {
		t.Fatal("expected commented header in starter config")
	}

	var cfg config.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("starter config does not parse: %v", err)
	}
	if cfg.Snapshot.AutosaveCron != "@every 5m" {
		t.Fatalf("unexpected autosave cron %q", cfg.Snapshot.AutosaveCron)
	}
	if cfg.Health.DisconnectedAfterMs <= cfg.Health.StaleAfterMs {
		t.Fatal("starter thresholds must keep disconnected above stale")
	}
}
