package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/cron"
	"github.com/basket/warden/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkWorkspaces,
		checkDatabase,
		checkPermissions,
		checkAutosave,
		checkTelegram,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkWorkspaces(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspaces", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Workspaces) == 0 {
		return CheckResult{
			Name:    "Workspaces",
			Status:  "WARN",
			Message: "No workspaces configured",
			Detail:  "Add workspaces to config.yaml to supervise agent runtimes",
		}
	}

	seen := make(map[string]struct{})
	var problems []string
	for _, ws := range cfg.Workspaces {
		if ws.ID == "" {
			problems = append(problems, "workspace with empty id")
			continue
		}
		if _, dup := seen[ws.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate workspace id %q", ws.ID))
		}
		seen[ws.ID] = struct{}{}

		u, err := url.Parse(ws.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("workspace %q has invalid url %q (want ws:// or wss://)", ws.ID, ws.URL))
		}
	}

	if len(problems) > 0 {
		return CheckResult{
			Name:    "Workspaces",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d workspace entries invalid", len(problems), len(cfg.Workspaces)),
			Detail:  strings.Join(problems, "; "),
		}
	}
	return CheckResult{Name: "Workspaces", Status: "PASS", Message: fmt.Sprintf("%d workspace(s) configured", len(cfg.Workspaces))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "warden.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.LoadState(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Snapshot query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkAutosave(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Autosave", Status: "SKIP", Message: "Config missing"}
	}
	expr := cfg.Snapshot.AutosaveCron
	if expr == "" {
		return CheckResult{Name: "Autosave", Status: "WARN", Message: "Snapshot autosave disabled (no cron expression)"}
	}
	next, err := cron.NextRunTime(expr, time.Now())
	if err != nil {
		return CheckResult{
			Name:    "Autosave",
			Status:  "FAIL",
			Message: fmt.Sprintf("Invalid autosave cron expression %q: %v", expr, err),
		}
	}
	return CheckResult{
		Name:    "Autosave",
		Status:  "PASS",
		Message: fmt.Sprintf("Autosave scheduled (%s)", expr),
		Detail:  fmt.Sprintf("next_run_at=%s", next.UTC().Format(time.RFC3339)),
	}
}

func checkTelegram(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Telegram bridge disabled"}
	}
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: "FAIL", Message: "Telegram bridge enabled but token is empty"}
	}
	if len(tg.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: "FAIL", Message: "Telegram bridge enabled but allowed_ids is empty"}
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, "api.telegram.org")
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for api.telegram.org: %v", err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Telegram",
		Status:  "PASS",
		Message: fmt.Sprintf("Bridge configured (%d allowed id(s), DNS resolved %d addresses, %dms)", len(tg.AllowedIDs), len(addrs), latency.Milliseconds()),
	}
}
