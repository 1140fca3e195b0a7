package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/channels"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/cron"
	"github.com/basket/warden/internal/dispatch"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/service"
	"github.com/basket/warden/internal/state"
	"github.com/basket/warden/internal/supervisor"
	"github.com/basket/warden/internal/telemetry"
	"github.com/basket/warden/internal/transport"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the supervisor with a chat console

DAEMON MODE:
  %s -daemon                  Start the supervisor (no console, logs to stdout)

SUBCOMMANDS:
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WARDEN_HOME             Data directory (default: ~/.warden)
  WARDEN_LOG_LEVEL        Log level override (debug, info, warn, error)
  TELEGRAM_TOKEN          Telegram bridge token override

EXAMPLES:
  Interactive console:    %s
  Daemon mode:            %s -daemon
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("WARDEN_NO_CONSOLE") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no chat console, logs to stdout)")
	stateFile := flag.Bool("state-file", false, "persist supervisor state to a JSON file instead of sqlite")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	// Quiet logs (file-only) in interactive mode so the console stays clean.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter values", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// Create event bus early so every component can publish on it.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	var snapshots service.SnapshotStore
	if *stateFile {
		path := persistence.StateFilePath(cfg.HomeDir)
		snapshots = persistence.NewFileStore(path)
		logger.Info("startup phase", "phase", "state_store_ready", "file", path)
	} else {
		dbPath := filepath.Join(cfg.HomeDir, "warden.db")
		db, err := persistence.Open(dbPath, metrics)
		if err != nil {
			fatalStartup(logger, "E_STORE_OPEN", err)
		}
		defer db.Close()
		snapshots = db
		logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)
	}

	store := state.NewStore(eventBus)
	loop := supervisor.NewLoop(supervisor.Config{
		StaleAfterMs:        cfg.Health.StaleAfterMs,
		DisconnectedAfterMs: cfg.Health.DisconnectedAfterMs,
		ActivityFeedLimit:   cfg.Snapshot.ActivityCap,
	}, store, eventBus, logger, metrics)

	manager := transport.NewManager(logger, metrics, func(handlerCtx context.Context, workspaceID string, payload json.RawMessage) {
		loop.ApplyRawEvent(handlerCtx, workspaceID, payload, time.Now().UnixMilli())
	})
	defer manager.Close()

	executor := dispatch.NewExecutor(logger, metrics)
	executor.SetDefaults(dispatch.Defaults{
		Model:         cfg.Dispatch.DefaultModel,
		Effort:        cfg.Dispatch.DefaultEffort,
		AccessMode:    cfg.Dispatch.DefaultAccessMode,
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
	})
	svc := service.NewService(logger, loop, executor, manager, service.Options{
		Snapshots: snapshots,
		Approvals: manager,
		Replies:   manager,
	})

	if err := svc.LoadState(ctx); err != nil {
		fatalStartup(logger, "E_STATE_RESTORE", err)
	}
	logger.Info("startup phase", "phase", "state_restored")

	manager.Configure(cfg.Workspaces)
	manager.ConnectAll(ctx)
	logger.Info("startup phase", "phase", "workspaces_connected", "count", len(cfg.Workspaces))

	// Reconciliation tick: probe workspaces and fold health into the aggregate.
	probeTimeout := time.Duration(cfg.Health.ProbeTimeoutSeconds) * time.Second
	tickInterval := time.Duration(cfg.Health.TickIntervalSeconds) * time.Second
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				inputs := manager.HealthInputs(ctx, probeTimeout)
				loop.RunHealthCheck(ctx, inputs, time.Now().UnixMilli())
			}
		}
	}()

	// Snapshot autosave.
	autosave := cron.NewScheduler(cron.Config{
		Saver:    svc,
		Logger:   logger,
		CronExpr: cfg.Snapshot.AutosaveCron,
	})
	autosave.Start(ctx)
	defer autosave.Stop()

	// Channels
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram bridge enabled but token is missing")
		} else {
			tg := channels.NewTelegramBridge(cfg.Channels.Telegram, svc, logger, eventBus)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram bridge failed", "error", err)
				}
			}()
		}
	}

	// Reconnect and reconfigure when config.yaml changes on disk.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			fingerprint := cfg.Fingerprint()
			for range watcher.Events() {
				next, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				if next.Fingerprint() == fingerprint {
					continue
				}
				fingerprint = next.Fingerprint()
				manager.Configure(next.Workspaces)
				manager.ConnectAll(ctx)
				loop.Reconfigure(next.Health.StaleAfterMs, next.Health.DisconnectedAfterMs)
				executor.SetDefaults(dispatch.Defaults{
					Model:         next.Dispatch.DefaultModel,
					Effort:        next.Dispatch.DefaultEffort,
					AccessMode:    next.Dispatch.DefaultAccessMode,
					MaxConcurrent: next.Dispatch.MaxConcurrent,
				})
				logger.Info("config reloaded", "fingerprint", fingerprint, "workspaces", len(next.Workspaces))
			}
		}()
	}

	if interactive {
		// Run the chat console. When it exits, cancel the context to shut down.
		go func() {
			runChatConsole(ctx, svc, os.Stdin, os.Stdout)
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.SaveState(shutdownCtx); err != nil {
		logger.Error("final snapshot save failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("startup", "failed", "", "", fmt.Sprintf("%s: %s", reasonCode, message))

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// runChatConsole reads commands from in line by line, routes each through the
// supervisor chat surface, and prints the system replies.
func runChatConsole(ctx context.Context, svc *service.Service, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "warden supervisor console. Type /help for commands, Ctrl-D to exit.")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		before := len(svc.ChatHistory())
		history, err := svc.SendChatCommand(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		for _, msg := range history[before:] {
			if msg.Role == state.ChatRoleSystem {
				fmt.Fprintln(out, msg.Text)
			}
		}
	}
}

// writeStarterConfig writes a commented config.yaml so a first run has
// something to edit. Workspaces stay empty until the operator adds them.
func writeStarterConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		LogLevel: "info",
		Health: config.HealthConfig{
			StaleAfterMs:        90_000,
			DisconnectedAfterMs: 300_000,
			TickIntervalSeconds: 15,
			ProbeTimeoutSeconds: 10,
		},
		Dispatch: config.DispatchConfig{
			DefaultAccessMode: "current",
			MaxConcurrent:     8,
		},
		Snapshot: config.SnapshotConfig{
			AutosaveCron: "@every 5m",
			ActivityCap:  200,
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := "# warden supervisor configuration.\n" +
		"# Add workspaces to supervise, e.g.:\n" +
		"#\n" +
		"# workspaces:\n" +
		"#   - id: ws-1\n" +
		"#     name: My project\n" +
		"#     url: ws://127.0.0.1:4500\n" +
		"#     root: /home/me/projects/ws-1\n\n"

	return os.WriteFile(config.ConfigPath(homeDir), append([]byte(header), data...), 0o644)
}
