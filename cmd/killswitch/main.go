// Command killswitch is the kill-switch agent binary. It loads a YAML or
// JSON configuration file, wires together the Process Source, Policy
// Engine, Kill Governor, and Audit Log behind a Scan Orchestrator, and
// exposes three subcommands: scan (one-shot), daemon (periodic, with an
// optional local Control API), and validate (policy document lint).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tripwire/killswitch/internal/audit"
	"github.com/tripwire/killswitch/internal/config"
	"github.com/tripwire/killswitch/internal/controlapi"
	"github.com/tripwire/killswitch/internal/events"
	"github.com/tripwire/killswitch/internal/governor"
	"github.com/tripwire/killswitch/internal/hash"
	"github.com/tripwire/killswitch/internal/orchestrator"
	"github.com/tripwire/killswitch/internal/policyengine"
	"github.com/tripwire/killswitch/internal/policystore"
	"github.com/tripwire/killswitch/internal/process"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "scan":
		os.Exit(runScan(args))
	case "daemon":
		os.Exit(runDaemon(args))
	case "validate":
		os.Exit(runValidate(args))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: killswitch <scan|daemon|validate> [flags]")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// components bundles every collaborator the Scan Orchestrator needs,
// wired from a loaded Config exactly the way cmd/agent/main.go wires
// the TripWire agent's watchers, queue, and transport from its Config.
type components struct {
	orch   *orchestrator.Orchestrator
	store  *policystore.Store
	logger *audit.Logger
	bus    *events.Bus
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	source := process.NewGopsutilSource()

	store := policystore.New(cfg.PolicyPath)
	doc, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	engine := policyengine.New(selfExeName(), process.CriticalNames())
	if warnings := engine.Load(doc); len(warnings) > 0 {
		for _, w := range warnings {
			logger.Warn("policy rule warning", slog.String("rule_id", w.RuleID), slog.String("message", w.Message))
		}
	}

	bus := events.NewBus(logger, 64)

	auditLog, err := audit.Open(audit.Config{
		FilePath:       cfg.Logging.FilePath,
		Format:         audit.Format(cfg.Logging.Format),
		RotationSizeMB: cfg.Logging.RotationSizeMB,
		MaxFiles:       cfg.Logging.MaxFiles,
		IndexPath:      cfg.Logging.IndexPath,
	}, logger, bus)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	gov := governor.New(governor.Policy{
		GracefulKill:     cfg.KillPolicy.GracefulKill,
		ForceKillTimeout: cfg.ForceKillTimeout(),
		Cooldown:         cfg.Cooldown(),
		MaxRetryAttempts: cfg.KillPolicy.MaxRetryAttempts,
	}, source, logger)

	orch := orchestrator.New(
		source,
		hash.New(),
		engine,
		gov,
		auditLog,
		store,
		orchestrator.ScanConfig{
			EnableHashCheck:    cfg.Scanning.EnableHashCheck,
			EnableCommandCheck: cfg.Scanning.EnableCommandCheck,
		},
		logger,
		orchestrator.WithBus(bus),
	)

	return &components{orch: orch, store: store, logger: auditLog, bus: bus}, nil
}

func selfExeName() string {
	exe, err := os.Executable()
	if err != nil {
		return "killswitch"
	}
	return filepath.Base(exe)
}

func loadConfig(configPath string) (*config.Config, *slog.Logger, int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "killswitch: %v\n", err)
		return nil, nil, 2
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, 0
}

func runScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "/etc/killswitch/config.yaml", "path to the killswitch configuration file")
	dryRun := fs.Bool("dry-run", false, "classify and log without terminating any process")
	fs.Parse(args)

	cfg, logger, code := loadConfig(*configPath)
	if code != 0 {
		return code
	}

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize scan components", slog.Any("error", err))
		return 2
	}
	defer comps.logger.Close()

	if err := comps.orch.TriggerScan(context.Background(), *dryRun); err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return 1
	}

	stats := comps.orch.Stats()
	logger.Info("scan complete",
		slog.Int64("detected", stats.TotalDetected),
		slog.Int64("killed", stats.TotalKilled),
	)
	return 0
}

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "/etc/killswitch/config.yaml", "path to the killswitch configuration file")
	intervalMS := fs.Int("interval", 0, "scan tick interval in milliseconds (defaults to scanning.scan_interval_ms from config)")
	dryRun := fs.Bool("dry-run", false, "classify and log without terminating any process")
	fs.Parse(args)

	cfg, logger, code := loadConfig(*configPath)
	if code != 0 {
		return code
	}

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize daemon components", slog.Any("error", err))
		return 1
	}
	defer comps.logger.Close()

	interval := cfg.ScanInterval()
	if *intervalMS > 0 {
		interval = time.Duration(*intervalMS) * time.Millisecond
	}

	if err := comps.orch.StartDaemon(interval, *dryRun); err != nil {
		logger.Error("failed to start scan daemon", slog.Any("error", err))
		return 1
	}

	var controlServer *http.Server
	if cfg.ControlAPI.Enabled {
		srv := controlapi.NewServer(comps.orch, comps.store, comps.logger, comps.bus)
		var secret []byte
		if cfg.ControlAPI.JWTSecret != "" {
			secret = []byte(cfg.ControlAPI.JWTSecret)
		}
		controlServer = &http.Server{
			Addr:         cfg.ControlAPI.ListenAddr,
			Handler:      controlapi.NewRouter(srv, secret),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		go func() {
			logger.Info("control api listening", slog.String("addr", cfg.ControlAPI.ListenAddr))
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("control api error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	comps.orch.StopDaemon()

	if controlServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control api shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("killswitch daemon exited cleanly")
	return 0
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "/etc/killswitch/config.yaml", "path to the killswitch configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "killswitch: %v\n", err)
		return 2
	}

	store := policystore.New(cfg.PolicyPath)
	doc, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "killswitch: %v\n", err)
		return 2
	}

	if err := doc.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "killswitch: policy document invalid: %v\n", err)
		return 2
	}

	fmt.Printf("policy valid: %d allow rule(s), %d deny rule(s)\n", len(doc.Allow), len(doc.Deny))
	return 0
}
