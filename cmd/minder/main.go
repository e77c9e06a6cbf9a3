package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/minder/internal/agent"
	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/completion"
	"github.com/basket/minder/internal/config"
	"github.com/basket/minder/internal/cron"
	"github.com/basket/minder/internal/maintain"
	"github.com/basket/minder/internal/notify"
	otelPkg "github.com/basket/minder/internal/otel"
	"github.com/basket/minder/internal/reconcile"
	"github.com/basket/minder/internal/sandbox"
	"github.com/basket/minder/internal/schedule"
	sig "github.com/basket/minder/internal/signal"
	"github.com/basket/minder/internal/store"
	"github.com/basket/minder/internal/telemetry"
	"github.com/basket/minder/internal/toolkit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the engine in the foreground until
                              interrupted

SUBCOMMANDS:
  %s status [-json]           Summarize units, runs and open items from
                              the local database

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MINDER_HOME             Data directory (default: ~/.minder)
  GEMINI_API_KEY          API key for the google provider
  ANTHROPIC_API_KEY       API key for the anthropic provider
  OPENAI_API_KEY          API key for the openai provider
  TELEGRAM_TOKEN          Bot token for the telegram channel

EXAMPLES:
  Run the engine:         %s
  Inspect the database:   %s status
  Machine-readable:       %s status -json
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "fingerprint", cfg.Fingerprint(), "version", Version)

	if cfg.NeedsGenesis {
		if err := config.WriteStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter workflows", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}
	holder := config.NewHolder(cfg)

	// Created early so the store can publish change events from the start.
	eventBus := bus.New()

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
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st, err := store.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	interrupted, err := st.MarkInterruptedRuns(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	for _, ir := range interrupted {
		logger.Warn("run interrupted by restart", "run_id", ir.RunID, "unit", ir.UnitID)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"interrupted_runs", len(interrupted))

	var forwarders []notify.Forwarder
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.ChatID, logger)
		if err != nil {
			logger.Warn("telegram channel unavailable, continuing without it", "error", err)
		} else {
			forwarders = append(forwarders, tg)
			logger.Info("telegram channel enabled", "chat_id", cfg.Channels.Telegram.ChatID)
		}
	}
	notifySvc := notify.NewService(st, eventBus, logger, forwarders...)

	reconciler := reconcile.NewRunner(st, reconcile.Config{}, logger)
	tools := toolkit.NewRegistry(st, reconciler, logger)
	controller := maintain.NewController(st, notifySvc, cfg.Maintenance.MaxFixAttempts, logger)

	// With maintenance disabled no unit may submit fixes, so the
	// capability is not registered at all.
	var applier toolkit.FixApplier
	if !cfg.Maintenance.Disabled {
		applier = controller
	}
	if err := toolkit.RegisterBuiltins(tools, st, applier, logger); err != nil {
		fatalStartup(logger, "E_TOOLKIT_INIT", err)
	}

	if settled, err := reconciler.Sweep(ctx, tools.ProbeFor); err != nil {
		logger.Warn("reconciliation sweep incomplete", "error", err)
	} else if settled > 0 {
		logger.Info("side effects settled on startup", "count", settled)
	}

	seedWorkflows(ctx, st, cfg.Workflows, logger)

	provider, model, apiKey := cfg.ResolveLLM()
	baseURL := ""
	if pc, ok := cfg.Providers[provider]; ok {
		baseURL = pc.BaseURL
	}
	llm := completion.NewGenkitClient(ctx, completion.Config{
		Provider:    provider,
		Model:       model,
		APIKey:      apiKey,
		BaseURL:     baseURL,
		Temperature: cfg.LLM.Temperature,
	}, logger)

	interp := sandbox.New(time.Duration(cfg.Sandbox.TimeoutSeconds)*time.Second, logger)
	signals := sig.NewDispatcher(logger)

	worker := agent.NewWorker(agent.Deps{
		Store:     st,
		LLM:       llm,
		Sandbox:   interp,
		Tools:     tools,
		Signals:   signals,
		Announcer: notifySvc,
		Telemetry: otelProvider,
		Metrics:   metrics,
		Log:       logger,
	}, agent.Config{
		Model:         model,
		Temperature:   cfg.LLM.Temperature,
		Instructions:  cfg.Instructions,
		MaxSteps:      cfg.MaxSteps,
		RunTimeout:    time.Duration(cfg.RunTimeoutSeconds) * time.Second,
		StepTimeout:   time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
		ExecSteps:     cfg.Sandbox.ExecSteps,
		DisableRepair: cfg.Maintenance.Disabled,
	})

	sched := schedule.New(schedule.Deps{
		Store:   st,
		Bus:     eventBus,
		Signals: signals,
		Runner:  worker,
		Repair:  controller,
		Metrics: metrics,
		Log:     logger,
	}, schedule.Config{
		PollInterval: time.Duration(cfg.CheckIntervalSeconds) * time.Second,
	})

	go notifySvc.Run(ctx)
	sched.Start(ctx)
	logger.Info("engine started",
		"provider", provider, "model", model,
		"check_interval_s", cfg.CheckIntervalSeconds,
		"maintenance_disabled", cfg.Maintenance.Disabled)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case "config.yaml":
				newCfg, err := holder.Reload()
				if err != nil {
					logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
					break
				}
				seedWorkflows(ctx, st, newCfg.Workflows, logger)
				worker.UpdateInstructions(newCfg.Instructions)
				logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
			case "INSTRUCTIONS.md":
				newCfg, err := holder.Reload()
				if err != nil {
					logger.Error("INSTRUCTIONS.md reload rejected; retaining previous instructions", "error", err)
					break
				}
				worker.UpdateInstructions(newCfg.Instructions)
				logger.Info("INSTRUCTIONS.md hot-reloaded")
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// The scheduler drains its in-flight run before the deferred closes
	// take the store and telemetry down behind it.
	sched.Close()
	logger.Info("shutdown complete")
}

// seedWorkflows upserts the configured recurring units. A seed with an
// unparseable schedule is skipped so one bad entry cannot hold back the
// rest.
func seedWorkflows(ctx context.Context, st *store.Store, seeds []config.WorkflowSeed, logger *slog.Logger) {
	now := time.Now().UTC()
	for _, ws := range seeds {
		firstRun, err := cron.NextRunTime(ws.Schedule, now)
		if err != nil {
			logger.Error("workflow seed has a bad schedule",
				"name", ws.Name, "schedule", ws.Schedule, "error", err)
			continue
		}
		id, err := st.SeedWorkflow(ctx, ws.Name, ws.Schedule, ws.Prompt, ws.Tools, ws.Paused, firstRun)
		if err != nil {
			logger.Error("seed workflow", "name", ws.Name, "error", err)
			continue
		}
		logger.Info("workflow seeded", "name", ws.Name, "unit", id,
			"next_run_at", firstRun.Format(time.RFC3339), "paused", ws.Paused)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
