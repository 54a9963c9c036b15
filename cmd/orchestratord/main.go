package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danhicks853/theappapp-sub002/internal/audit"
	"github.com/danhicks853/theappapp-sub002/internal/bus"
	"github.com/danhicks853/theappapp-sub002/internal/config"
	"github.com/danhicks853/theappapp-sub002/internal/gate"
	"github.com/danhicks853/theappapp-sub002/internal/lifecycle"
	"github.com/danhicks853/theappapp-sub002/internal/orchestrator"
	otelPkg "github.com/danhicks853/theappapp-sub002/internal/otel"
	"github.com/danhicks853/theappapp-sub002/internal/persistence"
	"github.com/danhicks853/theappapp-sub002/internal/queue"
	"github.com/danhicks853/theappapp-sub002/internal/snapshot"
	"github.com/danhicks853/theappapp-sub002/internal/state"
	"github.com/danhicks853/theappapp-sub002/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	home := flag.String("home", "", "data directory (default: ~/.orchestrator, env ORCHESTRATOR_HOME)")
	logLevel := flag.String("log-level", "", "override configured log level")
	flag.Parse()

	homeDir := *home
	if homeDir == "" {
		homeDir = os.Getenv("ORCHESTRATOR_HOME")
	}
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, homeDir, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, homeDir, logLevelOverride string) error {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevelOverride != "" {
		cfg.LogLevel = logLevelOverride
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.Database.Path, eventBus, auditLog)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	auditLog.SetDB(store.DB())

	queueOpts := []queue.Option{queue.WithBus(eventBus), queue.WithMetrics(metrics)}
	if cfg.Queue.PayloadSchemaFile != "" {
		schemaJSON, err := os.ReadFile(cfg.Queue.PayloadSchemaFile)
		if err != nil {
			return fmt.Errorf("read payload schema: %w", err)
		}
		opt, err := queue.WithPayloadSchema(schemaJSON)
		if err != nil {
			return fmt.Errorf("payload schema: %w", err)
		}
		queueOpts = append(queueOpts, opt)
	}
	taskQueue := queue.New(queueOpts...)

	agents := lifecycle.NewManager(
		lifecycle.WithBus(eventBus),
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(metrics),
	)
	stateMgr := state.NewManager(store,
		state.WithLogger(logger),
		state.WithMetrics(metrics),
	)

	var gateClient *gate.Client
	if cfg.Gate.BaseURL != "" {
		gateClient = gate.NewClient(cfg.Gate.BaseURL,
			gate.WithAuthToken(cfg.GateAuthToken()),
			gate.WithTimeout(time.Duration(cfg.Gate.TimeoutSeconds)*time.Second),
		)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Queue:            taskQueue,
		Agents:           agents,
		State:            stateMgr,
		Gates:            gateClient,
		Logger:           logger,
		Handler:          acknowledgeHandler(logger),
		GatePollInterval: time.Duration(cfg.Gate.PollIntervalSeconds) * time.Second,
		GateTimeout:      time.Duration(cfg.Gate.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	if cfg.Snapshot.Enabled {
		scheduler, err := snapshot.NewScheduler(snapshot.Config{
			Manager:  stateMgr,
			Logger:   logger,
			Schedule: cfg.Snapshot.Schedule,
			Projects: cfg.Snapshot.Projects,
		})
		if err != nil {
			return fmt.Errorf("snapshot scheduler: %w", err)
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("configuration changed on disk, restart to apply", "path", ev.Path)
			}
		}()
	}

	orch.Start(ctx)
	defer orch.Stop()

	logger.Info("orchestratord running",
		"version", Version,
		"home", cfg.HomeDir,
		"db", cfg.Database.Path,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

// acknowledgeHandler is the built-in executor: external agent services do the
// real work and report through the API, so the daemon's own loop just
// acknowledges dispatch and timestamps the hand-off.
func acknowledgeHandler(logger *slog.Logger) orchestrator.Handler {
	return func(_ context.Context, task *queue.Task) (map[string]interface{}, error) {
		logger.Debug("task acknowledged", "task_id", task.ID, "task_type", task.Type)
		return map[string]interface{}{
			"dispatched_at": time.Now().UTC().Format(time.RFC3339Nano),
			"task_type":     task.Type,
		}, nil
	}
}
