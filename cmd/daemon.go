package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/dispatch"
	"github.com/gobbyhq/gobby/internal/gateway"
	"github.com/gobbyhq/gobby/internal/git"
	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/httpapi"
	"github.com/gobbyhq/gobby/internal/logging"
	"github.com/gobbyhq/gobby/internal/mcp"
	"github.com/gobbyhq/gobby/internal/orchestrator"
	"github.com/gobbyhq/gobby/internal/project"
	"github.com/gobbyhq/gobby/internal/secrets"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/store/sqlite"
	"github.com/gobbyhq/gobby/internal/telemetry"
	"github.com/gobbyhq/gobby/internal/workflow"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the gobby daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		Run:   func(cmd *cobra.Command, args []string) { runDaemon() },
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE:  func(cmd *cobra.Command, args []string) error { return stopDaemon() },
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		Run:   func(cmd *cobra.Command, args []string) { daemonStatus() },
	})
	return cmd
}

func pidFile(gobbyDir string) string { return filepath.Join(gobbyDir, "gobby.pid") }

func readPID(gobbyDir string) (int, error) {
	data, err := os.ReadFile(pidFile(gobbyDir))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func stopDaemon() error {
	dir, err := config.GobbyDir()
	if err != nil {
		return err
	}
	pid, err := readPID(dir)
	if err != nil {
		return fmt.Errorf("no pid file; daemon not running?")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to %d\n", pid)
	return nil
}

func daemonStatus() {
	dir, err := config.GobbyDir()
	if err != nil {
		fmt.Println("status: unknown:", err)
		return
	}
	pid, err := readPID(dir)
	if err != nil {
		fmt.Println("status: not running")
		return
	}
	if err := syscall.Kill(pid, 0); err != nil {
		fmt.Printf("status: stale pid file (pid %d)\n", pid)
		return
	}
	fmt.Printf("status: running (pid %d)\n", pid)
}

func runDaemon() {
	if err := daemonMain(); err != nil {
		slog.Error("daemon.exit", "error", err)
		os.Exit(1)
	}
}

func daemonMain() error {
	gobbyDir, err := config.GobbyDir()
	if err != nil {
		return err
	}
	cfgPath, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logDir := cfg.LogDir(gobbyDir)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logger := logging.Setup(logging.Options{
		Level:      level,
		Dir:        logDir,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Stderr:     true,
	})
	logger.Info("daemon.starting", "version", Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tele, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
		Version:  Version,
	})
	if err != nil {
		logger.Warn("daemon.telemetry_failed", "error", err)
	} else {
		defer tele.Shutdown(context.Background())
	}

	if err := writePIDFile(gobbyDir); err != nil {
		return err
	}
	defer os.Remove(pidFile(gobbyDir))

	db, err := sqlite.Open(cfg.DBPath(gobbyDir))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := sqlite.Migrate(db); err != nil {
		return err
	}
	notifier := store.NewNotifier()
	stores := sqlite.NewStores(db, notifier)

	if _, err := stores.Projects.EnsurePersonal(ctx); err != nil {
		return fmt.Errorf("ensure personal project: %w", err)
	}
	// A previous crash can leave capacity reservations behind; no agent
	// survives a daemon restart, so zero them all.
	if n, err := stores.WorkflowState.ResetLeakedReservations(ctx); err != nil {
		logger.Warn("daemon.reservation_reset_failed", "error", err)
	} else if n > 0 {
		logger.Info("daemon.reservations_reset", "count", n)
	}

	secretSvc, err := secrets.NewService(gobbyDir, stores.Secrets)
	if err != nil {
		return fmt.Errorf("init secrets: %w", err)
	}
	cfgManager := config.NewManager(cfgPath, cfg)
	resolver := project.NewResolver(stores.Projects, logger)
	gitRunner := &git.Runner{}

	mcpManager := mcp.NewManager(stores.MCP, mcp.Config{
		ConnectTimeout:      time.Duration(cfg.MCP.ConnectTimeoutSec) * time.Second,
		ToolTimeout:         time.Duration(cfg.MCP.ToolTimeoutSec) * time.Second,
		HealthCheckInterval: time.Duration(cfg.MCP.HealthCheckIntervalSec) * time.Second,
		MaxConnectRetries:   cfg.MCP.MaxConnectionRetries,
		BreakerThreshold:    cfg.MCP.BreakerThreshold,
		BreakerCooldown:     time.Duration(cfg.MCP.BreakerCooldownSec) * time.Second,
	}, logger)
	if err := mcpManager.LoadServers(ctx, nil); err != nil {
		logger.Warn("daemon.mcp_load_failed", "error", err)
	}
	mcpManager.StartHealthMonitor()
	defer mcpManager.DisconnectAll(10 * time.Second)

	workflowDirs := []string{config.ExpandHome(cfg.Workflows.GlobalDir)}
	loader := workflow.NewLoader(workflowDirs, logger)
	if err := loader.Load(); err != nil {
		logger.Warn("daemon.workflow_load_failed", "error", err)
	}
	if err := loader.Watch(); err != nil {
		logger.Warn("daemon.workflow_watch_failed", "error", err)
	}
	defer loader.Close()
	// Each resolved project brings its .gobby/workflows/ into scope, shadowing
	// global definitions by name.
	resolver.OnResolve = func(p *store.Project) {
		if p.Path != "" && !p.Hidden() {
			loader.AddDir(filepath.Join(p.Path, project.MarkerDir, "workflows"))
		}
	}

	orch := orchestrator.New(orchestrator.Options{
		Stores:       stores,
		Git:          gitRunner,
		Spawners:     orchestrator.DefaultRegistry(cfg.Orchestration.TerminalCommand),
		WorktreeBase: config.ExpandHome(cfg.Orchestration.WorktreeBase),
		MaxDepth:     cfg.Orchestration.MaxSpawnDepth,
		Logger:       logger,
	})

	summariesDir := config.SummariesDir(gobbyDir)
	engine := workflow.NewEngine(workflow.EngineOptions{
		Loader:       loader,
		Stores:       stores,
		Git:          gitRunner,
		Orchestrator: orch,
		SummariesDir: summariesDir,
		SkillsDir:    config.ExpandHome(cfg.Workflows.SkillsDir),
		Logger:       logger,
	})

	gw := gateway.NewServer(gateway.Options{
		Host:         cfg.Daemon.Host,
		Port:         cfg.Daemon.Port,
		RateLimitRPM: cfg.Daemon.RateLimitRPM,
		Notifier:     notifier,
		Logger:       logger,
	})

	health := httpapi.NewHealthHandler(Version, stores.Projects, gw.ClientCount)
	gate := dispatch.NewHealthGate(func(ctx context.Context) dispatch.HealthStatus {
		if err := health.Probe(ctx); err != nil {
			return dispatch.HealthStatus{Ready: false, Status: "store unreachable", Err: err}
		}
		return dispatch.HealthStatus{Ready: true, Status: "ok"}
	}, 30*time.Second)

	dispatcher := dispatch.New(dispatch.Options{
		Stores:       stores,
		Projects:     resolver,
		Gate:         gate,
		Engine:       engine,
		Broadcaster:  gw,
		Logger:       logger,
		SummariesDir: summariesDir,
	})
	defer dispatcher.Shutdown()

	mux := gw.Mux()
	httpapi.NewHookHandler(hooks.NewRegistry(), dispatcher, logger).RegisterRoutes(mux)
	httpapi.NewMCPHandler(httpapi.MCPHandlerOptions{
		Manager:  mcpManager,
		Stores:   stores,
		Resolver: resolver,
		Logger:   logger,
	}).RegisterRoutes(mux)
	httpapi.NewTaskHandler(stores, resolver, gitRunner, logger).RegisterRoutes(mux)
	httpapi.NewProjectHandler(stores.Projects, logger).RegisterRoutes(mux)
	httpapi.NewConfigHandler(cfgManager, secretSvc, logger).RegisterRoutes(mux)
	health.RegisterRoutes(mux)

	reaper := orchestrator.NewReaper(stores, cfg.Orchestration.ReapSchedule, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(ctx) })
	g.Go(func() error { reaper.Run(ctx); return nil })

	logger.Info("daemon.ready", "addr", fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port))
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("daemon.stopped")
	return nil
}

func writePIDFile(gobbyDir string) error {
	path := pidFile(gobbyDir)
	if pid, err := readPID(gobbyDir); err == nil {
		if err := syscall.Kill(pid, 0); err == nil {
			return fmt.Errorf("daemon already running (pid %d)", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
