package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sentinelops/healthd/internal/api"
	"github.com/sentinelops/healthd/internal/breaker"
	"github.com/sentinelops/healthd/internal/cache"
	"github.com/sentinelops/healthd/internal/config"
	"github.com/sentinelops/healthd/internal/detect"
	"github.com/sentinelops/healthd/internal/health"
	"github.com/sentinelops/healthd/internal/metrics"
	"github.com/sentinelops/healthd/internal/models"
	"github.com/sentinelops/healthd/internal/recommend"
	"github.com/sentinelops/healthd/internal/recovery"
	"github.com/sentinelops/healthd/internal/utils"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "health-engine",
		Short: "Health aggregation and automated recovery engine",
		Long: `health-engine monitors registered targets, classifies detected issues,
aggregates them into a system-wide health view, and drives automated
recovery procedures against unhealthy targets.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(false)
		},
	}
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the engine against simulated targets and handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(true)
		},
	}
	rootCmd.AddCommand(runCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// errNoRecoveryHandlers refuses a run invocation that enables recovery
// without any action handler wiring.
var errNoRecoveryHandlers = errors.New("recovery is enabled but no action handlers are configured: set recovery.simulated or use the demo command")

// recoveryHandlers selects the action handler set for this invocation. The
// demo command always uses simulated handlers; the run command requires an
// explicit opt-in before falling back to them.
func recoveryHandlers(cfg config.RecoveryConfig, demo bool) (map[models.ActionKind]recovery.ActionHandler, error) {
	if demo || cfg.Simulated {
		return recovery.SimulatedHandlers(), nil
	}
	return nil, errNoRecoveryHandlers
}

func runEngine(demo bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		return err
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting health-engine",
		slog.String("address", cfg.Server.Address),
		slog.Bool("demo", demo))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		return err
	}

	extraRules, err := detect.LoadRulePack(cfg.Rules.Path)
	if err != nil {
		logger.Error("failed to load rule pack", slog.String("path", cfg.Rules.Path), slog.Any("error", err))
		return err
	}
	detector, err := detect.NewDetector(logger, extraRules...)
	if err != nil {
		logger.Error("failed to build detector", slog.Any("error", err))
		return err
	}

	manager := health.NewManager(logger, detector, recommend.NewEngine(), cfg.Checks, cfg.History.HealthCapacity)
	manager.Subscribe(func(target string, issues []models.Issue) {
		for _, issue := range issues {
			logger.Warn("health alert",
				slog.String("target", target),
				slog.String("severity", string(issue.Severity)),
				slog.String("title", issue.Title))
		}
	})

	var orchestrator *recovery.Orchestrator
	if cfg.Recovery.Enabled || demo {
		handlerSet, err := recoveryHandlers(cfg.Recovery, demo)
		if err != nil {
			logger.Error("cannot enable recovery", slog.Any("error", err))
			return err
		}
		if !demo && cfg.Recovery.Simulated {
			logger.Warn("recovery actions are simulated; no real restarts or traffic switches happen")
		}
		procedures, err := recovery.LoadProcedurePack(cfg.Recovery.ProceduresPath)
		if err != nil {
			logger.Error("failed to load procedure pack", slog.String("path", cfg.Recovery.ProceduresPath), slog.Any("error", err))
			return err
		}
		breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.Timeout)
		orchestrator, err = recovery.NewOrchestrator(
			logger,
			handlerSet,
			procedures,
			breakers,
			nil,
			manager,
			recovery.Options{
				PollInterval:      cfg.Recovery.PollInterval,
				ActionsPerMinute:  cfg.Recovery.ActionsPerMinute,
				RestartCooldown:   cfg.Recovery.RestartCooldown,
				ExecutionCapacity: cfg.History.ExecutionCapacity,
			},
		)
		if err != nil {
			logger.Error("failed to build recovery orchestrator", slog.Any("error", err))
			return err
		}
	}

	if demo {
		if err := registerDemoTargets(manager); err != nil {
			logger.Error("failed to register demo targets", slog.Any("error", err))
			return err
		}
		logger.Info("registered demo targets", slog.Any("targets", manager.Targets()))
	}

	var snapshotCache cache.Provider
	if cfg.Cache.Enabled {
		if cfg.Cache.Addr != "" {
			provider, err := cache.NewRedisProvider(cache.RedisConfig{
				Addr:         cfg.Cache.Addr,
				Username:     cfg.Cache.Username,
				Password:     cfg.Cache.Password,
				DB:           cfg.Cache.DB,
				DialTimeout:  cfg.Cache.DialTimeout,
				ReadTimeout:  cfg.Cache.ReadTimeout,
				WriteTimeout: cfg.Cache.WriteTimeout,
				MaxRetries:   cfg.Cache.MaxRetries,
				TLS:          cfg.Cache.TLS,
			})
			if err != nil {
				logger.Warn("redis cache unavailable, using in-process cache", slog.Any("error", err))
				snapshotCache = cache.NewMemoryProvider()
			} else {
				snapshotCache = provider
				defer provider.Close()
			}
		} else {
			snapshotCache = cache.NewMemoryProvider()
		}
	}

	handlers := &api.Handlers{
		Health:      manager,
		Logger:      logger,
		Cache:       snapshotCache,
		SnapshotTTL: cfg.Cache.SnapshotTTL,
	}
	if orchestrator != nil {
		handlers.Recovery = orchestrator
	}
	server, err := api.NewServer(cfg.Server, logger, handlers)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go manager.Run(ctx)
	if orchestrator != nil {
		go orchestrator.Run(ctx)
	}

	go func() {
		logger.Info("api server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("api server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if orchestrator != nil {
		orchestrator.Stop()
		if cfg.Recovery.ReportPath != "" {
			if err := orchestrator.ExportReport(cfg.Recovery.ReportPath); err != nil {
				logger.Warn("failed to export recovery report", slog.Any("error", err))
			}
		}
	}
	manager.Stop()

	logger.Info("health-engine stopped")
	return nil
}

// registerDemoTargets wires three simulated probes: a steadily healthy web
// tier, an api tier with CPU spikes, and a database that drops its connection
// now and then.
func registerDemoTargets(manager *health.Manager) error {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	roll := func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}

	if err := manager.Register("web-frontend", "basic", func(ctx context.Context) (models.MetricsSnapshot, error) {
		return models.MetricsSnapshot{
			"cpu_percent":      30 + roll()*20,
			"memory_percent":   40 + roll()*15,
			"error_rate":       roll() * 0.5,
			"response_time_ms": 80 + roll()*120,
		}, nil
	}); err != nil {
		return err
	}

	if err := manager.Register("api-backend", "performance", func(ctx context.Context) (models.MetricsSnapshot, error) {
		cpu := 50 + roll()*25
		if roll() < 0.3 {
			cpu = 91 + roll()*8
		}
		return models.MetricsSnapshot{
			"cpu_percent":      cpu,
			"memory_percent":   55 + roll()*20,
			"error_rate":       roll() * 2,
			"response_time_ms": 150 + roll()*400,
		}, nil
	}); err != nil {
		return err
	}

	return manager.Register("orders-db", "dependency", func(ctx context.Context) (models.MetricsSnapshot, error) {
		status := "ok"
		if roll() < 0.2 {
			status = "connection_error"
		}
		return models.MetricsSnapshot{
			"response_time_ms": 5 + roll()*40,
			"dependencies": []map[string]any{
				{"name": "orders-db", "type": "database", "status": status},
			},
		}, nil
	})
}
