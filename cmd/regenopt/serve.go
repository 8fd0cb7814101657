package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"regenopt/internal/admission"
	"regenopt/internal/api"
	"regenopt/internal/config"
	"regenopt/internal/health"
	"regenopt/internal/notify"
	"regenopt/internal/observability"
	"regenopt/internal/orchestrator"
	"regenopt/internal/scenario"
	"regenopt/internal/solver"
	"regenopt/internal/store"
	"regenopt/internal/tracker"
	"regenopt/internal/worker"
	"regenopt/pkg/backoff"
)

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("port", "", "API listen port")
	cmd.Flags().String("metrics-port", "", "Metrics listen port")
	cmd.Flags().Int("workers", 0, "Number of concurrently running jobs")
	bindFlags(v, cmd.Flags().Lookup, map[string]string{
		"server.port":          "port",
		"server.metrics_port":  "metrics-port",
		"orchestrator.workers": "workers",
	})
	return cmd
}

// backends holds the storage-side dependencies and how to close them.
type backends struct {
	store     store.Store
	limiter   admission.Limiter
	scenarios scenario.Source
	checks    []health.Check
	closers   []io.Closer
}

func (b *backends) Close() error {
	var result *multierror.Error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func openBackends(ctx context.Context, cfg *config.ServiceConfig) (*backends, error) {
	b := &backends{}
	var pgPool *pgxpool.Pool

	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg)
		if err := pg.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		b.store = pg
		pgPool = pg.Pool()
		slog.Info("Using postgres job store")
	default:
		mem, err := store.NewMemory()
		if err != nil {
			return nil, err
		}
		b.store = mem
		slog.Warn("Using in-memory job store, jobs are lost on restart")
	}
	b.checks = append(b.checks, health.Check{Name: "store", Run: b.store.Ping, Critical: true})

	switch cfg.Admission.Backend {
	case "redis":
		r, err := admission.DialRedis(cfg.Admission.RedisAddr)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, r)
		b.limiter = r
		b.checks = append(b.checks, health.Check{Name: "admission", Run: r.Ping, Critical: true})
		slog.Info("Using redis admission limiter", "addr", cfg.Admission.RedisAddr)
	default:
		b.limiter = admission.NewMemory()
	}

	var source scenario.Source
	switch cfg.Scenarios.Source {
	case "postgres":
		if pgPool == nil {
			pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
			if err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			b.closers = append(b.closers, closerFunc(func() error { pool.Close(); return nil }))
			pgPool = pool
		}
		source = scenario.NewPostgres(pgPool)
	default:
		f, err := scenario.LoadFile(cfg.Scenarios.File)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		source = f
	}
	if cfg.Scenarios.CacheTTL > 0 {
		source = scenario.NewCached(source, cfg.Scenarios.CacheTTL)
	}
	b.scenarios = source

	return b, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newSolverClient(cfg *config.ServiceConfig, metrics solver.MetricsRecorder) *solver.Client {
	return solver.New(solver.Config{
		BaseURL:            cfg.Solver.BaseURL,
		RequestTimeout:     cfg.Solver.RequestTimeout,
		MaxRetries:         cfg.Solver.MaxRetries,
		ServerErrorRetries: cfg.Solver.ServerErrorRetries,
		RetryInitial:       cfg.Solver.RetryInitial,
		RetryMax:           cfg.Solver.RetryMax,
		RateLimit:          cfg.Solver.RateLimit,
		RateBurst:          cfg.Solver.RateBurst,
		BreakerThreshold:   cfg.Solver.BreakerThreshold,
		BreakerCooldown:    cfg.Solver.BreakerCooldown,
	}, metrics)
}

func serve(ctx context.Context, cfg *config.ServiceConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn("Backend close error", "error", err)
		}
	}()

	client := newSolverClient(cfg, metrics)
	if cfg.Solver.WaitOnStart > 0 {
		if err := waitForEvaluator(ctx, client, cfg.Solver.WaitOnStart); err != nil {
			return err
		}
	}

	jobPool := worker.New(worker.Config{
		Name:      "jobs",
		Workers:   cfg.Orchestrator.Workers,
		QueueSize: cfg.Orchestrator.QueueSize,

		CancelQueuedOnClose: true,
	}, metrics)

	checks := append([]health.Check{{Name: "evaluator", Run: client.Health, Critical: true}}, b.checks...)

	var (
		notifier   orchestrator.Notifier
		notifyPool *worker.Pool
		callbacks  *notify.Notifier
	)
	if cfg.Callback.URL != "" {
		notifyPool = worker.New(worker.Config{Name: "notify", Workers: 2, QueueSize: 1000}, metrics)
		callbacks = notify.New(notify.Config{
			URL:        cfg.Callback.URL,
			SigningKey: cfg.Callback.SigningKey,
			Backoff:    backoff.Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second},
		}, notifyPool, metrics)
		notifier = callbacks
		checks = append(checks, health.Check{Name: "callback", Run: callbacks.Ready})
		if cfg.Callback.SigningKey == "" {
			slog.Warn("Callback signing disabled - no callback key configured")
		}
	}

	healthChecker := health.NewChecker(checks...)

	deps := orchestrator.Deps{
		Scenarios: b.scenarios,
		Tracker:   tracker.New(b.store),
		Gateway:   client,
		Limiter:   b.limiter,
		Pool:      jobPool,
		Notifier:  notifier,
		Metrics:   metrics,
	}
	if cfg.Orchestrator.HealthCheckOnStart {
		deps.EvaluatorHealth = func(ctx context.Context) error {
			return healthChecker.Dependency(ctx, "evaluator")
		}
	}
	orch := orchestrator.New(orchestrator.Config{
		MaxActiveJobsPerUser: cfg.Orchestrator.MaxActiveJobsPerUser,
		RoundIterations:      cfg.Orchestrator.RoundIterations,
		DefaultMaxRuntime:    cfg.Orchestrator.DefaultMaxRuntime,
	}, deps)

	if err := metrics.ObserveActiveJobs(orch.ActiveRuns); err != nil {
		return err
	}

	if cfg.Orchestrator.RecoverOnStart {
		recovered, err := orch.Recover(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover orphaned jobs: %w", err)
		}
		if recovered > 0 {
			slog.Warn("Finalized jobs orphaned by a previous run", "count", recovered)
		}
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:       orch,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.Server.APIKey,
	})

	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API key configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}
		return shutdown(cfg, healthChecker, orch, []*http.Server{apiServer, metricsServer}, jobPool, notifyPool, callbacks)
	})

	return g.Wait()
}

// shutdown stops the service in phases: readiness off and admission closed,
// load balancer drain, HTTP shutdown, job pool drain, callback drain.
func shutdown(
	cfg *config.ServiceConfig,
	healthChecker *health.Checker,
	orch *orchestrator.Orchestrator,
	servers []*http.Server,
	jobPool *worker.Pool,
	notifyPool *worker.Pool,
	callbacks *notify.Notifier,
) error {
	var result *multierror.Error

	// Phase 1: Mark service as unhealthy and stop admitting jobs
	healthChecker.SetShuttingDown()
	orch.Drain()

	if cfg.Server.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
		time.Sleep(cfg.Server.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer httpCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(httpCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, fmt.Errorf("server %s shutdown: %w", srv.Addr, err))
		}
	}

	// Phase 3: Let running jobs finish; whatever is still running afterwards is failed
	slog.Info("Draining job workers", "active", orch.ActiveRuns())
	jobCtx, jobCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer jobCancel()
	if err := jobPool.Close(jobCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("job workers: %w", err))
	}

	// Phase 4: Drain callbacks, including the finished events of phase 3
	if notifyPool != nil {
		slog.Info("Draining callback workers")
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		if err := notifyPool.Close(notifyCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("callback workers: %w", err))
		}
		stats := callbacks.Stats()
		slog.Info("Callback stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return result.ErrorOrNil()
}
