// Package main is the entrypoint for the csvforge API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/csvforge/internal/agent"
	"github.com/kiranshivaraju/csvforge/internal/ai"
	"github.com/kiranshivaraju/csvforge/internal/api"
	"github.com/kiranshivaraju/csvforge/internal/api/handler"
	mw "github.com/kiranshivaraju/csvforge/internal/api/middleware"
	"github.com/kiranshivaraju/csvforge/internal/api/response"
	"github.com/kiranshivaraju/csvforge/internal/apikey"
	"github.com/kiranshivaraju/csvforge/internal/cache"
	"github.com/kiranshivaraju/csvforge/internal/config"
	"github.com/kiranshivaraju/csvforge/internal/files"
	"github.com/kiranshivaraju/csvforge/internal/jobs"
	"github.com/kiranshivaraju/csvforge/internal/metrics"
	"github.com/kiranshivaraju/csvforge/internal/pool"
	"github.com/kiranshivaraju/csvforge/internal/runner"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/internal/tabular"
	"github.com/kiranshivaraju/csvforge/internal/workflow"
	"github.com/kiranshivaraju/csvforge/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	httpShutdownTimeout = 30 * time.Second
	interruptedReason   = "Server restarted while the job was running"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when it is invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "runner", cfg.Runner.Backend, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	db, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Job store, mirrored into the status cache. Jobs left running by a
	// previous process cannot be resumed.
	pgStore := store.NewPostgresStore(db)
	jobStore := jobs.NewMirrored(pgStore, redisCache, cfg.Redis.StatusTTL)
	interrupted, err := jobStore.FailInterrupted(ctx, interruptedReason)
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	if len(interrupted) > 0 {
		slog.Warn("failed jobs interrupted by restart", "count", len(interrupted))
	}

	// 6. Create AI provider
	provider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	throttled := ai.NewThrottled(provider, cfg.AI.RequestsPerSecond, cfg.AI.Burst, cfg.AI.InferenceTimeout)
	slog.Info("AI provider initialized", "provider", throttled.Name())

	// 7. Files, tabular engine and the program runner
	fileStore, err := files.New(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	engine, err := tabular.New()
	if err != nil {
		return fmt.Errorf("open tabular engine: %w", err)
	}
	defer engine.Close()

	progRunner, closeRunner, err := buildRunner(cfg.Runner)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	defer closeRunner()

	// 8. Orchestrator and worker pool
	m := metrics.New()
	executor := agent.NewExecutor(progRunner, fileStore)
	orch := workflow.New(jobStore, workflow.Agents{
		Profiler:  tabular.NewProfiler(engine, fileStore),
		Planner:   agent.NewPlanner(throttled),
		Coder:     agent.NewCoder(throttled),
		Tester:    agent.NewTester(executor, engine, fileStore),
		Executor:  executor,
		Artifacts: fileStore,
	}, workflow.WithRecorder(m))

	workers := pool.New(jobStore, orch.Execute,
		pool.WithMaxWorkers(cfg.Pool.MaxWorkers),
		pool.WithMaxBacklog(cfg.Pool.MaxBacklog),
		pool.WithDefaultJobDuration(cfg.Pool.DefaultJobDuration),
		pool.WithRecorder(m),
	)
	workers.Start(ctx)
	slog.Info("worker pool started", "max_workers", workers.Status().MaxWorkers)

	svc := jobs.NewService(jobStore, redisCache, workers, fileStore, jobs.Options{
		MaxUploadSize: cfg.Storage.MaxUploadSize,
		StatusTTL:     cfg.Redis.StatusTTL,
	})
	sweeper := jobs.NewSweeper(jobStore, fileStore, cfg.Retention.MaxAge, cfg.Retention.Interval)

	// 9. Build router with dependencies
	router := newRouter(cfg, pgStore, redisCache, svc, m)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}

		poolCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownTimeout)
		defer cancel()
		if err := workers.Shutdown(poolCtx); err != nil {
			slog.Warn("worker pool did not drain before the deadline", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func newRouter(cfg *config.Config, st store.Store, c cache.Cache, svc *jobs.Service, m *metrics.Metrics) http.Handler {
	jh := handler.NewJobHandlers(svc, cfg.Storage.MaxUploadSize)
	kh := handler.NewKeyHandlers(apikey.NewManager(st))

	return api.NewRouter(api.Dependencies{
		Auth:        mw.NewAuth(st),
		RateLimit:   mw.NewRateLimit(c, cfg.Server.RequestsPerMinute),
		CORSOrigins: cfg.Server.CORSOrigins,

		HealthHandler:  healthHandler(st, c, svc),
		MetricsHandler: m.Handler(),

		CreateJob:       jh.CreateTraining,
		CreateInference: jh.CreateInference,
		ListJobs:        jh.List,
		GetJob:          jh.Get,
		JobStatus:       jh.Status,
		JobResult:       jh.Result,
		DeleteJob:       jh.Delete,
		QueueStatus:     jh.Queue,
		LatestArtifact:  jh.LatestArtifact,

		CreateKeyHandler: kh.Create,
		ListKeysHandler:  kh.List,
		RevokeKeyHandler: kh.Revoke,
	})
}

// buildRunner returns the configured program runner and a function that
// releases it.
func buildRunner(cfg config.RunnerConfig) (runner.Runner, func() error, error) {
	switch cfg.Backend {
	case "docker":
		r, err := runner.NewDockerRunner(cfg.DockerImage, cfg.Command, cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "process", "":
		r, err := runner.NewProcessRunner(cfg.Command, cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return r, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown runner backend %q", cfg.Backend)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type queueReporter interface {
	QueueStatus() models.PoolStatus
}

// healthHandler checks database and cache connectivity and reports pool load.
func healthHandler(s pinger, c pinger, q queueReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services are degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status": "ok",
			"checks": checks,
			"pool":   q.QueueStatus(),
		})
	}
}
