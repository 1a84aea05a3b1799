// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github-mirror/internal/api"
	"github-mirror/internal/cache"
	"github-mirror/internal/config"
	"github-mirror/internal/credentials"
	"github-mirror/internal/environment"
	"github-mirror/internal/github"
	"github-mirror/internal/pinned"
	"github-mirror/internal/queue"
	"github-mirror/internal/ratelimit"
	"github-mirror/internal/schedule"
	"github-mirror/internal/selectors"
	"github-mirror/internal/store"
	"github-mirror/internal/store/postgres"
	"github-mirror/internal/store/sqlite"
	"github-mirror/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "store", cfg.StoreDriver, "pinned", len(cfg.Pinned))

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Open the durable store
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// 5. Initialize application components
	sched := schedule.Real{}
	tracker := ratelimit.NewTracker(ratelimit.WithThresholds(cfg.RateLimitSafeThreshold, cfg.RateLimitCriticalThreshold))
	entityCache := cache.New(st, logger.With("component", "cache"))
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = queue.NoRetries
	}
	jobs := queue.New(tracker, sched, queue.Config{
		TickInterval: cfg.QueueTickInterval,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxRetries:   maxRetries,
	}, logger.With("component", "queue"))
	creds := credentials.NewStatic(cfg.GithubToken, cfg.GithubLogin)
	ghClient := github.NewClient(creds, tracker, logger.With("component", "github"),
		github.WithBaseURL(cfg.GithubAPIURL),
		github.WithTimeout(cfg.HTTPTimeout),
		github.WithMaxPages(cfg.MaxPages),
		github.WithRunsPerRepo(cfg.RunsPerRepo),
	)
	env := environment.NewState()
	pins := pinned.NewList(cfg.Pinned)

	appSyncer := syncer.NewSyncer(syncer.Deps{
		Cache:       entityCache,
		Queue:       jobs,
		Tracker:     tracker,
		Fetcher:     ghClient,
		Credentials: creds,
		Env:         env,
		Pinned:      pins,
		Scheduler:   sched,
	}, syncer.Config{
		BackgroundInterval: cfg.BackgroundSyncInterval,
		VisibilityCooldown: cfg.VisibilityCooldown,
		PurgeAfter:         cfg.PurgeAfter,
		SearchTTL:          cfg.SearchCacheTTL,
	}, logger.With("component", "syncer"))

	views := selectors.New(entityCache, pins, appSyncer.Login, time.Now)
	router := api.NewRouter(api.Deps{
		Sync:      appSyncer,
		Cache:     entityCache,
		Selectors: views,
		Tracker:   tracker,
		Pinned:    pins,
		Env:       env,
	}, logger.With("component", "api"))
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Start the syncer, prober and HTTP server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := appSyncer.Initialize(gctx, func(s syncer.State) {
			logger.Info("Bootstrap finished", "status", s.Status, "error", s.Error, "pending_jobs", s.PendingJobs)
		})
		if err != nil {
			logger.Warn("Initial sync failed, will retry in background", "error", err)
		}
		return nil
	})
	if cfg.NetworkProbeInterval > 0 {
		prober := environment.NewProber(env, nil, cfg.GithubAPIURL, cfg.NetworkProbeInterval, logger.With("component", "prober"))
		g.Go(func() error {
			prober.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received. Exiting.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// 7. Wait for shutdown, then drain pending writes
	logger.Info("Application started. Waiting for shutdown signal...")
	runErr := g.Wait()

	appSyncer.Destroy()
	jobs.Close()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer flushCancel()
	if err := entityCache.Flush(flushCtx); err != nil {
		logger.Warn("Failed to flush cache before exit", "error", err)
	}
	entityCache.Close()
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	storeLogger := logger.With("component", "store")
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DBURL, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		st, err := sqlite.Open(ctx, cfg.DBPath, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	}
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
