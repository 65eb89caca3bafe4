// Package app wires the worker together: config, logger, database and
// optional Redis connections, the store gateway, the upstream API client,
// the ingest/MV-refresh collaborators, the scheduler, the heartbeat beacon,
// and the admin HTTP surface, then dispatches to the selected run mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/graphsync/internal/applog"
	"github.com/wisbric/graphsync/internal/audit"
	"github.com/wisbric/graphsync/internal/config"
	"github.com/wisbric/graphsync/internal/graphclient"
	"github.com/wisbric/graphsync/internal/heartbeat"
	"github.com/wisbric/graphsync/internal/httpserver"
	"github.com/wisbric/graphsync/internal/identity"
	"github.com/wisbric/graphsync/internal/ingest"
	"github.com/wisbric/graphsync/internal/mviews"
	"github.com/wisbric/graphsync/internal/platform"
	"github.com/wisbric/graphsync/internal/scheduler"
	"github.com/wisbric/graphsync/internal/seed"
	"github.com/wisbric/graphsync/internal/store"
	"github.com/wisbric/graphsync/internal/telemetry"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the selected mode (worker, seed, or seed-demo).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := applog.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting graphsync", "mode", cfg.Mode, "admin_listen", cfg.AdminListenAddr())

	connectTimeout := time.Duration(cfg.DBConnectTimeoutSeconds) * time.Second
	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, connectTimeout)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
		logger.Info("redis enabled: shared token cache and health readiness signal active")
	} else {
		logger.Info("redis disabled (REDIS_URL not set): token cache is per-process only")
	}

	metricsReg := prometheus.NewRegistry()
	for _, c := range telemetry.All() {
		if err := metricsReg.Register(c); err != nil {
			return fmt.Errorf("registering metrics collector: %w", err)
		}
	}

	switch cfg.Mode {
	case "worker":
		return runWorker(ctx, cfg, logger, pool, rdb, metricsReg)
	case "seed":
		return seed.Run(ctx, pool, logger)
	case "seed-demo":
		return seed.RunDemo(ctx, pool, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runWorker assembles every long-running collaborator (store gateway,
// upstream API client, identity resolver, ingest/MV coordinators, audit
// writer, heartbeat beacon, scheduler) and runs them alongside the admin
// HTTP server until ctx is cancelled.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	gateway := store.New(pool, store.RetryPolicy{
		MaxRetries: cfg.DBWriteMaxRetries,
		BaseMs:     cfg.DBWriteRetryBaseMs,
		MaxMs:      cfg.DBWriteRetryMaxMs,
		JitterMs:   cfg.DBWriteRetryJitterMs,
	})

	graphClient := graphclient.New(graphclient.Config{
		BaseURL:         cfg.GraphBase,
		TenantID:        cfg.GraphTenantID,
		ClientID:        cfg.GraphClientID,
		ClientSecret:    cfg.GraphClientSecret,
		Scope:           cfg.GraphScope,
		MaxRetries:      cfg.GraphMaxRetries,
		ConnectTimeout:  time.Duration(cfg.GraphConnectTimeout) * time.Second,
		ReadTimeout:     time.Duration(cfg.GraphReadTimeout) * time.Second,
		TokenCacheRedis: rdb,
	}, logger)

	userMaps, err := identity.LoadUserMaps(ctx, pool)
	if err != nil {
		return fmt.Errorf("loading initial user maps: %w", err)
	}

	auditWriter := audit.NewWriter(gateway, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	ingestDeps := ingest.Deps{
		Gateway:               gateway,
		Client:                graphClient,
		Users:                 userMaps,
		Logger:                logger,
		Audit:                 auditWriter,
		FlushEvery:            cfg.FlushEvery,
		PageSize:              cfg.GraphPageSize,
		PermissionsBatchSize:  cfg.GraphPermissionsBatchSize,
		PermissionsStaleAfter: time.Duration(cfg.GraphPermissionsStaleAfterHours) * time.Hour,
		MaxConcurrency:        cfg.GraphMaxConcurrency,
	}

	mvCoordinator := &mviews.Coordinator{
		Gateway: gateway,
		Audit:   auditWriter,
		Logger:  logger,
	}

	sched := &scheduler.Scheduler{
		Gateway:       gateway,
		IngestDeps:    ingestDeps,
		MVCoordinator: mvCoordinator,
		Audit:         auditWriter,
		Logger:        logger,
		PollInterval:  time.Duration(cfg.SchedulerPollSeconds) * time.Second,
	}
	go sched.Run(ctx, cfg.RecoverInterruptedRunsOnStartup)

	hb := &heartbeat.Monitor{
		URL:             cfg.WorkerHeartbeatURL,
		Token:           cfg.WorkerHeartbeatToken,
		IntervalSeconds: cfg.WorkerHeartbeatIntervalSeconds,
		TimeoutSeconds:  cfg.WorkerHeartbeatTimeoutSeconds,
		FailThreshold:   cfg.WorkerHeartbeatFailureThreshold,
		Logger:          logger,
	}
	go hb.Run(ctx)

	adminSrv := httpserver.NewServer(cfg, logger, gateway, sched, hb, auditWriter, rdb, metricsReg)
	httpSrv := &http.Server{
		Addr:         cfg.AdminListenAddr(),
		Handler:      adminSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", cfg.AdminListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down admin http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
