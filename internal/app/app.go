// Package app wires the control-plane's infrastructure, engines, and HTTP
// surface together and runs the selected mode. Grounded on
// wisbric-nightowl/internal/app/app.go's Run/runAPI/runWorker shape.
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

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/db"
	"github.com/tracegate/tracegate/internal/httpserver"
	"github.com/tracegate/tracegate/internal/platform"
	"github.com/tracegate/tracegate/internal/telemetry"
	"github.com/tracegate/tracegate/pkg/controlplane"
	"github.com/tracegate/tracegate/pkg/dispatcher"
	"github.com/tracegate/tracegate/pkg/ipam"
	"github.com/tracegate/tracegate/pkg/node"
	"github.com/tracegate/tracegate/pkg/outbox"
	"github.com/tracegate/tracegate/pkg/revision"
)

// Run reads config, connects to infrastructure, and starts the mode
// selected by cfg.Mode ("api" or "dispatcher").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting tracegate",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "tracegate", httpserver.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, metricsReg)
	case "dispatcher":
		return runDispatcher(ctx, cfg, logger, pool, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func revisionSettings(cfg *config.Config) revision.Settings {
	shortIDT := cfg.RealityShortIDVPST
	if shortIDT == "" {
		shortIDT = cfg.RealityShortID
	}
	shortIDE := cfg.RealityShortIDVPSE
	if shortIDE == "" {
		shortIDE = cfg.RealityShortID
	}
	return revision.Settings{
		DefaultVPSTHost:          cfg.DefaultVPSTHost,
		DefaultVPSEHost:          cfg.DefaultVPSEHost,
		RealityPublicKeyVPST:     cfg.RealityPublicKeyVPST,
		RealityShortIDVPST:       shortIDT,
		RealityPublicKeyVPSE:     cfg.RealityPublicKeyVPSE,
		RealityShortIDVPSE:       shortIDE,
		WireguardServerPublicKey: cfg.WireguardServerPublicKey,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	queries := db.New(pool)

	ipamEngine := ipam.NewEngine(queries, time.Now)
	outboxEngine := outbox.NewEngine(queries)
	revisionEngine := revision.NewEngine(queries, outboxEngine, ipamEngine, revisionSettings(cfg), time.Now)
	nodeEngine := node.NewEngine(queries)

	srv := httpserver.NewServer(cfg, logger, pool, rdb, metricsReg)

	cpHandler := controlplane.NewHandler(logger, ipamEngine, revisionEngine, nodeEngine, queries)
	cpHandler.Mount(srv.InternalRouter)

	seedSNICatalog(ctx, queries, cfg.SNISeed, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// seedSNICatalog ensures every always-enabled camouflage SNI hostname
// named by SNI_SEED exists in the catalog, mirroring original_source's
// startup seeding of settings.sni_seed.
func seedSNICatalog(ctx context.Context, queries *db.Queries, seeds []string, logger *slog.Logger) {
	for _, hostname := range seeds {
		if hostname == "" {
			continue
		}
		if err := queries.EnsureSNI(ctx, hostname); err != nil {
			logger.Error("seeding camouflage SNI", "hostname", hostname, "error", err)
		}
	}
}

func runDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client) error {
	queries := db.New(pool)

	pollInterval, err := time.ParseDuration(cfg.DispatcherPollInterval)
	if err != nil {
		return fmt.Errorf("parsing dispatcher poll interval %q: %w", cfg.DispatcherPollInterval, err)
	}
	lockTTL, err := time.ParseDuration(cfg.DispatcherLockTTL)
	if err != nil {
		return fmt.Errorf("parsing dispatcher lock TTL %q: %w", cfg.DispatcherLockTTL, err)
	}

	client := dispatcher.NewHTTPAgentClient()
	d := dispatcher.NewDispatcher(queries, client, rdb, logger, dispatcher.Config{
		PollInterval: pollInterval,
		BatchSize:    cfg.DispatcherBatchSize,
		Concurrency:  cfg.DispatcherConcurrency,
		LockTTL:      lockTTL,
		MaxAttempts:  cfg.DispatcherMaxAttempts,
		AgentToken:   cfg.AgentToken,
	})

	return d.Run(ctx)
}
