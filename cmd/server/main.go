// Command server starts the provider-validation HTTP API.
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

	"github.com/redis/go-redis/v9"

	httpserver "github.com/caretrace/provider-validator/internal/adapter/httpserver"
	"github.com/caretrace/provider-validator/internal/adapter/queue/redpanda"
	"github.com/caretrace/provider-validator/internal/adapter/repo/postgres"
	"github.com/caretrace/provider-validator/internal/app"
	"github.com/caretrace/provider-validator/internal/config"
	"github.com/caretrace/provider-validator/internal/observability"
	"github.com/caretrace/provider-validator/internal/service/idempotency"
	"github.com/caretrace/provider-validator/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness RedisClient interface.
type redisPinger struct{ rdb *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.rdb.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, source and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool and schema
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	reportRepo := postgres.NewReportRepo(pool)

	// Redis backs idempotency records and queue-depth counters.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	idemStore := idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)

	// Queue client (transactional producer)
	depth := redpanda.NewDepthTracker(rdb)
	producer, err := redpanda.NewProducer(ctx, cfg.KafkaBrokers,
		"provider-validator-server", cfg.TopicPartitions, cfg.TopicReplication, depth)
	if err != nil {
		slog.Error("queue producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	// Retention sweep for aged-out jobs
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Usecases
	submitSvc := usecase.NewSubmitService(jobRepo, producer, idemStore, cfg.QueueHighWaterMark)
	statusSvc := usecase.NewStatusService(jobRepo)
	reportSvc := usecase.NewReportService(jobRepo, reportRepo)
	cancelSvc := usecase.NewCancelService(jobRepo, idemStore)

	// Readiness checks
	dbCheck, redisCheck, queueCheck := app.BuildReadinessChecks(pool, redisPinger{rdb}, producer)

	// HTTP server
	srv := httpserver.NewServer(cfg, submitSvc, statusSvc, reportSvc, cancelSvc, dbCheck, redisCheck, queueCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
