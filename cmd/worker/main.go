// Command worker consumes validation tasks from the queue, runs the source
// adapters under the shared rate-limit, breaker and retry protections, and
// fuses finished providers into validation reports.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/caretrace/provider-validator/internal/adapter/queue/redpanda"
	"github.com/caretrace/provider-validator/internal/adapter/repo/postgres"
	"github.com/caretrace/provider-validator/internal/adapter/source"
	"github.com/caretrace/provider-validator/internal/adapter/source/enrichment"
	"github.com/caretrace/provider-validator/internal/adapter/source/geocode"
	"github.com/caretrace/provider-validator/internal/adapter/source/licenseboard"
	"github.com/caretrace/provider-validator/internal/adapter/source/ocr"
	"github.com/caretrace/provider-validator/internal/adapter/source/registry"
	"github.com/caretrace/provider-validator/internal/app"
	"github.com/caretrace/provider-validator/internal/config"
	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
	"github.com/caretrace/provider-validator/internal/service/breaker"
	"github.com/caretrace/provider-validator/internal/service/idempotency"
	"github.com/caretrace/provider-validator/internal/service/politeness"
	"github.com/caretrace/provider-validator/internal/service/ratelimiter"
	"github.com/caretrace/provider-validator/internal/service/resilience"
	"github.com/caretrace/provider-validator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose queue and source metrics on a dedicated endpoint so Prometheus
	// can scrape the worker separately from the API.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	// Database
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	resultRepo := postgres.NewResultRepo(pool)
	reportRepo := postgres.NewReportRepo(pool)

	// Redis: rate-limit windows, breaker state, idempotency records and
	// queue-depth counters all live here so every worker shares them.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	idemStore := idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)
	depth := redpanda.NewDepthTracker(rdb)

	// Shared protections
	limiter := ratelimiter.NewRedisLuaLimiter(rdb)
	brk := breaker.NewRedisBreaker(rdb)
	guard := resilience.NewGuard(limiter, brk)

	boards, err := config.LoadBoards(cfg.LicenseBoardConfig)
	if err != nil {
		slog.Error("license board config failed", slog.Any("error", err))
		os.Exit(1)
	}
	registerPolicies(cfg, boards, limiter, brk, guard)

	// Source adapters
	runner := source.NewRunner(guard)
	client := source.NewHTTPClient(60*time.Second, cfg.OutboundUserAgent)
	robots := politeness.NewRobotsCache(client, cfg.OutboundUserAgent, cfg.RobotsCacheTTL)

	adapters := map[domain.TaskType]domain.SourceAdapter{}
	for _, a := range []domain.SourceAdapter{
		registry.New(cfg.RegistryBaseURL, cfg.RegistryAPIKey, cfg.MockSources, client, runner),
		geocode.New(cfg.GeocoderBaseURL, cfg.GeocoderAPIKey, cfg.MockSources, client, runner),
		ocr.New(cfg.OCRBaseURL, cfg.OCRAPIKey, cfg.MockSources, client, runner),
		licenseboard.New(boards, robots, limiter, cfg.MockSources, client, runner),
		enrichment.New(cfg.EnrichmentBaseURL, cfg.EnrichmentAPIKey, "", cfg.MockSources, client, nil, runner),
	} {
		adapters[a.Type()] = a
	}

	processSvc := usecase.NewProcessService(jobRepo, resultRepo, reportRepo, idemStore, adapters)

	// One consumer group per task type so a slow scraped source never
	// starves the API-backed ones.
	consumers := make([]*redpanda.Consumer, 0, len(domain.AllTaskTypes()))
	for _, t := range domain.AllTaskTypes() {
		c, err := redpanda.NewConsumer(ctx, cfg.KafkaBrokers, t, cfg.WorkerPoolSize(t),
			processSvc, depth, cfg.TopicPartitions, cfg.TopicReplication)
		if err != nil {
			slog.Error("queue consumer init failed",
				slog.String("task_type", string(t)), slog.Any("error", err))
			os.Exit(1)
		}
		consumers = append(consumers, c)
		go func(c *redpanda.Consumer) {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("consumer stopped", slog.Any("error", err))
			}
		}(c)
	}

	// Liveness backstop for jobs orphaned by crashes.
	if sweeper := app.NewStuckJobSweeper(jobRepo, idemStore, cfg.StuckJobMaxAge, cfg.StuckJobInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	cancel()
	for _, c := range consumers {
		c.Close()
	}
	slog.Info("worker stopped")
}

// registerPolicies pushes the effective per-connector policies into the
// shared limiter, breaker and retry layers. Each state board is its own
// connector, seeded from the LICENSE_BOARD_ tuning plus its YAML knobs.
func registerPolicies(cfg config.Config, boards map[string]config.BoardConfig, limiter *ratelimiter.RedisLuaLimiter, brk *breaker.RedisBreaker, guard *resilience.Guard) {
	apply := func(pol domain.ConnectorPolicy) {
		limiter.SetPolicy(pol.Name, pol.Rate)
		brk.SetPolicy(pol.Name, pol.Breaker)
		guard.SetPolicy(pol.Name, pol.Retry)
	}

	for _, name := range []string{
		domain.ConnectorIdentifierRegistry,
		domain.ConnectorGeocoder,
		domain.ConnectorDocumentOCR,
		domain.ConnectorEnrichment,
		domain.ConnectorLicenseBoard,
	} {
		apply(cfg.Connector(name))
	}

	for state, b := range boards {
		pol := cfg.Connector(domain.LicenseBoardConnector(state))
		if b.RateLimitDelay > 0 {
			pol.Rate.PerSecond = float64(time.Second) / float64(b.RateLimitDelay)
		}
		if b.MaxRetries > 0 {
			pol.Retry.MaxRetries = b.MaxRetries
		}
		if b.Timeout > 0 {
			pol.Timeout = b.Timeout
		}
		apply(pol)
	}
}
