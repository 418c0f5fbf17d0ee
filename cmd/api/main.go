package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/waitlist-backfill/cmd/mainconfig"
	"github.com/wolfman30/waitlist-backfill/internal/api/router"
	"github.com/wolfman30/waitlist-backfill/internal/app/bootstrap"
	"github.com/wolfman30/waitlist-backfill/internal/backfill"
	"github.com/wolfman30/waitlist-backfill/internal/bookings"
	"github.com/wolfman30/waitlist-backfill/internal/clinic"
	appconfig "github.com/wolfman30/waitlist-backfill/internal/config"
	"github.com/wolfman30/waitlist-backfill/internal/events"
	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting waitlist backfill service",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient == nil {
		logger.Error("waitlist settings require a reachable REDIS_ADDR")
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	var sqsClient *sqs.Client
	if !cfg.UseMemoryQueue && cfg.SlotEventsQueueURL != "" {
		sqsClient, err = mainconfig.NewSQSClient(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
	}

	metricsHandler, backfillMetrics := setupMetrics()
	svc := buildService(cfg, pool, redisClient, backfillMetrics, logger)

	if err := svc.engine.Manager.Recover(ctx); err != nil {
		logger.Error("failed to recover open offers", "error", err)
		os.Exit(1)
	}
	go svc.sweeper.Run(ctx)

	queue, queueKind := bootstrap.BuildSlotEventsQueue(cfg, sqsClient, logger)
	consumer := events.NewConsumer(queue, events.EngineHandlers(svc.engine), logger, svc.consumerOptions(backfillMetrics)...)
	consumer.Start(ctx)
	logger.Info("slot events consumer started", "queue", queueKind)

	if svc.outbox != nil {
		publisher, err := bootstrap.BuildPublisher(cfg, logger)
		if err != nil {
			logger.Error("failed to connect broker", "error", err)
			os.Exit(1)
		}
		defer func() { _ = publisher.Close() }()
		deliverer := events.NewDeliverer(svc.outbox, publisher, logger).
			WithInterval(cfg.OutboxPollInterval).
			WithMetrics(backfillMetrics)
		go deliverer.Start(ctx)
	}

	r := router.New(&router.Config{
		Logger:          logger,
		BackfillHandler: backfill.NewHandler(svc.engine.Orchestrator, logger),
		SettingsHandler: clinic.NewSettingsHandler(svc.settings, logger),
		WaitlistHandler: waitlist.NewHandler(svc.registry, logger),
		BookingsHandler: bookings.NewHandler(svc.bookings, logger),
		MetricsHandler:  metricsHandler,
		Ready:           readiness(pool, redisClient),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	consumer.Wait()

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// service holds the wired engine and the stores the HTTP layer needs.
type service struct {
	engine    *backfill.Engine
	sweeper   *backfill.Sweeper
	registry  waitlist.Registry
	bookings  *bookings.Service
	settings  *clinic.Store
	outbox    *events.OutboxStore
	processed *events.ProcessedStore
}

// buildService wires the engine over Postgres when a pool is available and
// over in-memory stores otherwise. Redis always backs settings and the
// per-slot lock.
func buildService(cfg *appconfig.Config, pool *pgxpool.Pool, rdb *redis.Client, m *metrics.BackfillMetrics, logger *logging.Logger) *service {
	svc := &service{settings: clinic.NewStore(rdb, cfg.DefaultTimezone)}

	var (
		store    backfill.Store
		registry waitlist.Registry
		slots    bookings.Store
		sink     backfill.EventSink
	)
	if pool != nil {
		store = backfill.NewPostgresStore(pool)
		registry = waitlist.NewPostgresRegistry(pool)
		slots = bookings.NewPostgresStore(pool)
		svc.outbox = events.NewOutboxStore(pool)
		svc.processed = events.NewProcessedStore(pool)
		sink = svc.outbox
	} else {
		store = backfill.NewMemoryStore()
		registry = waitlist.NewMemoryRegistry()
		slots = bookings.NewMemoryStore()
	}

	gateway, provider := bootstrap.BuildGateway(cfg, m, logger)
	logger.Info("offer gateway configured", "provider", provider)

	engine := backfill.NewEngine(backfill.Deps{
		Store:          store,
		Waitlist:       registry,
		Bookings:       slots,
		Gateway:        gateway,
		Settings:       svc.settings,
		Locker:         backfill.NewRedisLocker(rdb, "backfill:lock:", cfg.SlotLockTTL),
		Events:         sink,
		Metrics:        m,
		Logger:         logger,
		RetryBaseDelay: cfg.DispatchRetryBaseDelay,
		RetryMaxDelay:  cfg.DispatchRetryMaxDelay,
	})

	svc.engine = engine
	svc.registry = registry
	svc.bookings = bookings.NewService(slots, engine.Orchestrator, logger)
	svc.sweeper = backfill.NewSweeper(store, engine.Manager, registry, backfill.SystemClock(), cfg.SweepInterval, logger).
		WithResumer(engine.Orchestrator)
	return svc
}

func (s *service) consumerOptions(m *metrics.BackfillMetrics) []events.ConsumerOption {
	opts := []events.ConsumerOption{events.WithMetrics(m)}
	if s.processed != nil {
		opts = append(opts, events.WithProcessedStore(s.processed))
	}
	return opts
}

func setupMetrics() (http.Handler, *metrics.BackfillMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewBackfillMetrics(reg)
}

func readiness(pool *pgxpool.Pool, rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
