package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/rollout-engine/internal/barrier"
	"github.com/kursadbilgin/rollout-engine/internal/config"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/entityapi"
	"github.com/kursadbilgin/rollout-engine/internal/handler"
	"github.com/kursadbilgin/rollout-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/rollout-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/rollout-engine/internal/infra/redis"
	"github.com/kursadbilgin/rollout-engine/internal/observability"
	"github.com/kursadbilgin/rollout-engine/internal/queue"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"github.com/kursadbilgin/rollout-engine/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("rollout-engine stopped with error", zap.Error(err))
	}
	logger.Info("rollout-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rmq.Close()

	metrics := observability.NewMetrics()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.ActionRatePerSec)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}
	locker, err := infraredis.NewRolloutLock(rdb, cfg.RolloutLockTTL)
	if err != nil {
		return fmt.Errorf("rollout lock initialization failed: %w", err)
	}

	entities, err := entityapi.NewClient(cfg.EntityAPIURL)
	if err != nil {
		return fmt.Errorf("entity api client initialization failed: %w", err)
	}

	eventBus, err := queue.NewEventBus(rmq, logger.Named("eventbus"))
	if err != nil {
		return fmt.Errorf("event bus initialization failed: %w", err)
	}

	subscription, err := barrier.NewBarrier(eventBus, entities, entities, barrier.Config{
		RegistrationTimeout: cfg.SubscriptionTimeout,
		TeardownTimeout:     cfg.SubscriptionTimeout,
		ActionDelay:         cfg.ActionDelay,
	}, logger.Named("barrier"))
	if err != nil {
		return fmt.Errorf("barrier initialization failed: %w", err)
	}
	subscription.SetRateLimiter(limiter)
	subscription.SetMetrics(metrics)

	polling, err := barrier.NewPollingBarrier(entities, entities, cfg.PollInterval, cfg.ActionDelay, logger.Named("poller"))
	if err != nil {
		return fmt.Errorf("polling barrier initialization failed: %w", err)
	}
	polling.SetRateLimiter(limiter)
	polling.SetMetrics(metrics)

	rolloutRepo := repository.NewGormRolloutRepo(db)
	batchRepo := repository.NewGormBatchRepo(db)

	executor, err := service.NewExecutor(entities, map[domain.Strategy]barrier.Transitioner{
		domain.StrategySubscription: subscription,
		domain.StrategyPolling:      polling,
	}, batchRepo, service.ExecutorConfig{
		BatchDelay:         cfg.BatchDelay,
		BatchTimeout:       cfg.BatchTimeout,
		VersionSwitchDelay: cfg.VersionSwitchDelay,
	}, logger.Named("executor"))
	if err != nil {
		return fmt.Errorf("executor initialization failed: %w", err)
	}

	publisher := queue.NewRabbitMQPublisher(rmq)
	consumer := queue.NewRabbitMQConsumer(rmq, cfg.WorkerConcurrency, logger.Named("consumer"))

	rolloutService, err := service.NewRolloutService(rolloutRepo, batchRepo, publisher, cfg.Strategy(), logger.Named("service"))
	if err != nil {
		return fmt.Errorf("rollout service initialization failed: %w", err)
	}

	worker, err := service.NewRolloutWorker(rolloutRepo, consumer, executor, locker, cfg.WorkerConcurrency, logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("rollout worker initialization failed: %w", err)
	}
	worker.SetMetrics(metrics)

	scheduler, err := service.NewScheduler(rolloutRepo, publisher, cfg.SchedulerInterval, 0, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler initialization failed: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "rollout-engine",
		DisableStartupMessage: true,
		ErrorHandler:          handler.ErrorHandler(logger.Named("http")),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rmq)
	if err := handler.RegisterRolloutRoutes(app, rolloutService); err != nil {
		return fmt.Errorf("route registration failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eventBus.Run(gctx)
	})
	g.Go(func() error {
		return worker.Start(gctx)
	})
	g.Go(func() error {
		return scheduler.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("rollout-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
