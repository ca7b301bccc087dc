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

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketplace/backend/internal/cache"
	"marketplace/backend/internal/config"
	"marketplace/backend/internal/httpapi"
	"marketplace/backend/internal/invoice"
	"marketplace/backend/internal/jobs"
	"marketplace/backend/internal/observability"
	"marketplace/backend/internal/seed"
	"marketplace/backend/internal/service"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/store/memory"
	"marketplace/backend/internal/store/sqlstore"
)

const (
	defaultSQLitePath = "file:marketplace.db?_pragma=busy_timeout(5000)"
	memoryQueueSize   = 1024
	shutdownTimeout   = 8 * time.Second
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid security configuration: %v\n", err)
		os.Exit(1)
	}
	if err := validateBackends(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid backend configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	settings := observability.Settings{Endpoint: cfg.OtelEndpoint, AuthHeader: cfg.OtelAuthHeader}
	tp, shutdownTelemetry, err := observability.Setup(ctx, settings)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, settings.Enabled())
	defer func() {
		_ = logger.Sync()
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}()

	closers := make([]func() error, 0, 4)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeRepo)

	orderCache := openCache(startCtx, cfg, logger)
	if closer, ok := orderCache.(interface{ Close() error }); ok {
		closers = append(closers, closer.Close)
	}

	queue, err := openQueue(startCtx, cfg, tp, logger)
	if err != nil {
		return err
	}
	closers = append(closers, queue.Close)

	svc := service.New(repo, queue,
		service.WithPricing(service.FlatPricing{TaxRate: cfg.TaxRate, ShippingCost: cfg.FlatShippingCost}),
		service.WithOrderCache(orderCache, time.Duration(cfg.OrderCacheTTLSeconds)*time.Second),
		service.WithLogger(logger.Named("service")),
	)

	if shouldSeed(cfg) {
		if _, err := seed.Demo(startCtx, repo, svc.Ledger(), logger.Named("seed")); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
	}

	processor := jobs.NewProcessor(queue, logger.Named("jobs"),
		jobs.WithWorkers(cfg.WorkerCount),
		jobs.WithMaxRetries(cfg.JobMaxRetries),
	)
	if err := registerHandlers(processor, repo, cfg, logger); err != nil {
		return err
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("marketplace backend listening",
			zap.String("addr", cfg.Address()),
			zap.String("database", cfg.DatabaseDriver),
			zap.String("queue", cfg.QueueBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return processor.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return errors.New("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

// shouldSeed loads demo accounts into the in-memory repository on every start.
// Persistent databases are only seeded when SEED_DEMO_DATA=true.
func shouldSeed(cfg config.Config) bool {
	return cfg.DatabaseDriver == "memory" || cfg.SeedDemoData
}

func validateBackends(cfg config.Config) error {
	switch cfg.DatabaseDriver {
	case "memory", string(sqlstore.SQLite):
	case string(sqlstore.Postgres):
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	switch cfg.QueueBackend {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis queue")
		}
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required for the kafka queue")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	return nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseDriver == "memory" {
		logger.Info("repository: in-memory")
		return memory.New(), func() error { return nil }, nil
	}

	dialect := sqlstore.Dialect(cfg.DatabaseDriver)
	dsn := cfg.DatabaseURL
	if dsn == "" && dialect == sqlstore.SQLite {
		dsn = defaultSQLitePath
	}
	db, err := sqlstore.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("%s unavailable: %w", dialect, err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	logger.Info("repository ready", zap.String("dialect", string(dialect)))
	return db, db.Close, nil
}

// openCache falls back to the noop cache when redis cannot be reached; orders
// are still read from the repository.
func openCache(ctx context.Context, cfg config.Config, logger *zap.Logger) cache.OrderCache {
	if cfg.RedisAddr == "" {
		logger.Info("cache: noop")
		return cache.NoopOrderCache{}
	}
	redisCache := cache.NewRedisOrderCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, using noop cache", zap.Error(err))
		_ = redisCache.Close()
		return cache.NoopOrderCache{}
	}
	logger.Info("cache: redis")
	return redisCache
}

func openQueue(ctx context.Context, cfg config.Config, tp trace.TracerProvider, logger *zap.Logger) (jobs.Queue, error) {
	switch cfg.QueueBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis queue unavailable: %w", err)
		}
		logger.Info("queue: redis")
		return jobs.NewRedisQueue(client, ""), nil
	case "kafka":
		queue, err := jobs.NewKafkaQueue(jobs.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			GroupID:  cfg.KafkaGroupID,
			ClientID: observability.ServiceName,
		}, tp)
		if err != nil {
			return nil, fmt.Errorf("kafka queue: %w", err)
		}
		logger.Info("queue: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
		return queue, nil
	default:
		logger.Info("queue: in-memory")
		return jobs.NewMemoryQueue(memoryQueueSize), nil
	}
}

func registerHandlers(processor *jobs.Processor, repo store.Repository, cfg config.Config, logger *zap.Logger) error {
	storage, err := invoice.NewLocalStorage(cfg.InvoiceDir)
	if err != nil {
		return fmt.Errorf("invoice storage: %w", err)
	}
	generator := invoice.NewGenerator(repo, invoice.ExcelRenderer{}, storage, logger.Named("invoice"))
	processor.Handle(jobs.KindInvoiceGenerate, generator.HandleTask)

	notifications := logger.Named("notify")
	processor.Handle(jobs.KindOrderNotify, func(_ context.Context, task jobs.Task) error {
		notifications.Info("order notification",
			zap.String("order_id", task.OrderID),
			zap.String("event", task.Event),
		)
		return nil
	})
	processor.Handle(jobs.KindStockLow, func(_ context.Context, task jobs.Task) error {
		if task.LowStock == nil {
			return errors.New("stock.low task without payload")
		}
		notifications.Warn("low stock alert",
			zap.String("product_id", task.LowStock.ProductID),
			zap.String("sku", task.LowStock.SKU),
			zap.Int("balance", task.LowStock.Balance),
			zap.Int("threshold", task.LowStock.Threshold),
		)
		return nil
	})
	return nil
}
