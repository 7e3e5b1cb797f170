package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Belladihno/email-service/internal/api"
	"github.com/Belladihno/email-service/internal/cache"
	"github.com/Belladihno/email-service/internal/clients"
	"github.com/Belladihno/email-service/internal/clock"
	"github.com/Belladihno/email-service/internal/config"
	"github.com/Belladihno/email-service/internal/idempotency"
	"github.com/Belladihno/email-service/internal/observability"
	"github.com/Belladihno/email-service/internal/pipeline"
	"github.com/Belladihno/email-service/internal/provider"
	"github.com/Belladihno/email-service/internal/queue"
	"github.com/Belladihno/email-service/internal/repository/postgres"
	"github.com/Belladihno/email-service/internal/resilience"
	"github.com/Belladihno/email-service/internal/retry"
)

type redisChecker struct {
	client *redis.Client
}

func (c redisChecker) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func stateToFloat(s resilience.State) float64 {
	switch s {
	case resilience.StateClosed:
		return 0
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis")

	topology := queue.Topology{
		Exchange:    cfg.ExchangeName,
		Queue:       cfg.EmailQueue,
		FailedQueue: cfg.FailedQueue,
		RoutingKey:  "email",
	}
	rabbit, err := queue.NewRabbitMQ(cfg.RabbitURL, topology)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer rabbit.Close()
	logger.Info("connected to rabbitmq")

	metrics := observability.NewMetrics("email", nil)

	logsRepo := postgres.NewEmailLogRepository(pool)
	breakerStore := postgres.NewBreakerStateStore(pool)

	breaker := resilience.NewBreaker(breakerStore, resilience.BreakerConfig{
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerResetTimeout,
	}, clock.RealClock{}, logger)
	breaker.OnStateChange(func(name string, from, to resilience.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		if to == resilience.StateOpen {
			metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
		}
		logger.Info("circuit breaker state change",
			"service", name,
			"from", string(from),
			"to", string(to),
		)
	})

	limiter := resilience.NewRateLimiterManager(resilience.DefaultRateLimiterConfig())
	limiter.SetRate("sendgrid", float64(cfg.SendRatePerSec), cfg.SendRatePerSec/5+1)

	contentCache := cache.New(redisClient, logger)
	guard := idempotency.NewGuard(redisClient, idempotency.DefaultTTL)

	userClient := clients.NewUserClient(cfg.UserServiceURL, breaker, contentCache, logger)
	templateClient := clients.NewTemplateClient(cfg.TemplateServiceURL, breaker, contentCache, logger)
	renderClient := clients.NewRenderClient(cfg.TemplateServiceURL, breaker, logger)
	gatewayClient := clients.NewGatewayClient(cfg.APIGatewayURL, logger)

	sendgrid := provider.NewSendGrid(provider.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
		BaseURL:   cfg.SendGridURL,
	}, logger)

	workerPool := pipeline.NewPool(pipeline.PoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.Workers * 4,
	}, logger)
	scheduler := pipeline.NewRetryScheduler(workerPool, clock.RealClock{}, logger)

	processor := pipeline.NewProcessor(pipeline.ProcessorDeps{
		Guard:     guard,
		Logs:      logsRepo,
		Renderer:  renderClient,
		Users:     userClient,
		Templates: templateClient,
		Notifier:  gatewayClient,
		Provider:  sendgrid,
		Breaker:   breaker,
		Limiter:   limiter,
		Policy: retry.Policy{
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			MaxAttempts:  cfg.RetryMaxAttempts,
		},
		Clock:  clock.RealClock{},
		Logger: logger,
	}).WithScheduler(scheduler).WithMetrics(metrics)

	publisher := queue.NewPublisher(rabbit)
	consumer := queue.NewConsumer(rabbit, cfg.Workers, workerPool, publisher, processor.Process, logger).
		WithMetrics(metrics)

	healthHandler := observability.NewHealthHandler(map[string]observability.HealthChecker{
		"database": pool,
		"redis":    redisChecker{client: redisClient},
		"rabbitmq": rabbit,
	})

	handler := api.NewHandler(logsRepo, breakerStore, contentCache, logger).WithQueues(rabbit)
	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	workerPool.Start(ctx)
	go func() {
		if err := consumer.Consume(ctx); err != nil {
			logger.Error("consumer stopped", "error", err)
		}
	}()
	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	workerPool.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}
