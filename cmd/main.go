/**
 * @description
 * This is the main entry point for the wallet-service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, builds the limit engine, the exchange
 * admission orchestrator and the execution saga, starts the saga workers and the
 * reconciliation scheduler, and serves the HTTP API until a shutdown signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: local .env loading.
 * - github.com/jackc/pgx/v5, github.com/redis/go-redis/v9: storage and locks.
 * - github.com/ulule/limiter/v3: HTTP rate limiting.
 * - internal/*, pkg/*: the service packages.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/transfa/wallet-service/internal/api"
	"github.com/transfa/wallet-service/internal/app"
	"github.com/transfa/wallet-service/internal/config"
	"github.com/transfa/wallet-service/internal/domain"
	"github.com/transfa/wallet-service/internal/limits"
	"github.com/transfa/wallet-service/internal/lock"
	"github.com/transfa/wallet-service/internal/queue"
	"github.com/transfa/wallet-service/internal/store"
	"github.com/transfa/wallet-service/pkg/rabbitmq"
	"github.com/transfa/wallet-service/pkg/railclient"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithField("component", "bootstrap").WithError(err).Fatal("config load failed")
	}
	configureLogging(cfg.LogLevel, cfg.LogFormat)
	log := logrus.WithField("component", "bootstrap")

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.WithField("env", "JWT_SECRET").Fatal("jwt secret must be configured")
	}
	log.WithField("port", cfg.ServerPort).Info("starting wallet-service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer dbpool.Close()
	log.Info("database connected")

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, dbpool); err != nil {
			log.WithError(err).Fatal("database migration failed")
		}
		log.Info("database migrations applied")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	lockStore, closeLockStore := newLockStore(ctx, cfg)
	defer closeLockStore()
	locker := lock.NewManager(lockStore, lock.Options{
		TTL:        cfg.LockTTL(),
		RetryCount: cfg.LockRetryCount,
		RetryDelay: cfg.LockRetryDelay(),
	})
	locker.OnAcquireFailure(metrics.LockFailed)

	jobs := newJobQueue(cfg)
	defer jobs.Close()

	repository := store.NewPostgresRepository(dbpool)
	rail := railclient.NewClient(cfg.RailAPIBaseURL, cfg.RailAPIKey)

	engineOpts := []limits.Option{
		limits.WithPlatformLimits(limits.PlatformLimits{
			Provider:                 cfg.RailProvider,
			WeeklyUSDDepositLimit:    cfg.PlatformWeeklyUSDDepositLimit,
			WeeklyUSDWithdrawalLimit: cfg.PlatformWeeklyUSDWithdrawalLimit,
		}),
		limits.WithRejectionHook(metrics.LimitRejected),
	}
	if cfg.TierCacheTTL() > 0 {
		tierCache, err := limits.NewTierCache(100_000, cfg.TierCacheTTL())
		if err != nil {
			log.WithError(err).Fatal("tier cache init failed")
		}
		defer tierCache.Close()
		engineOpts = append(engineOpts, limits.WithTierCache(tierCache))
	}
	engine := limits.NewEngine(repository, repository, locker, engineOpts...)

	exchanges := app.NewExchangeService(app.ExchangeDeps{
		Verifications:   repository,
		Rates:           repository,
		RailAccounts:    repository,
		Ledger:          repository,
		UnitOfWork:      repository,
		Limits:          engine,
		Locker:          locker,
		VirtualAccounts: app.NewVirtualAccountService(rail),
		Jobs:            jobs,
		Metrics:         metrics,
	}, app.ExchangeConfig{
		Provider:     cfg.RailProvider,
		Queue:        cfg.ExchangeQueue,
		DefaultPairs: []string{"NGN-USD"},
		JobOptions: queue.Options{
			Attempts: cfg.ExchangeJobAttempts,
			Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: cfg.JobBackoff()},
		},
		LockTTL: cfg.LockTTL(),
	})

	saga := app.NewExchangeSaga(repository, rail, metrics)
	if err := jobs.Consume(ctx, cfg.ExchangeQueue, domain.ExchangeJobType, saga.Handle, cfg.ExchangeWorkerConcurrency); err != nil {
		log.WithError(err).Fatal("exchange worker start failed")
	}
	log.WithField("concurrency", cfg.ExchangeWorkerConcurrency).Info("exchange workers started")

	scheduler := app.NewScheduler(app.NewStaleExchangeSweeper(repository, metrics, cfg.ReconcileStaleAfter()), cfg.ReconcileSchedule)
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Error("reconcile scheduler not started")
	}
	defer func() { <-scheduler.Stop().Done() }()

	var httpLimiter *limiter.Limiter
	if rate, err := limiter.NewRateFromFormatted(cfg.HTTPRateLimit); err != nil {
		log.WithError(err).WithField("value", cfg.HTTPRateLimit).Warn("invalid HTTP_RATE_LIMIT; rate limiting disabled")
	} else {
		httpLimiter = limiter.New(memory.NewStore(), rate)
	}

	router := api.NewRouter(api.NewExchangeHandlers(exchanges), api.RouterConfig{
		JWTSecret: cfg.JWTSecret,
		Limiter:   httpLimiter,
		Gatherer:  registry,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{"component": "http", "addr": serverAddr}).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("component", "http").WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logrus.WithField("component", "http").Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithField("component", "http").WithError(err).Error("shutdown failed")
	}
	logrus.WithField("component", "http").Info("shutdown complete")
}

func configureLogging(level, format string) {
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("component", "bootstrap").WithField("value", level).Warn("invalid LOG_LEVEL; using info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// newLockStore connects the Redis lock store, falling back to an in-process store
// when Redis is not configured. The fallback only serializes within this process.
func newLockStore(ctx context.Context, cfg config.Config) (lock.Store, func()) {
	log := logrus.WithField("component", "bootstrap")
	if cfg.RedisURL == "" {
		log.WithField("env", "REDIS_URL").Warn("redis url missing; using in-process locks")
		return lock.NewMemoryStore(), func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("redis url parse failed")
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Fatal("redis ping failed")
	}
	log.Info("redis connected")
	return lock.NewRedisStore(client, cfg.LockPrefix), func() { client.Close() }
}

// newJobQueue connects RabbitMQ, falling back to the in-memory queue when the broker
// is unavailable.
func newJobQueue(cfg config.Config) queue.Queue {
	log := logrus.WithField("component", "bootstrap")
	if cfg.RabbitMQURL != "" {
		q, err := rabbitmq.NewJobQueue(cfg.RabbitMQURL)
		if err == nil {
			log.Info("rabbitmq job queue connected")
			return q
		}
		log.WithError(err).Warn("rabbitmq unavailable; using in-memory job queue")
	} else {
		log.WithField("env", "RABBITMQ_URL").Warn("rabbitmq url missing; using in-memory job queue")
	}
	return queue.NewMemoryQueue(1024)
}
