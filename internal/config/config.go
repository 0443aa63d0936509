/**
 * @description
 * This package handles the configuration management for the wallet-service. It uses
 * Viper to read configuration from environment variables (and an optional .env file),
 * applies defaults and clamps out-of-range values with a warning instead of failing
 * startup.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration binding.
 * - github.com/sirupsen/logrus: warnings for coerced values.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the wallet-service.
type Config struct {
	ServerPort       string `mapstructure:"SERVER_PORT"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	RunMigrations    bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL         string `mapstructure:"REDIS_URL"`
	LockPrefix       string `mapstructure:"LOCK_PREFIX"`
	LockTTLSeconds   int    `mapstructure:"LOCK_TTL_SECONDS"`
	LockRetryCount   int    `mapstructure:"LOCK_RETRY_COUNT"`
	LockRetryDelayMS int    `mapstructure:"LOCK_RETRY_DELAY_MS"`

	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	ExchangeQueue             string `mapstructure:"EXCHANGE_QUEUE"`
	ExchangeJobAttempts       int    `mapstructure:"EXCHANGE_JOB_ATTEMPTS"`
	ExchangeJobBackoffMS      int    `mapstructure:"EXCHANGE_JOB_BACKOFF_MS"`
	ExchangeWorkerConcurrency int    `mapstructure:"EXCHANGE_WORKER_CONCURRENCY"`

	RailAPIBaseURL string `mapstructure:"RAIL_API_BASE_URL"`
	RailAPIKey     string `mapstructure:"RAIL_API_KEY"`
	RailProvider   string `mapstructure:"RAIL_PROVIDER"`

	JWTSecret     string `mapstructure:"JWT_SECRET"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFormat     string `mapstructure:"LOG_FORMAT"`
	HTTPRateLimit string `mapstructure:"HTTP_RATE_LIMIT"`

	PlatformWeeklyUSDDepositLimit    int64 `mapstructure:"PLATFORM_WEEKLY_USD_DEPOSIT_LIMIT"`
	PlatformWeeklyUSDWithdrawalLimit int64 `mapstructure:"PLATFORM_WEEKLY_USD_WITHDRAWAL_LIMIT"`

	TierCacheTTLSeconds        int    `mapstructure:"TIER_CACHE_TTL_SECONDS"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileStaleAfterMinutes int    `mapstructure:"RECONCILE_STALE_AFTER_MINUTES"`
}

var envKeys = []string{
	"SERVER_PORT", "DATABASE_URL", "RUN_MIGRATIONS", "REDIS_URL", "LOCK_PREFIX", "LOCK_TTL_SECONDS",
	"LOCK_RETRY_COUNT", "LOCK_RETRY_DELAY_MS", "RABBITMQ_URL", "EXCHANGE_QUEUE", "EXCHANGE_JOB_ATTEMPTS",
	"EXCHANGE_JOB_BACKOFF_MS", "EXCHANGE_WORKER_CONCURRENCY", "RAIL_API_BASE_URL", "RAIL_API_KEY",
	"RAIL_PROVIDER", "JWT_SECRET", "LOG_LEVEL", "LOG_FORMAT", "HTTP_RATE_LIMIT",
	"PLATFORM_WEEKLY_USD_DEPOSIT_LIMIT", "PLATFORM_WEEKLY_USD_WITHDRAWAL_LIMIT", "TIER_CACHE_TTL_SECONDS",
	"RECONCILE_SCHEDULE", "RECONCILE_STALE_AFTER_MINUTES",
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("LOCK_PREFIX", "wallet:lock")
	viper.SetDefault("LOCK_TTL_SECONDS", 30)
	viper.SetDefault("LOCK_RETRY_COUNT", 10)
	viper.SetDefault("LOCK_RETRY_DELAY_MS", 200)
	viper.SetDefault("EXCHANGE_QUEUE", "exchange")
	viper.SetDefault("EXCHANGE_JOB_ATTEMPTS", 3)
	viper.SetDefault("EXCHANGE_JOB_BACKOFF_MS", 5000)
	viper.SetDefault("EXCHANGE_WORKER_CONCURRENCY", 2)
	viper.SetDefault("RAIL_PROVIDER", "rail")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("HTTP_RATE_LIMIT", "100-M")
	viper.SetDefault("PLATFORM_WEEKLY_USD_DEPOSIT_LIMIT", 0)
	viper.SetDefault("PLATFORM_WEEKLY_USD_WITHDRAWAL_LIMIT", 0)
	viper.SetDefault("TIER_CACHE_TTL_SECONDS", 60)
	viper.SetDefault("RECONCILE_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("RECONCILE_STALE_AFTER_MINUTES", 60)

	// Bind explicitly so keys without defaults still appear in Unmarshal.
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithField("component", "config").WithError(err).Warn("failed to read config file; using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	log := logrus.WithField("component", "config")

	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.RailAPIBaseURL = strings.TrimSpace(c.RailAPIBaseURL)
	c.LockPrefix = strings.TrimSpace(c.LockPrefix)
	if c.LockPrefix == "" {
		c.LockPrefix = "wallet:lock"
	}
	c.RailProvider = strings.TrimSpace(c.RailProvider)
	if c.RailProvider == "" {
		c.RailProvider = "rail"
	}
	c.ExchangeQueue = strings.TrimSpace(c.ExchangeQueue)
	if c.ExchangeQueue == "" {
		c.ExchangeQueue = "exchange"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat != "json" {
		c.LogFormat = "text"
	}

	if c.LockTTLSeconds <= 0 {
		log.WithField("lock_ttl_seconds", c.LockTTLSeconds).Warn("non-positive lock ttl; using 30s")
		c.LockTTLSeconds = 30
	}
	if c.LockRetryCount < 0 {
		log.WithField("lock_retry_count", c.LockRetryCount).Warn("negative lock retry count; coercing to zero")
		c.LockRetryCount = 0
	}
	if c.LockRetryDelayMS < 0 {
		c.LockRetryDelayMS = 0
	}
	if c.ExchangeJobAttempts < 1 {
		log.WithField("exchange_job_attempts", c.ExchangeJobAttempts).Warn("job attempts below one; using 1")
		c.ExchangeJobAttempts = 1
	}
	if c.ExchangeJobAttempts > 20 {
		log.WithField("exchange_job_attempts", c.ExchangeJobAttempts).Warn("job attempts too high; capping at 20")
		c.ExchangeJobAttempts = 20
	}
	if c.ExchangeJobBackoffMS < 0 {
		c.ExchangeJobBackoffMS = 0
	}
	if c.ExchangeWorkerConcurrency < 1 {
		c.ExchangeWorkerConcurrency = 1
	}
	if c.ExchangeWorkerConcurrency > 100 {
		log.WithField("exchange_worker_concurrency", c.ExchangeWorkerConcurrency).Warn("worker concurrency too high; capping at 100")
		c.ExchangeWorkerConcurrency = 100
	}
	if c.PlatformWeeklyUSDDepositLimit < 0 {
		log.Warn("negative platform deposit limit; disabling")
		c.PlatformWeeklyUSDDepositLimit = 0
	}
	if c.PlatformWeeklyUSDWithdrawalLimit < 0 {
		log.Warn("negative platform withdrawal limit; disabling")
		c.PlatformWeeklyUSDWithdrawalLimit = 0
	}
	if c.TierCacheTTLSeconds < 0 {
		c.TierCacheTTLSeconds = 0
	}
	if strings.TrimSpace(c.ReconcileSchedule) == "" {
		c.ReconcileSchedule = "*/10 * * * *"
	}
	if c.ReconcileStaleAfterMinutes <= 0 {
		c.ReconcileStaleAfterMinutes = 60
	}
	if strings.TrimSpace(c.HTTPRateLimit) == "" {
		c.HTTPRateLimit = "100-M"
	}
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c Config) LockRetryDelay() time.Duration {
	return time.Duration(c.LockRetryDelayMS) * time.Millisecond
}

func (c Config) JobBackoff() time.Duration {
	return time.Duration(c.ExchangeJobBackoffMS) * time.Millisecond
}

func (c Config) TierCacheTTL() time.Duration {
	return time.Duration(c.TierCacheTTLSeconds) * time.Second
}

func (c Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleAfterMinutes) * time.Minute
}
