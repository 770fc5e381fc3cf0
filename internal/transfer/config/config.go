/**
 * @description
 * Configuration management for the transfer-service, loaded from environment
 * variables (and an optional .env file) with Viper.
 */

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the transfer-service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	ResultQueue          string `mapstructure:"TRANSFER_RESULT_QUEUE"`
	ConsumerWorkers      int    `mapstructure:"TRANSFER_CONSUMER_WORKERS"`
	IdempotencyTTLHours  int    `mapstructure:"TRANSFER_IDEMPOTENCY_TTL_HOURS"`
	CommandTimeoutSecs   int    `mapstructure:"COMMAND_TIMEOUT_SECONDS"`
	CommandRetryBudget   int    `mapstructure:"COMMAND_RETRY_BUDGET"`
	SweepSchedule        string `mapstructure:"TIMEOUT_SWEEP_SCHEDULE"`
	SweepBatchSize       int    `mapstructure:"TIMEOUT_SWEEP_BATCH_SIZE"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	SubmitRateLimitPerMn int    `mapstructure:"TRANSFER_SUBMIT_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8082")
	viper.SetDefault("TRANSFER_RESULT_QUEUE", "transfer_service.wallet_results")
	viper.SetDefault("TRANSFER_CONSUMER_WORKERS", 8)
	viper.SetDefault("TRANSFER_IDEMPOTENCY_TTL_HOURS", 24)
	viper.SetDefault("COMMAND_TIMEOUT_SECONDS", 30)
	viper.SetDefault("COMMAND_RETRY_BUDGET", 3)
	viper.SetDefault("TIMEOUT_SWEEP_SCHEDULE", "@every 10s")
	viper.SetDefault("TIMEOUT_SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "momentum:rate_limit")
	viper.SetDefault("TRANSFER_SUBMIT_RATE_LIMIT_PER_MINUTE", 60)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_RESULT_QUEUE")
	_ = viper.BindEnv("TRANSFER_CONSUMER_WORKERS")
	_ = viper.BindEnv("TRANSFER_IDEMPOTENCY_TTL_HOURS")
	_ = viper.BindEnv("COMMAND_TIMEOUT_SECONDS")
	_ = viper.BindEnv("COMMAND_RETRY_BUDGET")
	_ = viper.BindEnv("TIMEOUT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("TIMEOUT_SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("TRANSFER_SUBMIT_RATE_LIMIT_PER_MINUTE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		return Config{}, fmt.Errorf("RABBITMQ_URL is required")
	}
	if cfg.ConsumerWorkers <= 0 {
		cfg.ConsumerWorkers = 8
	}
	if cfg.IdempotencyTTLHours <= 0 {
		cfg.IdempotencyTTLHours = 24
	}
	if cfg.CommandTimeoutSecs <= 0 {
		cfg.CommandTimeoutSecs = 30
	}
	if cfg.CommandRetryBudget <= 0 {
		cfg.CommandRetryBudget = 3
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = "@every 10s"
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}

	return cfg, nil
}
