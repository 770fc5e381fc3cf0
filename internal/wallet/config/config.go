/**
 * @description
 * Configuration management for the wallet-service, loaded from environment
 * variables (and an optional .env file) with Viper.
 */

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the wallet-service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	CommandQueue          string `mapstructure:"WALLET_COMMAND_QUEUE"`
	InternalAPIKey        string `mapstructure:"INTERNAL_API_KEY"`
	ConsumerWorkers       int    `mapstructure:"WALLET_CONSUMER_WORKERS"`
	ResultRetentionHours  int    `mapstructure:"WALLET_RESULT_RETENTION_HOURS"`
	VersionConflictRetry  int    `mapstructure:"WALLET_VERSION_CONFLICT_RETRIES"`
	ResultPruneIntervalMn int    `mapstructure:"WALLET_RESULT_PRUNE_INTERVAL_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8081")
	viper.SetDefault("WALLET_COMMAND_QUEUE", "wallet_service.commands")
	viper.SetDefault("WALLET_CONSUMER_WORKERS", 8)
	viper.SetDefault("WALLET_RESULT_RETENTION_HOURS", 24)
	viper.SetDefault("WALLET_VERSION_CONFLICT_RETRIES", 3)
	viper.SetDefault("WALLET_RESULT_PRUNE_INTERVAL_MINUTES", 30)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("WALLET_COMMAND_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "WALLET_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("WALLET_CONSUMER_WORKERS")
	_ = viper.BindEnv("WALLET_RESULT_RETENTION_HOURS")
	_ = viper.BindEnv("WALLET_VERSION_CONFLICT_RETRIES")
	_ = viper.BindEnv("WALLET_RESULT_PRUNE_INTERVAL_MINUTES")

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
	if cfg.ResultRetentionHours <= 0 {
		cfg.ResultRetentionHours = 24
	}
	if cfg.VersionConflictRetry <= 0 {
		cfg.VersionConflictRetry = 3
	}
	if cfg.ResultPruneIntervalMn <= 0 {
		cfg.ResultPruneIntervalMn = 30
	}

	return cfg, nil
}
