/**
 * @description
 * Configuration for the outbox-relay process, loaded from environment
 * variables with Viper.
 */

package outbox

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the relay's settings.
type Config struct {
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	DrainSchedule          string `mapstructure:"OUTBOX_DRAIN_SCHEDULE"`
	PruneSchedule          string `mapstructure:"OUTBOX_PRUNE_SCHEDULE"`
	BatchSize              int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	DispatchedRetentionDay int    `mapstructure:"OUTBOX_DISPATCHED_RETENTION_DAYS"`
}

// LoadConfig reads the relay configuration from the environment.
func LoadConfig() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("OUTBOX_DRAIN_SCHEDULE", "@every 2s")
	viper.SetDefault("OUTBOX_PRUNE_SCHEDULE", "@every 1h")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 100)
	viper.SetDefault("OUTBOX_DISPATCHED_RETENTION_DAYS", 7)

	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("OUTBOX_DRAIN_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_PRUNE_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_DISPATCHED_RETENTION_DAYS")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.DispatchedRetentionDay <= 0 {
		cfg.DispatchedRetentionDay = 7
	}

	return &cfg, nil
}
