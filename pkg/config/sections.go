package config

import "time"

// DbSettings selects the participant store.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres memory"`
	DSN  string `mapstructure:"dsn" validate:"required_if=Type postgres"`
}

// SnapshotSettings selects the snapshot store and the age-based schedule.
type SnapshotSettings struct {
	Store    string        `mapstructure:"store" validate:"required,oneof=postgres mongo spanner memory"`
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Age      time.Duration `mapstructure:"age" validate:"gt=0"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// RedisSettings enables the distributed lock when URL is set.
type RedisSettings struct {
	URL string `mapstructure:"url"`
}

type OutboxSettings struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gt=0"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`
}

type ConsumerSettings struct {
	Workers           int           `mapstructure:"workers" validate:"gt=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gt=0"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"gte=1"`
	DeadLetterSuffix  string        `mapstructure:"dead_letter_suffix" validate:"required"`
}

// SagaSettings are the business thresholds. Amounts strictly above a
// threshold take the failure branch.
type SagaSettings struct {
	PaymentThreshold   float64 `mapstructure:"payment_threshold" validate:"gt=0"`
	InventoryThreshold float64 `mapstructure:"inventory_threshold" validate:"gt=0"`
}

type ReplaySettings struct {
	PollTimeout     time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	ScannerPoolSize int           `mapstructure:"scanner_pool_size" validate:"gt=0"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr" validate:"required"`
}
