package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Environment   string           `mapstructure:"environment"`
	Database      DbSettings       `mapstructure:"database"`
	Broker        BrokerSettings   `mapstructure:"broker"`
	Notifications BrokerSettings   `mapstructure:"notifications"`
	Snapshots     SnapshotSettings `mapstructure:"snapshots"`
	Redis         RedisSettings    `mapstructure:"redis"`
	Outbox        OutboxSettings   `mapstructure:"outbox"`
	Consumer      ConsumerSettings `mapstructure:"consumer"`
	Saga          SagaSettings     `mapstructure:"saga"`
	Replay        ReplaySettings   `mapstructure:"replay"`
	HTTP          HTTPSettings     `mapstructure:"http"`
	Observability Observability    `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	switch c.Broker.Type {
	case "kafka":
		if len(c.Broker.Brokers) == 0 {
			return errors.New("broker.brokers is required for kafka")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported log broker type: %s", c.Broker.Type)
	}
	switch c.Notifications.Type {
	case "rabbitmq":
		if c.Notifications.URL == "" {
			return errors.New("notifications.url is required for rabbitmq")
		}
	case "gcp-pubsub":
		if c.Notifications.ProjectID == "" {
			return errors.New("notifications.project_id is required for gcp-pubsub")
		}
	case "log":
	default:
		return fmt.Errorf("unsupported notification sink type: %s", c.Notifications.Type)
	}
	if (c.Snapshots.Store == "mongo" || c.Snapshots.Store == "spanner") && c.Snapshots.URI == "" {
		return fmt.Errorf("snapshots.uri is required for %s", c.Snapshots.Store)
	}
	return nil
}

// SetDefaults registers the defaults every deployment starts from.
func SetDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("database.type", "memory")
	viper.SetDefault("broker.type", "memory")
	viper.SetDefault("broker.partitions", 3)
	viper.SetDefault("broker.write_timeout", 10*time.Second)
	viper.SetDefault("notifications.type", "log")
	viper.SetDefault("notifications.exchange", "order-notifications")
	viper.SetDefault("notifications.pool_size", 5)
	viper.SetDefault("snapshots.store", "memory")
	viper.SetDefault("snapshots.age", 24*time.Hour)
	viper.SetDefault("snapshots.interval", time.Hour)
	viper.SetDefault("outbox.poll_interval", 5*time.Second)
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("outbox.publish_timeout", 10*time.Second)
	viper.SetDefault("consumer.workers", 3)
	viper.SetDefault("consumer.max_attempts", 3)
	viper.SetDefault("consumer.backoff_base", time.Second)
	viper.SetDefault("consumer.backoff_multiplier", 2.0)
	viper.SetDefault("consumer.dead_letter_suffix", ".DLT")
	viper.SetDefault("saga.payment_threshold", 1000.0)
	viper.SetDefault("saga.inventory_threshold", 500.0)
	viper.SetDefault("replay.poll_timeout", time.Second)
	viper.SetDefault("replay.scanner_pool_size", 1)
	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("observability.service_name", "order-saga")
	viper.SetDefault("observability.log_level", "info")
}

// LoadFromFile reads saga.yaml from filePath, merges saga.<ENVIRONMENT>.yaml
// over it, applies SAGA_* environment overrides and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	SetDefaults()
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("saga")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := mergeConfig(filePath, "saga."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}
	if cfg.Environment == "" {
		cfg.Environment = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SAGA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like SAGA_DATABASE_TYPE

	// Bind environment variables explicitly so nested keys resolve without a file entry.
	for _, key := range []string{
		"environment",
		"database.type", "database.dsn",
		"broker.type", "broker.brokers", "broker.partitions", "broker.write_timeout",
		"notifications.type", "notifications.url", "notifications.exchange",
		"notifications.project_id", "notifications.pool_size",
		"snapshots.store", "snapshots.uri", "snapshots.database", "snapshots.age", "snapshots.interval",
		"redis.url",
		"outbox.poll_interval", "outbox.batch_size", "outbox.publish_timeout",
		"consumer.workers", "consumer.max_attempts", "consumer.backoff_base",
		"consumer.backoff_multiplier", "consumer.dead_letter_suffix",
		"saga.payment_threshold", "saga.inventory_threshold",
		"replay.poll_timeout", "replay.scanner_pool_size",
		"http.addr",
		"observability.service_name", "observability.tracing_url", "observability.log_level",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
