package config

import "time"

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type         string        `mapstructure:"type" validate:"required,oneof=kafka memory rabbitmq gcp-pubsub log"`
	Brokers      []string      `mapstructure:"brokers"`
	URL          string        `mapstructure:"url"`
	Exchange     string        `mapstructure:"exchange"`
	ProjectID    string        `mapstructure:"project_id"` // Optional for brokers like GCP Pub/Sub
	PoolSize     int           `mapstructure:"pool_size" validate:"gte=0"`
	Partitions   int           `mapstructure:"partitions" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Observability holds tracing, logging and metrics settings.
type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url"` // empty disables the OTLP exporter
	LogLevel    string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}
