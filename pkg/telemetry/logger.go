package telemetry

import (
	"context"

	"github.com/zoff-tech/go-saga/pkg/config"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON logger for production-like environments and a
// console logger elsewhere.
func NewLogger(environment string, cfg config.Observability) (*zap.Logger, error) {
	var zc zap.Config
	switch environment {
	case "production", "staging":
		zc = zap.NewProductionConfig()
	default:
		zc = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, err
		}
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(
		zap.String("service", cfg.ServiceName),
		zap.String("environment", environment),
	), nil
}

// WithTrace adds trace_id and span_id of the active span, if any.
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
