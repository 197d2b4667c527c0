package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-saga/pkg/api"
	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/consumer"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
	"github.com/zoff-tech/go-saga/pkg/eventsourcing"
	"github.com/zoff-tech/go-saga/pkg/lock"
	"github.com/zoff-tech/go-saga/pkg/processor"
	"github.com/zoff-tech/go-saga/pkg/saga"
	"github.com/zoff-tech/go-saga/pkg/store"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

// logBackbone is the partitioned log shared by the relay, the consumer
// groups and the replay engine.
type logBackbone struct {
	publisher broker.MessageBroker
	scanners  *eventlog.ScannerPool
	source    func(topic, group string) eventlog.Source
	close     func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/order-saga")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := telemetry.NewLogger(cfg.Environment, cfg.Observability)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("order saga stopped with error", zap.Error(err))
	}
	logger.Info("order saga stopped")
}

func run(ctx context.Context, cfg *config.Settings, logger *zap.Logger) error {
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()
	if pg, ok := repo.(*store.PostgresRepository); ok {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	snapshots, err := store.NewSnapshotRepository(ctx, cfg.Snapshots, repo)
	if err != nil {
		return err
	}
	if cfg.Snapshots.Store == "mongo" || cfg.Snapshots.Store == "spanner" {
		defer snapshots.Close()
	}

	backbone, err := openBackbone(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backbone.close()

	notifications, err := broker.NewBroker(ctx, &cfg.Notifications)
	if err != nil {
		return err
	}
	defer notifications.Close()

	var locker lock.Locker
	if cfg.Redis.URL != "" {
		redisLock, client, err := lock.NewRedisLockFromURL(cfg.Redis.URL, "")
		if err != nil {
			return err
		}
		defer client.Close()
		locker = redisLock
	}

	orders := saga.NewOrderService(repo, logger, metrics)
	participants := [][]saga.Subscription{
		orders.Subscriptions(),
		saga.NewPaymentService(repo, cfg.Saga.PaymentThreshold, logger, metrics).Subscriptions(),
		saga.NewInventoryService(repo, cfg.Saga.InventoryThreshold, logger, metrics).Subscriptions(),
		saga.NewNotificationService(repo, notifications, cfg.Notifications.Type, logger, metrics).Subscriptions(),
	}

	engine := eventsourcing.NewEngine(backbone.scanners, snapshots, logger, metrics)
	snapshotter := eventsourcing.NewSnapshotter(engine, snapshots, repo, locker, cfg.Snapshots.Age, cfg.Snapshots.Interval, logger, metrics)
	relay := processor.NewRelay(repo, backbone.publisher, cfg.Outbox, locker, logger, metrics)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandler(orders, engine, logger), cfg.Observability.ServiceName, nil)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	policy := consumer.RetryPolicy{
		MaxAttempts:       cfg.Consumer.MaxAttempts,
		BackoffBase:       cfg.Consumer.BackoffBase,
		BackoffMultiplier: cfg.Consumer.BackoffMultiplier,
		DeadLetter:        consumer.NewBrokerDeadLetter(backbone.publisher, cfg.Consumer.DeadLetterSuffix),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return snapshotter.Run(gctx) })
	for _, subs := range participants {
		for _, sub := range subs {
			source := backbone.source(sub.Topic, sub.Group)
			group := consumer.NewGroup(source, consumer.EnvelopeHandler(sub.Group, logger, sub.Handle), consumer.GroupOptions{
				Name:    sub.Group,
				Topic:   sub.Topic,
				Workers: cfg.Consumer.Workers,
				Policy:  policy,
				Logger:  logger,
				Metrics: metrics,
			})
			g.Go(func() error {
				defer source.Close()
				return group.Run(gctx)
			})
		}
	}
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openBackbone connects the relay, consumers and replay engine to Kafka, or
// to one in-memory log for single-process runs.
func openBackbone(ctx context.Context, cfg *config.Settings, logger *zap.Logger) (*logBackbone, error) {
	topics := eventlog.DefaultTopics(cfg.Consumer.DeadLetterSuffix, 1)

	if cfg.Broker.Type == "memory" {
		memLog := eventlog.NewMemoryLog(cfg.Broker.Partitions)
		memLog.EnsureTopics(topics...)
		pool, err := eventlog.NewScannerPool(cfg.Replay.ScannerPoolSize, func() (eventlog.Scanner, error) { return memLog, nil })
		if err != nil {
			return nil, err
		}
		logger.Info("using in-memory event log", zap.Strings("topics", memLog.Topics()))
		return &logBackbone{
			publisher: memLog,
			scanners:  pool,
			source:    memLog.Subscribe,
			close:     func() { pool.Close() },
		}, nil
	}

	if err := eventlog.EnsureTopics(ctx, cfg.Broker.Brokers, topics...); err != nil {
		return nil, err
	}
	publisher, err := broker.NewKafkaBroker(ctx, &cfg.Broker)
	if err != nil {
		return nil, err
	}
	pool, err := eventlog.NewScannerPool(cfg.Replay.ScannerPoolSize, func() (eventlog.Scanner, error) {
		return eventlog.NewKafkaScanner(cfg.Broker.Brokers, cfg.Replay.PollTimeout)
	})
	if err != nil {
		publisher.Close()
		return nil, err
	}
	logger.Info("using kafka event log", zap.Strings("brokers", cfg.Broker.Brokers))
	return &logBackbone{
		publisher: publisher,
		scanners:  pool,
		source: func(topic, group string) eventlog.Source {
			return eventlog.NewKafkaSource(cfg.Broker.Brokers, topic, group)
		},
		close: func() {
			pool.Close()
			publisher.Close()
		},
	}, nil
}
