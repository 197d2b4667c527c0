package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/eventlog"
	"github.com/zoff-tech/go-saga/pkg/telemetry"
	"go.uber.org/zap"
)

// GroupOptions configures a Group.
type GroupOptions struct {
	Name    string
	Topic   string
	Workers int
	Policy  RetryPolicy
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Group consumes one topic with a bounded number of workers. Records of a
// partition always go to the same worker, so per-aggregate order holds;
// partitions progress independently.
type Group struct {
	opts    GroupOptions
	source  eventlog.Source
	handler Handler
	logger  *zap.Logger
}

func NewGroup(source eventlog.Source, handler Handler, opts GroupOptions) *Group {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		opts:    opts,
		source:  source,
		handler: handler,
		logger:  logger.With(zap.String("group", opts.Name), zap.String("topic", opts.Topic)),
	}
}

func (g *Group) Name() string {
	return g.opts.Name
}

// Run fetches until ctx is done. Records fetched but not handled when ctx
// ends are left uncommitted and come back on the next start.
func (g *Group) Run(ctx context.Context) error {
	lanes := make([]chan eventlog.Record, g.opts.Workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan eventlog.Record, 1)
		wg.Add(1)
		go func(ch <-chan eventlog.Record) {
			defer wg.Done()
			for rec := range ch {
				g.process(ctx, rec)
			}
		}(lanes[i])
	}

	g.logger.Info("consumer group started", zap.Int("workers", g.opts.Workers))
	var runErr error
fetch:
	for {
		rec, err := g.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				runErr = fmt.Errorf("fetch %s: %w", g.opts.Topic, err)
			}
			break
		}
		select {
		case lanes[rec.Partition%len(lanes)] <- rec:
		case <-ctx.Done():
			break fetch
		}
	}

	for _, ch := range lanes {
		close(ch)
	}
	wg.Wait()
	g.logger.Info("consumer group stopped")
	return runErr
}

func (g *Group) process(ctx context.Context, rec eventlog.Record) {
	outcome, err := g.opts.Policy.Execute(ctx, g.opts.Name, rec, g.handler)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("record left uncommitted", zap.Error(err),
				zap.Int("partition", rec.Partition), zap.Int64("offset", rec.Offset))
		}
		return
	}

	switch outcome {
	case telemetry.OutcomeDeadLettered:
		g.logger.Error("record dead-lettered",
			zap.Int("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.String("key", rec.Key))
		g.count(rec, outcome)
	case telemetry.OutcomeFailed:
		g.logger.Error("record dropped after retries",
			zap.Int("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.String("key", rec.Key))
		g.count(rec, outcome)
	}

	if err := g.source.Commit(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("commit failed", zap.Error(err),
			zap.Int("partition", rec.Partition), zap.Int64("offset", rec.Offset))
	}
}

func (g *Group) count(rec eventlog.Record, outcome string) {
	if g.opts.Metrics == nil {
		return
	}
	g.opts.Metrics.SagaEvents.WithLabelValues(g.opts.Name, rec.Headers[broker.HeaderEventType], outcome).Inc()
}
