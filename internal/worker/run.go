package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/postcraft/config"
	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/runtime"
)

// Run consumes the run queue until ctx ends.
func Run(ctx context.Context, cfg *config.Config) error {
	app, err := runtime.NewApp(ctx, cfg, runtime.AppOptions{Component: "worker", ServeMetrics: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			app.Logger.Printf("warn: close: %v", err)
		}
	}()

	stream := app.Topology.RunQueue()
	group := cfg.Events.ConsumerGroup
	if err := streams.EnsureGroup(ctx, app.Redis, stream, group); err != nil {
		return fmt.Errorf("worker ensure group: %w", err)
	}

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(app.Redis, app.Registry, group, consumerName)
	consumer.SetLogger(app.Logger)
	if lag, err := consumer.LagMetrics(ctx, stream); err == nil {
		app.Logger.Printf("consumer %s joined %s: pending=%d lag=%d consumers=%d", consumerName, group, lag.Pending, lag.Lag, lag.Consumers)
	}

	processor := NewProcessor(app.Logger, app.Store, app.Service, consumer, stream,
		WithConcurrency(cfg.Events.Concurrency),
		WithClaimIdle(cfg.Events.ClaimIdle),
		WithMeter(app.Meter),
		WithTracer(app.Tracer),
	)
	return processor.Start(ctx)
}
