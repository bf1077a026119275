package events

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"github.com/redis/go-redis/v9"
)

// RedisSink appends run events to the run's Redis stream. A single engine
// goroutine publishes each run, so entry IDs follow step order.
type RedisSink struct {
	client    redis.UniversalClient
	publisher *streams.Publisher
	topo      streams.Topology
	maxLen    int64
	retention time.Duration
}

// NewRedisSink builds a sink. Finished streams expire after retention;
// zero keeps them forever.
func NewRedisSink(client redis.UniversalClient, registry *streams.SchemaRegistry, topo streams.Topology, maxLen int64, retention time.Duration) *RedisSink {
	return &RedisSink{
		client:    client,
		publisher: streams.NewPublisher(client, registry),
		topo:      topo,
		maxLen:    maxLen,
		retention: retention,
	}
}

func (s *RedisSink) publish(ctx context.Context, runID, eventType string, payload interface{}) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	_, err := s.publisher.PublishRaw(ctx, s.topo.RunEvents(runID), eventType, streams.PayloadV1, payload, streams.WithMaxLenApprox(s.maxLen))
	if err != nil {
		return fmt.Errorf("publish %s for run %s: %w", eventType, runID, err)
	}
	return nil
}

func (s *RedisSink) Step(ctx context.Context, runID string, ev workflow.StepEvent) error {
	return s.publish(ctx, runID, streams.EventRunStep, NewStepPayload(runID, ev))
}

func (s *RedisSink) Status(ctx context.Context, runID, status string, sequence int) error {
	return s.publish(ctx, runID, streams.EventRunStatus, StatusPayload{RunID: runID, Status: status, Sequence: sequence})
}

func (s *RedisSink) Finished(ctx context.Context, runID string, res workflow.FinalResult) error {
	if err := s.publish(ctx, runID, streams.EventRunFinished, NewFinishedPayload(runID, res)); err != nil {
		return err
	}
	return s.expire(ctx, runID)
}

func (s *RedisSink) Evaluated(ctx context.Context, runID string, report workflow.GroundednessReport) error {
	if err := s.publish(ctx, runID, streams.EventRunEvaluated, NewEvaluatedPayload(runID, report)); err != nil {
		return err
	}
	return s.expire(ctx, runID)
}

// expire bounds how long a run stream outlives its last terminal event.
func (s *RedisSink) expire(ctx context.Context, runID string) error {
	if s.retention <= 0 {
		return nil
	}
	if err := s.client.Expire(ctx, s.topo.RunEvents(runID), s.retention).Err(); err != nil {
		return fmt.Errorf("expire run stream %s: %w", runID, err)
	}
	return nil
}
