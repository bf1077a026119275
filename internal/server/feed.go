package server

import (
	"context"

	"github.com/mohammad-safakhou/postcraft/internal/events"
	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"github.com/redis/go-redis/v9"
)

// Update kinds delivered by a Feed.
const (
	UpdateStep      = "step"
	UpdateStatus    = "status"
	UpdateFinished  = "finished"
	UpdateEvaluated = "evaluated"
)

// Update is one entry of a run's event history.
type Update struct {
	Kind      string
	Step      workflow.StepEvent
	Status    events.StatusPayload
	Finished  events.FinishedPayload
	Evaluated events.EvaluatedPayload
}

// Feed replays a run's events from the start and follows new ones. Follow
// returns after delivering run.finished, when ctx ends, or when handle
// returns an error.
type Feed interface {
	Follow(ctx context.Context, runID string, handle func(Update) error) error
}

// RedisFeed reads the per-run Redis stream.
type RedisFeed struct {
	client   redis.UniversalClient
	registry *streams.SchemaRegistry
	topo     streams.Topology
}

func NewRedisFeed(client redis.UniversalClient, registry *streams.SchemaRegistry, topo streams.Topology) *RedisFeed {
	return &RedisFeed{client: client, registry: registry, topo: topo}
}

func (f *RedisFeed) Follow(ctx context.Context, runID string, handle func(Update) error) error {
	tail := streams.NewTail(f.client, f.registry, f.topo.RunEvents(runID), "0")
	for {
		msgs, err := tail.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			u, ok, err := decodeUpdate(msg.Envelope)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := handle(u); err != nil {
				return err
			}
			if u.Kind == UpdateFinished {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func decodeUpdate(env streams.Envelope) (Update, bool, error) {
	var u Update
	switch env.EventType {
	case streams.EventRunStep:
		var p events.StepPayload
		if err := env.Decode(&p); err != nil {
			return u, false, err
		}
		ev, err := p.Event()
		if err != nil {
			return u, false, err
		}
		u.Kind, u.Step = UpdateStep, ev
	case streams.EventRunStatus:
		u.Kind = UpdateStatus
		if err := env.Decode(&u.Status); err != nil {
			return u, false, err
		}
	case streams.EventRunFinished:
		u.Kind = UpdateFinished
		if err := env.Decode(&u.Finished); err != nil {
			return u, false, err
		}
	case streams.EventRunEvaluated:
		u.Kind = UpdateEvaluated
		if err := env.Decode(&u.Evaluated); err != nil {
			return u, false, err
		}
	default:
		return u, false, nil
	}
	return u, true, nil
}
