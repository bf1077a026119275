package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/mohammad-safakhou/postcraft/internal/workflow"
	"github.com/nats-io/nats.go"
)

// natsConn is the part of *nats.Conn the sink needs.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes run events as stream envelopes on a per-run subject.
// Readers pass step events through a Sequencer before use.
type NATSSink struct {
	conn     natsConn
	registry *streams.SchemaRegistry
	prefix   string
}

func NewNATSSink(conn *nats.Conn, registry *streams.SchemaRegistry, prefix string) *NATSSink {
	return newNATSSink(conn, registry, prefix)
}

func newNATSSink(conn natsConn, registry *streams.SchemaRegistry, prefix string) *NATSSink {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = streams.DefaultPrefix
	}
	return &NATSSink{conn: conn, registry: registry, prefix: prefix}
}

// Subject returns the subject carrying a run's events.
func (s *NATSSink) Subject(runID string) string {
	return RunSubject(s.prefix, runID)
}

// RunSubject names the NATS subject for a run.
func RunSubject(prefix, runID string) string {
	return prefix + ".run." + runID + ".steps"
}

func (s *NATSSink) publish(runID, eventType string, payload interface{}) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	env, err := streams.NewEnvelope(eventType, streams.PayloadV1, payload)
	if err != nil {
		return err
	}
	if s.registry != nil {
		if err := s.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return err
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.Subject(runID), raw); err != nil {
		return fmt.Errorf("nats publish %s for run %s: %w", eventType, runID, err)
	}
	return nil
}

func (s *NATSSink) Step(ctx context.Context, runID string, ev workflow.StepEvent) error {
	return s.publish(runID, streams.EventRunStep, NewStepPayload(runID, ev))
}

func (s *NATSSink) Status(ctx context.Context, runID, status string, sequence int) error {
	return s.publish(runID, streams.EventRunStatus, StatusPayload{RunID: runID, Status: status, Sequence: sequence})
}

func (s *NATSSink) Finished(ctx context.Context, runID string, res workflow.FinalResult) error {
	return s.publish(runID, streams.EventRunFinished, NewFinishedPayload(runID, res))
}

func (s *NATSSink) Evaluated(ctx context.Context, runID string, report workflow.GroundednessReport) error {
	return s.publish(runID, streams.EventRunEvaluated, NewEvaluatedPayload(runID, report))
}

// SubscribeNATS delivers a run's envelopes to handle. Messages that fail to
// decode are dropped. Unsubscribe the returned subscription when done.
func SubscribeNATS(conn *nats.Conn, prefix, runID string, handle func(streams.Envelope)) (*nats.Subscription, error) {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = streams.DefaultPrefix
	}
	sub, err := conn.Subscribe(RunSubject(prefix, runID), func(msg *nats.Msg) {
		env, err := streams.UnmarshalEnvelope(msg.Data)
		if err != nil {
			return
		}
		handle(env)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe run %s: %w", runID, err)
	}
	return sub, nil
}
