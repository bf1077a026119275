package streams

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes through a consumer group. Entries that fail to
// decode or validate are logged, acknowledged and dropped.
type Consumer struct {
	client   redis.UniversalClient
	registry *SchemaRegistry
	group    string
	name     string
	logger   *log.Logger
}

// ConsumerOption adjusts the XREADGROUP arguments.
type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock sets how long a read may block waiting for entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithCount caps the number of entries returned by one read.
func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

// WithNoAck skips the pending entries list.
func WithNoAck() ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		args.NoAck = true
	}
}

func NewConsumer(client redis.UniversalClient, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{
		client:   client,
		registry: registry,
		group:    group,
		name:     name,
		logger:   log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
	}
}

// SetLogger replaces the logger used for dropped entries.
func (c *Consumer) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Group returns the consumer group name.
func (c *Consumer) Group() string { return c.group }

// EnsureGroup creates the consumer group, and the stream if needed. An
// existing group is not an error.
func EnsureGroup(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message is a decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read pulls new entries for this consumer.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, fmt.Errorf("consumer group and name must be configured")
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
	}
	for _, opt := range opts {
		opt(args)
	}

	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			if decoded, ok := c.decodeMessage(ctx, stream, msg); ok {
				out = append(out, decoded)
			}
		}
	}
	return out, nil
}

func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// LagMetrics reports lag for this consumer's group.
func (c *Consumer) LagMetrics(ctx context.Context, stream string) (LagMetrics, error) {
	return GroupLag(ctx, c.client, stream, c.group)
}

// AutoClaim takes over entries another consumer left pending for longer
// than minIdle. Pass the returned cursor back in to continue.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if stream == "" {
		return nil, "", fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, "", fmt.Errorf("consumer group and name must be configured")
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, msg := range msgs {
		if decoded, ok := c.decodeMessage(ctx, stream, msg); ok {
			out = append(out, decoded)
		}
	}
	return out, next, nil
}

func (c *Consumer) decodeMessage(ctx context.Context, stream string, msg redis.XMessage) (Message, bool) {
	env, err := decodeEntry(c.registry, msg)
	if err != nil {
		recordRejected(ctx, env.EventType, "consume")
		c.logger.Printf("warn: dropping entry %s on %s: %v", msg.ID, stream, err)
		if ackErr := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); ackErr != nil {
			c.logger.Printf("warn: ack dropped entry %s on %s: %v", msg.ID, stream, ackErr)
		}
		return Message{}, false
	}
	recordConsumed(ctx, env.EventType)
	return Message{ID: msg.ID, Envelope: env}, true
}

func decodeEntry(registry *SchemaRegistry, msg redis.XMessage) (Envelope, error) {
	raw, ok := envelopeBytes(msg.Values["envelope"])
	if !ok {
		return Envelope{}, fmt.Errorf("entry %s has no envelope field", msg.ID)
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return env, err
	}
	if registry != nil {
		if err := registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return env, err
		}
	}
	return env, nil
}
