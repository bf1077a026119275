package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tail follows a stream without a consumer group, so any number of readers
// can watch the same run. Entries that fail validation are skipped.
type Tail struct {
	client   redis.UniversalClient
	registry *SchemaRegistry
	stream   string
	lastID   string
	block    time.Duration
	count    int64
}

// NewTail starts after lastID; "0" replays the stream from the beginning.
func NewTail(client redis.UniversalClient, registry *SchemaRegistry, stream, lastID string) *Tail {
	if lastID == "" {
		lastID = "0"
	}
	return &Tail{
		client:   client,
		registry: registry,
		stream:   stream,
		lastID:   lastID,
		block:    2 * time.Second,
		count:    64,
	}
}

// LastID is the ID of the most recent entry returned by Next.
func (t *Tail) LastID() string { return t.lastID }

// Next blocks until new entries arrive or the block timeout passes. A
// timeout returns an empty slice and no error.
func (t *Tail) Next(ctx context.Context) ([]Message, error) {
	res, err := t.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{t.stream, t.lastID},
		Count:   t.count,
		Block:   t.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xread %s: %w", t.stream, err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			t.lastID = msg.ID
			env, err := decodeEntry(t.registry, msg)
			if err != nil {
				recordRejected(ctx, env.EventType, "tail")
				continue
			}
			out = append(out, Message{ID: msg.ID, Envelope: env})
		}
	}
	return out, nil
}

// Range returns every valid entry currently in the stream.
func Range(ctx context.Context, client redis.UniversalClient, registry *SchemaRegistry, stream string) ([]Message, error) {
	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		env, err := decodeEntry(registry, msg)
		if err != nil {
			continue
		}
		out = append(out, Message{ID: msg.ID, Envelope: env})
	}
	return out, nil
}
