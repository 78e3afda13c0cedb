package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/consultation-backend/pkg/events"
)

// DeadLetterSuffix is appended to a stream name to get its dead-letter
// stream.
const DeadLetterSuffix = ":dlq"

// RedisStreamOptions configures a RedisStream.
type RedisStreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	// BatchSize is the maximum number of messages per read.
	BatchSize int64
	// Block is how long a read waits for new messages.
	Block time.Duration
	// RedeliveryIdle is how long a message stays pending before it is
	// claimed again.
	RedeliveryIdle time.Duration
}

// RedisStream is a Source reading a Redis stream through a consumer group.
// Failed messages stay in the pending list of the group and are claimed
// again once idle for RedeliveryIdle.
type RedisStream struct {
	client redis.Cmdable
	opts   RedisStreamOptions
	// claimCursor is where the next pending list scan starts.
	claimCursor string
}

// NewRedisStream returns a Redis stream source.
func NewRedisStream(client redis.Cmdable, opts RedisStreamOptions) *RedisStream {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &RedisStream{client: client, opts: opts, claimCursor: "0-0"}
}

// Name implements Source.
func (s *RedisStream) Name() string {
	return s.opts.Stream
}

// EnsureGroup creates the stream and its consumer group when missing.
func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.opts.Stream, s.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s on %s: %w", s.opts.Group, s.opts.Stream, err)
	}
	return nil
}

// Read implements Source. Idle pending messages are claimed first, new
// messages are read when none is due for redelivery.
func (s *RedisStream) Read(ctx context.Context) ([]BatchMessage, error) {
	if s.opts.RedeliveryIdle > 0 {
		reclaimed, err := s.reclaim(ctx)
		if err != nil {
			return nil, err
		}
		if len(reclaimed) > 0 {
			return reclaimed, nil
		}
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  []string{s.opts.Stream, ">"},
		Count:    s.opts.BatchSize,
		Block:    s.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading stream %s: %w", s.opts.Stream, err)
	}

	var messages []BatchMessage
	for _, st := range streams {
		for _, xm := range st.Messages {
			messages = append(messages, toBatchMessage(xm, 1))
		}
	}
	return messages, nil
}

func (s *RedisStream) reclaim(ctx context.Context) ([]BatchMessage, error) {
	claimed, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.opts.Stream,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.opts.RedeliveryIdle,
		Start:    s.claimCursor,
		Count:    s.opts.BatchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming pending messages of %s: %w", s.opts.Stream, err)
	}
	s.claimCursor = next
	if len(claimed) == 0 {
		return nil, nil
	}

	deliveries, err := s.deliveryCounts(ctx, claimed)
	if err != nil {
		return nil, err
	}

	messages := make([]BatchMessage, 0, len(claimed))
	for _, xm := range claimed {
		n := deliveries[xm.ID]
		if n == 0 {
			n = 1
		}
		messages = append(messages, toBatchMessage(xm, n))
	}
	return messages, nil
}

// deliveryCounts reads the delivery count of each claimed message. Each id is
// queried on its own: a range over the claimed ids can hold other pending
// entries of the consumer.
func (s *RedisStream) deliveryCounts(ctx context.Context, claimed []redis.XMessage) (map[string]int64, error) {
	deliveries := make(map[string]int64, len(claimed))
	for _, xm := range claimed {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   s.opts.Stream,
			Group:    s.opts.Group,
			Start:    xm.ID,
			End:      xm.ID,
			Count:    1,
			Consumer: s.opts.Consumer,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("reading pending message %s of %s: %w", xm.ID, s.opts.Stream, err)
		}
		for _, p := range pending {
			deliveries[p.ID] = p.RetryCount
		}
	}
	return deliveries, nil
}

// Ack implements Source.
func (s *RedisStream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, s.opts.Stream, s.opts.Group, ids...).Err()
}

// DeadLetter implements Source. The message is copied to the dead-letter
// stream, then acknowledged.
func (s *RedisStream) DeadLetter(ctx context.Context, m BatchMessage) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.Stream + DeadLetterSuffix,
		Values: map[string]any{
			events.BodyField: string(m.Body),
			"source_id":      m.MessageID,
			"deliveries":     m.Deliveries,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("dead-lettering %s: %w", m.MessageID, err)
	}
	return s.Ack(ctx, m.MessageID)
}

// toBatchMessage extracts the body field of a stream entry. An entry without
// a body yields an empty body, which fails parsing.
func toBatchMessage(xm redis.XMessage, deliveries int64) BatchMessage {
	m := BatchMessage{MessageID: xm.ID, Deliveries: deliveries}
	switch v := xm.Values[events.BodyField].(type) {
	case string:
		m.Body = []byte(v)
	case []byte:
		m.Body = v
	}
	return m
}
