package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// BodyField is the stream entry field holding the message body.
const BodyField = "body"

// Publisher emits stage events for the next stage.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Notifier fans a stage event out to external subscribers.
type Notifier interface {
	Notify(ctx context.Context, env Envelope) error
}

// StreamWriter appends raw message bodies to a stream.
type StreamWriter interface {
	Append(ctx context.Context, stream string, body []byte) (string, error)
}

// RedisStreams appends messages to Redis Streams.
type RedisStreams struct {
	client redis.Cmdable
	// maxLen caps the stream length approximately, 0 keeps every entry.
	maxLen int64
}

// NewRedisStreams returns a Redis Streams writer.
func NewRedisStreams(client redis.Cmdable, maxLen int64) *RedisStreams {
	return &RedisStreams{client: client, maxLen: maxLen}
}

// Append adds body as a new entry of stream and returns the entry id.
func (s *RedisStreams) Append(ctx context.Context, stream string, body []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{BodyField: string(body)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", errdomain.NewTransientError(fmt.Errorf("appending to stream %s: %w", stream, err), 0)
	}
	return id, nil
}

// StreamPublisher publishes stage events on the event stream.
type StreamPublisher struct {
	writer StreamWriter
	stream string
}

// NewStreamPublisher returns a Publisher writing to stream.
func NewStreamPublisher(writer StreamWriter, stream string) *StreamPublisher {
	return &StreamPublisher{writer: writer, stream: stream}
}

// Publish implements Publisher.
func (p *StreamPublisher) Publish(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", env.DetailType, err)
	}
	_, err = p.writer.Append(ctx, p.stream, b)
	return err
}

// RedisNotifier publishes fan-out notifications on a Redis pub/sub channel.
// Subscribers receive the event in the broadcast wrapper.
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
}

// NewRedisNotifier returns a Notifier publishing on channel.
func NewRedisNotifier(client redis.Cmdable, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", env.DetailType, err)
	}
	wrapped, err := WrapBroadcast(b)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, wrapped).Err()
}
