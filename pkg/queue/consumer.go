package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const readRetryDelay = time.Second

// Source delivers batches of messages and settles them. Messages that are
// neither acknowledged nor dead-lettered are delivered again.
type Source interface {
	Name() string
	Read(ctx context.Context) ([]BatchMessage, error)
	Ack(ctx context.Context, ids ...string) error
	DeadLetter(ctx context.Context, m BatchMessage) error
}

// Consumer feeds the batches of a source to a processor.
type Consumer struct {
	source        Source
	processor     *Processor
	maxDeliveries int64
	logger        *zap.Logger
}

// NewConsumer returns a consumer. Messages delivered more than maxDeliveries
// times are dead-lettered instead of processed; 0 disables dead-lettering.
func NewConsumer(source Source, processor *Processor, maxDeliveries int64, logger *zap.Logger) *Consumer {
	return &Consumer{
		source:        source,
		processor:     processor,
		maxDeliveries: maxDeliveries,
		logger:        logger.With(zap.String("stream", source.Name())),
	}
}

// Run consumes batches until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopped")
			return nil
		}

		messages, err := c.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("Couldn't read batch", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(readRetryDelay):
			}
			continue
		}

		if len(messages) > 0 {
			c.ConsumeBatch(ctx, messages)
		}
	}
}

// ConsumeBatch dead-letters the exhausted messages, processes the others and
// acknowledges those that succeeded.
func (c *Consumer) ConsumeBatch(ctx context.Context, messages []BatchMessage) BatchResult {
	live := make([]BatchMessage, 0, len(messages))
	for _, m := range messages {
		if c.maxDeliveries > 0 && m.Deliveries > c.maxDeliveries {
			if err := c.source.DeadLetter(ctx, m); err != nil {
				c.logger.Error("Couldn't dead-letter message", zap.String("messageID", m.MessageID), zap.Error(err))
				continue
			}
			c.logger.Warn("Message dead-lettered",
				zap.String("messageID", m.MessageID), zap.Int64("deliveries", m.Deliveries))
			continue
		}
		live = append(live, m)
	}

	result := c.processor.ProcessBatch(ctx, live)

	failed := make(map[string]bool, len(result.FailedMessageIDs))
	for _, id := range result.FailedMessageIDs {
		failed[id] = true
	}
	succeeded := make([]string, 0, len(live))
	for _, m := range live {
		if !failed[m.MessageID] {
			succeeded = append(succeeded, m.MessageID)
		}
	}

	if len(succeeded) > 0 {
		if err := c.source.Ack(ctx, succeeded...); err != nil {
			// Unacknowledged messages are redelivered and their handlers are
			// idempotent.
			c.logger.Error("Couldn't acknowledge messages", zap.Strings("messageIDs", succeeded), zap.Error(err))
		}
	}

	c.logger.Debug("Batch consumed",
		zap.Int("size", len(messages)),
		zap.Int("succeeded", len(succeeded)),
		zap.Int("failed", len(result.FailedMessageIDs)))
	return result
}
