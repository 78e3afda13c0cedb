// Package queue consumes batches of queue messages. Each message of a batch
// is processed independently and only the failed ones are reported back, so
// the transport redelivers them while the others are acknowledged.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// BatchMessage is one message of a delivered batch.
type BatchMessage struct {
	MessageID string          `json:"message_id"`
	Body      json.RawMessage `json:"body"`
	// Deliveries counts the deliveries of the message, this one included.
	Deliveries int64 `json:"deliveries,omitempty"`
}

// BatchResult lists the messages to redeliver, in input order.
type BatchResult struct {
	FailedMessageIDs []string `json:"failed_message_ids"`
}

// HandlerFunc processes the body of one message.
type HandlerFunc func(ctx context.Context, body []byte) error

// Processor runs a handler over the messages of a batch.
type Processor struct {
	handle      HandlerFunc
	concurrency int
	logger      *zap.Logger
}

// NewProcessor returns a processor running at most concurrency handlers at
// once.
func NewProcessor(handle HandlerFunc, concurrency int, logger *zap.Logger) *Processor {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Processor{handle: handle, concurrency: concurrency, logger: logger}
}

// ProcessBatch processes every message of the batch. An error or a panic in
// one message marks only that message failed.
func (p *Processor) ProcessBatch(ctx context.Context, messages []BatchMessage) BatchResult {
	failed := make([]bool, len(messages))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, m := range messages {
		g.Go(func() error {
			if err := p.processOne(ctx, m); err != nil {
				failed[i] = true
				p.logger.Warn("Message processing failed",
					zap.String("messageID", m.MessageID),
					zap.Int64("deliveries", m.Deliveries),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{FailedMessageIDs: []string{}}
	for i, f := range failed {
		if f {
			result.FailedMessageIDs = append(result.FailedMessageIDs, messages[i].MessageID)
		}
	}
	return result
}

func (p *Processor) processOne(ctx context.Context, m BatchMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("Message handler panicked",
				zap.String("messageID", m.MessageID),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	return p.handle(ctx, m.Body)
}
