// Package worker polls the long-running engine jobs of the pipeline with
// Temporal workflows and reports their completion on the completion
// stream.
package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/ocr"
)

// TaskQueue is the Temporal task queue name for all workflows and activities.
const TaskQueue = "consultation-backend"

// ActivityTimeoutStandard is the timeout of the engine and stream calls.
const ActivityTimeoutStandard = 2 * time.Minute

// RetryInitialInterval, RetryBackoffCoefficient, RetryMaximumInterval and
// RetryMaximumAttempts control the activity retries.
const (
	RetryInitialInterval    = 1 * time.Second
	RetryBackoffCoefficient = 2.0
	RetryMaximumInterval    = 30 * time.Second
	RetryMaximumAttempts    = 3
)

// Defaults of the polling schedule.
const (
	DefaultPollInterval = 15 * time.Second
	DefaultMaxPolls     = 240
)

// Config defines the configuration for the worker
type Config struct {
	Engine           ocr.JobStateReader
	Streams          events.StreamWriter
	CompletionStream string
}

// Worker implements the Temporal worker with all workflows and activities
type Worker struct {
	engine           ocr.JobStateReader
	streams          events.StreamWriter
	completionStream string
	log              *zap.Logger
}

// New creates a new worker instance
func New(config Config, log *zap.Logger) *Worker {
	return &Worker{
		engine:           config.Engine,
		streams:          config.Streams,
		completionStream: config.CompletionStream,
		log:              log,
	}
}
