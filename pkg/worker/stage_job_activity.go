package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// Activity error type constants
const (
	getJobStateActivityError          = "GetJobStateActivity"
	publishJobCompletionActivityError = "PublishJobCompletionActivity"
)

// GetJobStateActivityParam identifies the polled job.
type GetJobStateActivityParam struct {
	JobID string
	Kind  types.JobKind
}

// GetJobStateActivity reads the state of an engine job. A job the engine
// doesn't know fails without retry.
func (w *Worker) GetJobStateActivity(ctx context.Context, param *GetJobStateActivityParam) (*types.JobOutcome, error) {
	outcome, err := w.engine.GetJobState(ctx, param.JobID)
	if err != nil {
		w.log.Warn("GetJobStateActivity: couldn't read job state",
			zap.String("jobID", param.JobID), zap.String("kind", string(param.Kind)), zap.Error(err))

		err = errorsx.AddMessage(err, "Unable to read the engine job state.")
		if errors.Is(err, errdomain.ErrValidation) || errors.Is(err, errdomain.ErrNotFound) {
			return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), getJobStateActivityError, err)
		}
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), getJobStateActivityError, err)
	}

	return &outcome, nil
}

// PublishJobCompletionActivityParam is the completion to report.
type PublishJobCompletionActivityParam struct {
	JobID   string
	Outcome types.JobOutcome
}

// PublishJobCompletionActivity appends the completion notification of a job
// to the completion stream, in the pub/sub broadcast wrapper.
func (w *Worker) PublishJobCompletionActivity(ctx context.Context, param *PublishJobCompletionActivityParam) error {
	body, err := json.Marshal(events.JobCompletion{
		JobID:  param.JobID,
		Status: param.Outcome.Status,
		Reason: param.Outcome.Reason,
	})
	if err != nil {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("encoding completion of job %s", param.JobID), publishJobCompletionActivityError, err)
	}

	wrapped, err := events.WrapBroadcast(body)
	if err != nil {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("wrapping completion of job %s", param.JobID), publishJobCompletionActivityError, err)
	}

	id, err := w.streams.Append(ctx, w.completionStream, wrapped)
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to publish the job completion. Please try again.")
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), publishJobCompletionActivityError, err)
	}

	w.log.Info("PublishJobCompletionActivity: completion published",
		zap.String("jobID", param.JobID),
		zap.String("status", string(param.Outcome.Status)),
		zap.String("messageID", id))
	return nil
}
