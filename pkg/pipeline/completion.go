package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/ocr"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/repository/object"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// CompletionHandler reacts to the completion notifications of engine jobs.
type CompletionHandler struct {
	*Dependencies
}

// NewCompletionHandler returns a completion handler.
func NewCompletionHandler(d *Dependencies) *CompletionHandler {
	return &CompletionHandler{Dependencies: d}
}

// HandleCompletion applies the outcome of a finished engine job. A
// notification for a job that is already terminal is a no-op.
func (h *CompletionHandler) HandleCompletion(ctx context.Context, jc events.JobCompletion) error {
	job, err := h.Repository.GetJob(ctx, jc.JobID)
	if err != nil {
		if errors.Is(err, errdomain.ErrNotFound) {
			// The notification can outrun the recording of the job.
			return errdomain.NewTransientError(fmt.Errorf("job %s isn't recorded yet: %w", jc.JobID, err), 0)
		}
		return err
	}

	if job.Status.IsTerminal() {
		h.Logger.Info("Job already completed, ignoring notification",
			zap.String("jobID", job.JobID), zap.String("status", string(job.Status)))
		return nil
	}

	switch job.Kind {
	case types.JobKindOCR:
		if jc.Status == types.JobStatusFailed {
			return h.failOCR(ctx, job, jc.Reason)
		}
		return h.completeOCR(ctx, job)
	case types.JobKindClassification:
		return h.completeClassification(ctx, job, jc)
	default:
		return fmt.Errorf("%w: job %s has unknown kind %q", errdomain.ErrValidation, job.JobID, job.Kind)
	}
}

func (h *CompletionHandler) completeOCR(ctx context.Context, job *repository.StageJobModel) error {
	ref := job.Ref()
	logger := h.Logger.With(append(refFields(ref), zap.String("jobID", job.JobID))...)

	pages, err := ocr.FetchAllPages(ctx, h.Engine, job.JobID)
	if err != nil {
		return err
	}

	transcript := ocr.AssembleTranscript(ref, pages)
	silver := types.ArtifactRef{Bucket: h.Config.SilverBucket, Key: types.TranscriptKey(ref)}
	if err := object.PutJSON(ctx, h.Storage, silver.Bucket, silver.Key, transcript); err != nil {
		return fmt.Errorf("storing transcript of %s: %w", ref, err)
	}

	err = h.Repository.AdvanceStage(ctx, ref, types.StageOCRRunning, types.StageOCRComplete,
		repository.StagePatch{SilverKey: &silver.Key})
	if se, ok := repository.AsStaleState(err); ok {
		if se.Observed == types.StageIntakeReceived {
			return ocrNotStarted(job)
		}
		if se.Observed != types.StageOCRComplete {
			logger.Info("Consultation moved on, retiring OCR job", zap.String("stage", string(se.Observed)))
			return h.completeJob(ctx, job.JobID, types.JobOutcome{Status: types.JobStatusSucceeded})
		}
		// The transition was applied by an earlier delivery that didn't
		// reach the publication: publish again.
		logger.Info("OCR stage already completed, publishing again")
	} else if err != nil {
		return err
	}

	if _, err := h.publishStage(ctx, events.DetailTypeOCRStageCompleted, ref, &silver); err != nil {
		return err
	}

	err = h.Repository.CompleteJob(ctx, job.JobID, types.JobOutcome{Status: types.JobStatusSucceeded})
	if errors.Is(err, errdomain.ErrAlreadyCompleted) {
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("OCR stage completed",
		zap.Int("pageCount", transcript.PageCount), zap.Int("blockCount", len(transcript.Blocks)))

	h.submitClassification(ctx, ref)
	return nil
}

// submitClassification starts the classification of the intake document.
// Classification is best effort: errors are logged and the OCR stage isn't
// affected.
func (h *CompletionHandler) submitClassification(ctx context.Context, ref types.ConsultationRef) {
	logger := h.Logger.With(refFields(ref)...)

	c, err := h.Repository.GetConsultation(ctx, ref)
	if err != nil {
		logger.Warn("Couldn't load consultation for classification", zap.Error(err))
		return
	}

	jobID, err := h.Engine.SubmitClassification(ctx, types.ArtifactRef{Bucket: c.SourceBucket, Key: c.SourceKey})
	if err != nil {
		logger.Warn("Couldn't submit classification job", zap.Error(err))
		return
	}

	err = h.Repository.CreateJob(ctx, &repository.StageJobModel{
		JobID:          jobID,
		Kind:           types.JobKindClassification,
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		Status:         types.JobStatusRunning,
	})
	if err != nil {
		logger.Warn("Couldn't record classification job", zap.String("jobID", jobID), zap.Error(err))
		return
	}

	if err := h.Watcher.WatchJob(ctx, jobID, types.JobKindClassification); err != nil {
		logger.Warn("Couldn't watch classification job", zap.String("jobID", jobID), zap.Error(err))
	}
}

// failOCR records the engine failure. The consultation is failed before the
// job is retired so a redelivery after a crash still reaches the
// consultation.
func (h *CompletionHandler) failOCR(ctx context.Context, job *repository.StageJobModel, reason string) error {
	if reason == "" {
		reason = "OCR job failed"
	}

	err := h.markFailed(ctx, job.Ref(), types.StageOCRRunning, reason)
	if se, ok := repository.AsStaleState(err); ok && se.Observed == types.StageIntakeReceived {
		return ocrNotStarted(job)
	}
	if err != nil && !errors.Is(err, errdomain.ErrStaleState) {
		return err
	}
	return h.completeJob(ctx, job.JobID, types.JobOutcome{Status: types.JobStatusFailed, Reason: reason})
}

// ocrNotStarted is returned when the outcome of an OCR job arrives before
// ingestion moved the consultation to OCR_RUNNING. The job stays RUNNING and
// the notification is retried.
func ocrNotStarted(job *repository.StageJobModel) error {
	return errdomain.NewTransientError(fmt.Errorf("consultation %s hasn't reached %s for job %s yet",
		job.Ref(), types.StageOCRRunning, job.JobID), 0)
}

func (h *CompletionHandler) completeClassification(ctx context.Context, job *repository.StageJobModel, jc events.JobCompletion) error {
	ref := job.Ref()
	logger := h.Logger.With(append(refFields(ref), zap.String("jobID", job.JobID))...)

	if jc.Status == types.JobStatusFailed {
		logger.Warn("Classification job failed", zap.String("reason", jc.Reason))
		return h.completeJob(ctx, job.JobID, types.JobOutcome{Status: types.JobStatusFailed, Reason: jc.Reason})
	}

	cls, err := h.Engine.GetClassification(ctx, job.JobID)
	if err != nil {
		return err
	}
	if err := h.Repository.SetDocumentClass(ctx, ref, cls.Label); err != nil {
		return err
	}

	logger.Info("Document classified", zap.String("documentClass", cls.Label), zap.Float64("confidence", cls.Confidence))
	return h.completeJob(ctx, job.JobID, types.JobOutcome{Status: types.JobStatusSucceeded})
}

func (h *CompletionHandler) completeJob(ctx context.Context, jobID string, outcome types.JobOutcome) error {
	err := h.Repository.CompleteJob(ctx, jobID, outcome)
	if err != nil && !errors.Is(err, errdomain.ErrAlreadyCompleted) {
		return err
	}
	return nil
}
