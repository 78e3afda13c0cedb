package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// IngestionTrigger reacts to landed intake documents by creating the
// consultation and submitting its OCR job.
type IngestionTrigger struct {
	*Dependencies
}

// NewIngestionTrigger returns an ingestion trigger.
func NewIngestionTrigger(d *Dependencies) *IngestionTrigger {
	return &IngestionTrigger{Dependencies: d}
}

// HandleIntake ingests every record of an intake notification. A failed
// record doesn't prevent the others from being ingested; the errors are
// returned together.
func (t *IngestionTrigger) HandleIntake(ctx context.Context, n events.IntakeNotification) error {
	var errs []error
	for _, rec := range n.Records {
		if err := t.Ingest(ctx, types.ArtifactRef{Bucket: rec.Bucket, Key: rec.Key}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartFromRequest ingests the intake documents already stored for a
// consultation. It serves the pipeline start requests.
func (t *IngestionTrigger) StartFromRequest(ctx context.Context, ref types.ConsultationRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	keys, err := t.Storage.ListObjectKeys(ctx, t.Config.IntakeBucket, types.IntakePrefix(ref))
	if err != nil {
		return fmt.Errorf("listing intake documents of %s: %w", ref, err)
	}

	var errs []error
	ingested := 0
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		ingested++
		if err := t.Ingest(ctx, types.ArtifactRef{Bucket: t.Config.IntakeBucket, Key: key}); err != nil {
			errs = append(errs, err)
		}
	}

	if ingested == 0 {
		return fmt.Errorf("%w: no intake document under %s/%s",
			errdomain.ErrValidation, t.Config.IntakeBucket, types.IntakePrefix(ref))
	}
	return errors.Join(errs...)
}

// Ingest creates the consultation of an intake document and submits its OCR
// job. Duplicate notifications find the existing job and don't submit a new
// one.
func (t *IngestionTrigger) Ingest(ctx context.Context, source types.ArtifactRef) error {
	if source.Bucket != t.Config.IntakeBucket {
		return fmt.Errorf("%w: object %s isn't in the intake bucket %s",
			errdomain.ErrValidation, source, t.Config.IntakeBucket)
	}

	ref, err := types.ParseIntakeKey(source.Key)
	if err != nil {
		return err
	}
	logger := t.Logger.With(refFields(ref)...)

	c := &repository.ConsultationModel{
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		SourceBucket:   source.Bucket,
		SourceKey:      source.Key,
	}
	if err := t.Repository.CreateConsultation(ctx, c); err != nil {
		if !errors.Is(err, errdomain.ErrAlreadyExists) {
			return err
		}
		if c, err = t.Repository.GetConsultation(ctx, ref); err != nil {
			return err
		}
	}

	if c.Stage.IsTerminal() || c.Stage.Rank() > types.StageOCRRunning.Rank() {
		logger.Info("Consultation already past OCR, skipping intake", zap.String("stage", string(c.Stage)))
		return nil
	}

	active, err := t.Repository.GetActiveJob(ctx, ref, types.JobKindOCR)
	switch {
	case err == nil:
		return t.resume(ctx, c, active)
	case !errors.Is(err, errdomain.ErrNotFound):
		return err
	}

	if c.Stage != types.StageIntakeReceived {
		logger.Info("Consultation has no active OCR job, skipping intake", zap.String("stage", string(c.Stage)))
		return nil
	}

	jobID, err := t.Engine.SubmitOCR(ctx, source)
	if err != nil {
		return fmt.Errorf("submitting OCR job for %s: %w", ref, err)
	}

	attempts, err := t.Repository.CountJobs(ctx, ref, types.JobKindOCR)
	if err != nil {
		return err
	}
	job := &repository.StageJobModel{
		JobID:          jobID,
		Kind:           types.JobKindOCR,
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		Status:         types.JobStatusRunning,
		AttemptCount:   int(attempts) + 1,
	}
	if err := t.Repository.CreateJob(ctx, job); err != nil {
		return err
	}

	err = t.Repository.AdvanceStage(ctx, ref, types.StageIntakeReceived, types.StageOCRRunning, repository.StagePatch{})
	if errors.Is(err, errdomain.ErrStaleState) {
		// A concurrent delivery submitted its own job first. Retiring this one
		// makes its completion a no-op.
		logger.Info("Concurrent intake won the OCR submission", zap.String("jobID", jobID))
		err := t.Repository.CompleteJob(ctx, jobID, types.JobOutcome{
			Status: types.JobStatusFailed,
			Reason: "superseded by a concurrent submission",
		})
		if err != nil && !errors.Is(err, errdomain.ErrAlreadyCompleted) {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("OCR job submitted", zap.String("jobID", jobID), zap.Int("attempt", job.AttemptCount))
	return t.watch(ctx, jobID, types.JobKindOCR)
}

// resume completes an ingestion interrupted after the job was recorded.
func (t *IngestionTrigger) resume(ctx context.Context, c *repository.ConsultationModel, job *repository.StageJobModel) error {
	if c.Stage == types.StageIntakeReceived {
		err := t.Repository.AdvanceStage(ctx, c.Ref(), types.StageIntakeReceived, types.StageOCRRunning, repository.StagePatch{})
		if err != nil && !errors.Is(err, errdomain.ErrStaleState) {
			return err
		}
	}

	t.Logger.Info("OCR job already active, watching it",
		append(refFields(c.Ref()), zap.String("jobID", job.JobID))...)
	return t.watch(ctx, job.JobID, types.JobKindOCR)
}

func (t *IngestionTrigger) watch(ctx context.Context, jobID string, kind types.JobKind) error {
	if err := t.Watcher.WatchJob(ctx, jobID, kind); err != nil {
		return fmt.Errorf("watching %s job %s: %w", kind, jobID, err)
	}
	return nil
}
