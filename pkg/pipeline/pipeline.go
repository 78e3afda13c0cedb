// Package pipeline implements the stage handlers of the consultation
// pipeline: ingestion, OCR completion, PHI detection and embedding, the
// pipeline start admission, and the router dispatching inbound events to
// them.
//
// Handlers are invoked once per delivered event and may be invoked again for
// the same event, possibly concurrently. Every state change goes through a
// conditional write of the repository, and a stale write means the effect
// was already applied by another delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/config"
	"github.com/instill-ai/consultation-backend/pkg/ai"
	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/ocr"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/repository/object"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// JobWatcher polls a submitted engine job and reports its completion on the
// completion stream. Watching the same job twice is a no-op.
type JobWatcher interface {
	WatchJob(ctx context.Context, jobID string, kind types.JobKind) error
}

// Dependencies are the capabilities shared by the stage handlers.
type Dependencies struct {
	Repository repository.Repository
	Storage    object.Storage
	Engine     ocr.Engine
	Detector   ai.EntityDetector
	Embedder   ai.Embedder
	Publisher  events.Publisher
	Notifier   events.Notifier
	Watcher    JobWatcher

	Config config.PipelineConfig
	Logger *zap.Logger
}

func refFields(ref types.ConsultationRef) []zap.Field {
	return []zap.Field{
		zap.String("tenantID", ref.TenantID),
		zap.String("consultationID", ref.ConsultationID),
	}
}

// publishStage emits a stage event for a consultation.
func (d *Dependencies) publishStage(ctx context.Context, detailType string, ref types.ConsultationRef, artifact *types.ArtifactRef) (events.Envelope, error) {
	env, err := events.NewEnvelope(d.Config.EventSource, detailType, events.StageDetail{
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		ArtifactRef:    artifact,
	})
	if err != nil {
		return events.Envelope{}, err
	}

	if err := d.Publisher.Publish(ctx, env); err != nil {
		return events.Envelope{}, fmt.Errorf("publishing %s for %s: %w", detailType, ref, err)
	}
	return env, nil
}

// failConsultation moves a consultation to FAILED with a reason. A stale
// write is ignored: the consultation already left the stage.
func (d *Dependencies) failConsultation(ctx context.Context, ref types.ConsultationRef, from types.Stage, reason string) error {
	if err := d.markFailed(ctx, ref, from, reason); err != nil && !errors.Is(err, errdomain.ErrStaleState) {
		return err
	}
	return nil
}

// markFailed is failConsultation without the stale write handling: the
// *repository.StaleStateError is returned as is.
func (d *Dependencies) markFailed(ctx context.Context, ref types.ConsultationRef, from types.Stage, reason string) error {
	err := d.Repository.AdvanceStage(ctx, ref, from, types.StageFailed, repository.StagePatch{Error: &reason})
	if errors.Is(err, errdomain.ErrStaleState) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failing consultation %s: %w", ref, err)
	}

	d.Logger.Warn("Consultation failed",
		append(refFields(ref), zap.String("stage", string(from)), zap.String("reason", reason))...)
	return nil
}

// isPermanent reports whether an error is caused by the input itself, so
// that redelivering the event can't succeed.
func isPermanent(err error) bool {
	return errors.Is(err, errdomain.ErrValidation) || errors.Is(err, errdomain.ErrNotFound)
}
