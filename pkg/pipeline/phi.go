package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/redact"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/repository/object"
	"github.com/instill-ai/consultation-backend/pkg/types"
)

// PHIProcessor detects and redacts the PHI of OCR transcripts.
type PHIProcessor struct {
	*Dependencies
}

// NewPHIProcessor returns a PHI processor.
func NewPHIProcessor(d *Dependencies) *PHIProcessor {
	return &PHIProcessor{Dependencies: d}
}

// HandleOCRCompleted runs the PHI stage for the transcript referenced by an
// OCR Stage Completed event.
//
// The stage is claimed by moving the consultation to PHI_DETECTING. A
// consultation already in PHI_DETECTING was claimed by a delivery that
// didn't finish, and the stage is run again. Detection errors leave the
// consultation in PHI_DETECTING so the redelivered event resumes it.
func (p *PHIProcessor) HandleOCRCompleted(ctx context.Context, ev events.StageEvent) error {
	ref := ev.Detail.Ref()
	logger := p.Logger.With(refFields(ref)...)

	c, err := p.Repository.GetConsultation(ctx, ref)
	if err != nil {
		return err
	}

	switch c.Stage {
	case types.StageOCRComplete:
		err := p.Repository.AdvanceStage(ctx, ref, types.StageOCRComplete, types.StagePHIDetecting, repository.StagePatch{})
		if se, ok := repository.AsStaleState(err); ok {
			switch se.Observed {
			case types.StagePHIDetecting:
			case types.StagePHIComplete:
				return p.republish(ctx, ref)
			default:
				logger.Info("Consultation moved on, skipping PHI stage", zap.String("stage", string(se.Observed)))
				return nil
			}
		} else if err != nil {
			return err
		}
	case types.StagePHIDetecting:
		logger.Info("Resuming PHI stage")
	case types.StagePHIComplete:
		return p.republish(ctx, ref)
	default:
		logger.Info("Consultation isn't awaiting PHI detection, skipping", zap.String("stage", string(c.Stage)))
		return nil
	}

	var transcript types.Transcript
	source := *ev.Detail.ArtifactRef
	if err := object.GetJSON(ctx, p.Storage, source.Bucket, source.Key, &transcript); err != nil {
		if isPermanent(err) {
			return p.failConsultation(ctx, ref, types.StagePHIDetecting, fmt.Sprintf("reading transcript: %v", err))
		}
		return fmt.Errorf("reading transcript of %s: %w", ref, err)
	}

	text := transcript.Text()
	detected, err := p.Detector.DetectEntities(ctx, text)
	if err != nil {
		return fmt.Errorf("detecting PHI of %s: %w", ref, err)
	}
	entities := redact.ClampEntities(text, detected)

	redacted := types.RedactedTranscript{
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		PageCount:      transcript.PageCount,
		Text:           redact.Redact(text, entities),
		EntityCount:    len(entities),
	}
	gold := types.ArtifactRef{Bucket: p.Config.GoldBucket, Key: types.RedactedTranscriptKey(ref)}
	if err := object.PutJSON(ctx, p.Storage, gold.Bucket, gold.Key, redacted); err != nil {
		return fmt.Errorf("storing redacted transcript of %s: %w", ref, err)
	}

	err = p.Repository.AdvanceStage(ctx, ref, types.StagePHIDetecting, types.StagePHIComplete, repository.StagePatch{
		GoldKey:  &gold.Key,
		Entities: entities,
	})
	if se, ok := repository.AsStaleState(err); ok {
		if se.Observed != types.StagePHIComplete {
			logger.Info("Consultation moved on, dropping PHI result", zap.String("stage", string(se.Observed)))
			return nil
		}
	} else if err != nil {
		return err
	}

	logger.Info("PHI stage completed", zap.Int("entityCount", len(entities)))
	return p.announce(ctx, ref, gold)
}

// republish announces a PHI stage that was completed by an earlier delivery.
func (p *PHIProcessor) republish(ctx context.Context, ref types.ConsultationRef) error {
	c, err := p.Repository.GetConsultation(ctx, ref)
	if err != nil {
		return err
	}

	p.Logger.Info("PHI stage already completed, publishing again", refFields(ref)...)
	return p.announce(ctx, ref, types.ArtifactRef{Bucket: p.Config.GoldBucket, Key: c.GoldKey})
}

// announce publishes PHI Stage Completed for the next stage, then fans it
// out to the external subscribers. The fan-out is informational: its
// failure is only logged.
func (p *PHIProcessor) announce(ctx context.Context, ref types.ConsultationRef, gold types.ArtifactRef) error {
	env, err := p.publishStage(ctx, events.DetailTypePHIStageCompleted, ref, &gold)
	if err != nil {
		return err
	}

	if err := p.Notifier.Notify(ctx, env); err != nil {
		p.Logger.Warn("Couldn't publish PHI fan-out notification", append(refFields(ref), zap.Error(err))...)
	}
	return nil
}
