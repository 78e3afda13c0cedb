package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/middleware"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// Router dispatches parsed events to the stage handlers.
type Router struct {
	logger *zap.Logger

	intake     func(context.Context, events.IntakeNotification) error
	completion func(context.Context, events.JobCompletion) error
	start      func(context.Context, events.StageEvent) error
	phi        func(context.Context, events.StageEvent) error
	embedding  func(context.Context, events.StageEvent) error
}

// NewRouter wires the stage handlers built from d behind the handler
// middleware.
func NewRouter(d *Dependencies) *Router {
	ingestion := NewIngestionTrigger(d)
	completion := NewCompletionHandler(d)
	phi := NewPHIProcessor(d)
	embedding := NewEmbeddingProcessor(d)

	return &Router{
		logger:     d.Logger,
		intake:     middleware.WrapHandler("pipeline.Ingestion", d.Logger, ingestion.HandleIntake),
		completion: middleware.WrapHandler("pipeline.Completion", d.Logger, completion.HandleCompletion),
		start: middleware.WrapHandler("pipeline.Start", d.Logger, func(ctx context.Context, ev events.StageEvent) error {
			return ingestion.StartFromRequest(ctx, ev.Detail.Ref())
		}),
		phi:       middleware.WrapHandler("pipeline.PHI", d.Logger, phi.HandleOCRCompleted),
		embedding: middleware.WrapHandler("pipeline.Embedding", d.Logger, embedding.HandlePHICompleted),
	}
}

// HandleMessage decodes a queue message body and routes the inner event.
func (r *Router) HandleMessage(ctx context.Context, body []byte) error {
	ev, err := events.Decode(body)
	if err != nil {
		return err
	}
	return r.Route(ctx, ev)
}

// Route dispatches an event to its handler. Stale-state and
// already-completed outcomes mean the effect was applied by another
// delivery and are reported as success.
func (r *Router) Route(ctx context.Context, ev events.Event) error {
	var err error
	switch e := ev.(type) {
	case events.IntakeNotification:
		err = r.intake(ctx, e)
	case events.JobCompletion:
		err = r.completion(ctx, e)
	case events.StageEvent:
		err = r.routeStageEvent(ctx, e)
	default:
		err = fmt.Errorf("%w: unsupported event %T", errdomain.ErrValidation, ev)
	}

	if errors.Is(err, errdomain.ErrStaleState) || errors.Is(err, errdomain.ErrAlreadyCompleted) {
		r.logger.Debug("Duplicate delivery absorbed", zap.Error(err))
		return nil
	}
	return err
}

func (r *Router) routeStageEvent(ctx context.Context, ev events.StageEvent) error {
	switch ev.DetailType {
	case events.DetailTypePipelineStartRequested:
		return r.start(ctx, ev)
	case events.DetailTypeOCRStageCompleted:
		return r.phi(ctx, ev)
	case events.DetailTypePHIStageCompleted:
		return r.embedding(ctx, ev)
	case events.DetailTypePipelineCompleted:
		r.logger.Info("Pipeline completed",
			zap.String("tenantID", ev.Detail.TenantID),
			zap.String("consultationID", ev.Detail.ConsultationID),
			zap.String("correlationID", ev.CorrelationID))
		return nil
	default:
		return fmt.Errorf("%w: unknown detail_type %q", errdomain.ErrValidation, ev.DetailType)
	}
}
