package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/consultation-backend/pkg/events"
	"github.com/instill-ai/consultation-backend/pkg/repository"
	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// StatusAccepted is the status of an admitted pipeline start request.
const StatusAccepted = "accepted"

const maxSourceLength = 255

// StartRequest asks for a consultation to be run through the pipeline.
type StartRequest struct {
	Source         string `json:"source"`
	ConsultationID string `json:"consultation_id"`
	TenantID       string `json:"tenant_id"`
}

// Ref returns the consultation the request refers to.
func (r StartRequest) Ref() types.ConsultationRef {
	return types.ConsultationRef{TenantID: r.TenantID, ConsultationID: r.ConsultationID}
}

// Validate checks the shape of the request.
func (r StartRequest) Validate() error {
	if r.Source == "" {
		return errorsx.AddMessage(
			fmt.Errorf("%w: source is required", errdomain.ErrValidation),
			"The source field is required.",
		)
	}
	if len(r.Source) > maxSourceLength {
		return errorsx.AddMessage(
			fmt.Errorf("%w: source exceeds %d characters", errdomain.ErrValidation, maxSourceLength),
			fmt.Sprintf("The source field can't exceed %d characters.", maxSourceLength),
		)
	}
	if err := r.Ref().Validate(); err != nil {
		return errorsx.AddMessage(err,
			"tenant_id and consultation_id are required and may only contain letters, digits, '.', '_' and '-'.")
	}
	return nil
}

// StartResponse acknowledges an admitted request.
type StartResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

// Orchestrator admits pipeline start requests. Admission only records the
// request and publishes the start event; the stages run asynchronously.
type Orchestrator struct {
	*Dependencies
}

// NewOrchestrator returns an orchestrator.
func NewOrchestrator(d *Dependencies) *Orchestrator {
	return &Orchestrator{Dependencies: d}
}

// Start validates, records and dispatches a start request. Repeating a
// request is safe: it is recorded once and the start event isn't published
// again once dispatched.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ref := req.Ref()
	correlationID := ref.CorrelationID()
	logger := o.Logger.With(append(refFields(ref), zap.String("correlationID", correlationID))...)

	stored, err := o.Repository.CreatePipelineRequest(ctx, &repository.PipelineRequestModel{
		CorrelationID:  correlationID,
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		Source:         req.Source,
	})
	if err != nil {
		return nil, errdomain.NewTransientError(fmt.Errorf("recording pipeline request: %w", err), 0)
	}

	resp := &StartResponse{Status: StatusAccepted, CorrelationID: correlationID}
	if stored.Dispatched {
		logger.Info("Pipeline request already dispatched")
		return resp, nil
	}

	env, err := events.NewEnvelope(o.Config.EventSource, events.DetailTypePipelineStartRequested, events.StageDetail{
		TenantID:       ref.TenantID,
		ConsultationID: ref.ConsultationID,
		Source:         req.Source,
	})
	if err != nil {
		return nil, err
	}
	if err := o.Publisher.Publish(ctx, env); err != nil {
		return nil, errdomain.NewTransientError(fmt.Errorf("publishing pipeline start: %w", err), 0)
	}

	if err := o.Repository.MarkPipelineRequestDispatched(ctx, correlationID); err != nil {
		// The event is out: a retried request publishes it once more, which
		// the stages absorb.
		logger.Warn("Couldn't mark pipeline request dispatched", zap.Error(err))
	}

	logger.Info("Pipeline request accepted", zap.String("source", req.Source))
	return resp, nil
}
