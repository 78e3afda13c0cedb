// Package events defines the messages exchanged between the pipeline stages,
// parses inbound payloads into typed variants and publishes outbound events
// on Redis.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// Detail types of the stage events.
const (
	DetailTypePipelineStartRequested = "Pipeline Start Requested"
	DetailTypeOCRStageCompleted      = "OCR Stage Completed"
	DetailTypePHIStageCompleted      = "PHI Stage Completed"
	DetailTypePipelineCompleted      = "Pipeline Completed"
)

// Envelope is the wire form of a stage event.
type Envelope struct {
	Source        string          `json:"source"`
	DetailType    string          `json:"detail_type"`
	Detail        json.RawMessage `json:"detail"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// StageDetail is the detail of every stage event. Events carry a reference
// to the stage artifact, never its content.
type StageDetail struct {
	TenantID       string             `json:"tenant_id"`
	ConsultationID string             `json:"consultation_id"`
	ArtifactRef    *types.ArtifactRef `json:"artifact_ref,omitempty"`
	// Source is the initiating source of a pipeline start request.
	Source string `json:"source,omitempty"`
}

// Ref returns the consultation the detail refers to.
func (d StageDetail) Ref() types.ConsultationRef {
	return types.ConsultationRef{TenantID: d.TenantID, ConsultationID: d.ConsultationID}
}

// NewEnvelope builds the envelope of a stage event for a consultation.
func NewEnvelope(source, detailType string, detail StageDetail) (Envelope, error) {
	b, err := json.Marshal(detail)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s detail: %w", detailType, err)
	}
	return Envelope{
		Source:        source,
		DetailType:    detailType,
		Detail:        b,
		CorrelationID: detail.Ref().CorrelationID(),
	}, nil
}

// broadcast is the fan-out wrapper put around events by pub/sub deliveries.
type broadcast struct {
	Message string `json:"Message"`
}

// WrapBroadcast puts a payload in the fan-out wrapper.
func WrapBroadcast(payload []byte) ([]byte, error) {
	return json.Marshal(broadcast{Message: string(payload)})
}

// IntakeRecord locates a newly landed intake object.
type IntakeRecord struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// IntakeNotification reports newly landed intake objects.
type IntakeNotification struct {
	Records []IntakeRecord `json:"records"`
}

// JobCompletion reports the terminal status of an external job.
type JobCompletion struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// StageEvent is a parsed stage event.
type StageEvent struct {
	Source        string
	DetailType    string
	CorrelationID string
	Detail        StageDetail
}

// Event is one of IntakeNotification, JobCompletion or StageEvent.
type Event interface {
	isEvent()
}

func (IntakeNotification) isEvent() {}
func (JobCompletion) isEvent()      {}
func (StageEvent) isEvent()         {}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errdomain.ErrValidation, fmt.Sprintf(format, args...))
}
