package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

const (
	// PipelineRequestTableName is the default table name for pipeline
	// requests
	PipelineRequestTableName = "pipeline_request"
)

// PipelineRequest is the admission record side of the store.
type PipelineRequest interface {
	CreatePipelineRequest(ctx context.Context, req *PipelineRequestModel) (*PipelineRequestModel, error)
	MarkPipelineRequestDispatched(ctx context.Context, correlationID string) error
}

// PipelineRequestModel records an admitted pipeline start request.
type PipelineRequestModel struct {
	CorrelationID  string    `gorm:"column:correlation_id;primaryKey" json:"correlation_id"`
	TenantID       string    `gorm:"column:tenant_id;size:128;not null" json:"tenant_id"`
	ConsultationID string    `gorm:"column:consultation_id;size:128;not null" json:"consultation_id"`
	Source         string    `gorm:"column:source;size:255;not null" json:"source"`
	Dispatched     bool      `gorm:"column:dispatched;not null" json:"dispatched"`
	CreateTime     time.Time `gorm:"column:create_time;not null" json:"create_time"`
	UpdateTime     time.Time `gorm:"column:update_time;not null" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (PipelineRequestModel) TableName() string {
	return PipelineRequestTableName
}

func (r *repository) pipelineRequests(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.tables.PipelineRequest)
}

// CreatePipelineRequest records a pipeline request. Recording the same
// correlation id again returns the stored record.
func (r *repository) CreatePipelineRequest(ctx context.Context, req *PipelineRequestModel) (*PipelineRequestModel, error) {
	now := time.Now().UTC()
	req.CreateTime = now
	req.UpdateTime = now

	if err := r.pipelineRequests(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(req).Error; err != nil {
		return nil, fmt.Errorf("recording pipeline request %s: %w", req.CorrelationID, err)
	}

	var stored PipelineRequestModel
	if err := r.pipelineRequests(ctx).Where("correlation_id = ?", req.CorrelationID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("loading pipeline request %s: %w", req.CorrelationID, err)
	}
	return &stored, nil
}

// MarkPipelineRequestDispatched flags the request as published on the event
// stream.
func (r *repository) MarkPipelineRequestDispatched(ctx context.Context, correlationID string) error {
	result := r.pipelineRequests(ctx).Where("correlation_id = ?", correlationID).Updates(map[string]any{
		"dispatched":  true,
		"update_time": time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("updating pipeline request %s: %w", correlationID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("pipeline request %s: %w", correlationID, errdomain.ErrNotFound)
	}
	return nil
}
