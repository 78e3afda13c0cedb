package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

const (
	// StageJobTableName is the default table name for stage jobs
	StageJobTableName = "stage_job"
)

// StageJob is the stage job side of the store.
type StageJob interface {
	CreateJob(ctx context.Context, job *StageJobModel) error
	GetJob(ctx context.Context, jobID string) (*StageJobModel, error)
	GetActiveJob(ctx context.Context, ref types.ConsultationRef, kind types.JobKind) (*StageJobModel, error)
	CountJobs(ctx context.Context, ref types.ConsultationRef, kind types.JobKind) (int64, error)
	CompleteJob(ctx context.Context, jobID string, outcome types.JobOutcome) error
}

// StageJobModel is a handle to one unit of external work. JobID is the
// identifier assigned by the engine.
type StageJobModel struct {
	JobID          string          `gorm:"column:job_id;primaryKey" json:"job_id"`
	Kind           types.JobKind   `gorm:"column:kind;size:32;not null" json:"kind"`
	TenantID       string          `gorm:"column:tenant_id;size:128;not null" json:"tenant_id"`
	ConsultationID string          `gorm:"column:consultation_id;size:128;not null" json:"consultation_id"`
	Status         types.JobStatus `gorm:"column:status;size:32;not null" json:"status"`
	AttemptCount   int             `gorm:"column:attempt_count;not null" json:"attempt_count"`
	FailureReason  string          `gorm:"column:failure_reason" json:"failure_reason"`
	SubmittedAt    time.Time       `gorm:"column:submitted_at;not null" json:"submitted_at"`
	CompletedAt    *time.Time      `gorm:"column:completed_at" json:"completed_at"`
}

// TableName overrides the default table name for GORM
func (StageJobModel) TableName() string {
	return StageJobTableName
}

// Ref returns the consultation the job belongs to.
func (j *StageJobModel) Ref() types.ConsultationRef {
	return types.ConsultationRef{TenantID: j.TenantID, ConsultationID: j.ConsultationID}
}

// StageJobColumns are the columns of the stage job table.
type StageJobColumns struct {
	JobID          string
	Kind           string
	TenantID       string
	ConsultationID string
	Status         string
	AttemptCount   string
	FailureReason  string
	SubmittedAt    string
	CompletedAt    string
}

// StageJobColumn is the column name set of the stage job table.
var StageJobColumn = StageJobColumns{
	JobID:          "job_id",
	Kind:           "kind",
	TenantID:       "tenant_id",
	ConsultationID: "consultation_id",
	Status:         "status",
	AttemptCount:   "attempt_count",
	FailureReason:  "failure_reason",
	SubmittedAt:    "submitted_at",
	CompletedAt:    "completed_at",
}

func (r *repository) stageJobs(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.tables.StageJob)
}

// CreateJob records a stage job. It returns ErrAlreadyExists if the job id is
// already recorded.
func (r *repository) CreateJob(ctx context.Context, job *StageJobModel) error {
	if job.JobID == "" {
		return fmt.Errorf("%w: job_id is required", errdomain.ErrValidation)
	}
	if job.Status == "" {
		job.Status = types.JobStatusRunning
	}
	if job.AttemptCount == 0 {
		job.AttemptCount = 1
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}

	result := r.stageJobs(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if result.Error != nil {
		return fmt.Errorf("creating stage job %s: %w", job.JobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("stage job %s: %w", job.JobID, errdomain.ErrAlreadyExists)
	}
	return nil
}

// GetJob returns the stage job identified by jobID.
func (r *repository) GetJob(ctx context.Context, jobID string) (*StageJobModel, error) {
	var job StageJobModel
	where := fmt.Sprintf("%s = ?", StageJobColumn.JobID)
	if err := r.stageJobs(ctx).Where(where, jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("stage job %s: %w", jobID, errdomain.ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

// GetActiveJob returns the most recent non-terminal job of a kind for a
// consultation.
func (r *repository) GetActiveJob(ctx context.Context, ref types.ConsultationRef, kind types.JobKind) (*StageJobModel, error) {
	var job StageJobModel
	where := fmt.Sprintf("%s = ? AND %s = ? AND %s = ? AND %s IN ?",
		StageJobColumn.TenantID, StageJobColumn.ConsultationID, StageJobColumn.Kind, StageJobColumn.Status)
	err := r.stageJobs(ctx).
		Where(where, ref.TenantID, ref.ConsultationID, kind, []types.JobStatus{types.JobStatusPending, types.JobStatusRunning}).
		Order(StageJobColumn.SubmittedAt + " DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("active %s job of consultation %s: %w", kind, ref, errdomain.ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

// CountJobs returns the number of jobs of a kind submitted for a
// consultation.
func (r *repository) CountJobs(ctx context.Context, ref types.ConsultationRef, kind types.JobKind) (int64, error) {
	var count int64
	where := fmt.Sprintf("%s = ? AND %s = ? AND %s = ?",
		StageJobColumn.TenantID, StageJobColumn.ConsultationID, StageJobColumn.Kind)
	if err := r.stageJobs(ctx).Where(where, ref.TenantID, ref.ConsultationID, kind).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CompleteJob moves a RUNNING job to its terminal status. A job that already
// left RUNNING yields ErrAlreadyCompleted and isn't modified.
func (r *repository) CompleteJob(ctx context.Context, jobID string, outcome types.JobOutcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("%w: %q isn't a completion status", errdomain.ErrValidation, outcome.Status)
	}

	where := fmt.Sprintf("%s = ? AND %s = ?", StageJobColumn.JobID, StageJobColumn.Status)
	result := r.stageJobs(ctx).Where(where, jobID, types.JobStatusRunning).Updates(map[string]any{
		StageJobColumn.Status:        outcome.Status,
		StageJobColumn.FailureReason: outcome.Reason,
		StageJobColumn.CompletedAt:   time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("completing stage job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("stage job %s is %s: %w", jobID, job.Status, errdomain.ErrAlreadyCompleted)
}
