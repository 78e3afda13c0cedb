package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/consultation-backend/pkg/types"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

const (
	// ConsultationTableName is the default table name for consultations
	ConsultationTableName = "consultation"
)

// Consultation is the consultation side of the store.
type Consultation interface {
	CreateConsultation(ctx context.Context, c *ConsultationModel) error
	GetConsultation(ctx context.Context, ref types.ConsultationRef) (*ConsultationModel, error)
	AdvanceStage(ctx context.Context, ref types.ConsultationRef, from, to types.Stage, patch StagePatch) error
	SetEmbeddingRef(ctx context.Context, ref types.ConsultationRef, embeddingRef string) error
	SetDocumentClass(ctx context.Context, ref types.ConsultationRef, class string) error
}

// ConsultationModel is the durable record of a consultation.
type ConsultationModel struct {
	TenantID       string      `gorm:"column:tenant_id;size:128;primaryKey" json:"tenant_id"`
	ConsultationID string      `gorm:"column:consultation_id;size:128;primaryKey" json:"consultation_id"`
	Stage          types.Stage `gorm:"column:stage;size:32;not null" json:"stage"`
	// SourceBucket and SourceKey locate the intake document.
	SourceBucket string `gorm:"column:source_bucket;size:255" json:"source_bucket"`
	SourceKey    string `gorm:"column:source_key" json:"source_key"`
	SilverKey    string `gorm:"column:silver_key" json:"silver_key"`
	GoldKey      string `gorm:"column:gold_key" json:"gold_key"`

	EntitiesJSON datatypes.JSON         `gorm:"column:entities" json:"-"`
	Entities     []types.DetectedEntity `gorm:"-" json:"entities"`

	EmbeddingRef  string `gorm:"column:embedding_ref" json:"embedding_ref"`
	DocumentClass string `gorm:"column:document_class;size:255" json:"document_class"`
	Error         string `gorm:"column:error" json:"error"`

	CreateTime time.Time `gorm:"column:create_time;not null" json:"create_time"`
	UpdateTime time.Time `gorm:"column:update_time;not null" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (ConsultationModel) TableName() string {
	return ConsultationTableName
}

// Ref returns the identity of the consultation.
func (c *ConsultationModel) Ref() types.ConsultationRef {
	return types.ConsultationRef{TenantID: c.TenantID, ConsultationID: c.ConsultationID}
}

// ConsultationColumns are the columns of the consultation table.
type ConsultationColumns struct {
	TenantID       string
	ConsultationID string
	Stage          string
	SourceBucket   string
	SourceKey      string
	SilverKey      string
	GoldKey        string
	Entities       string
	EmbeddingRef   string
	DocumentClass  string
	Error          string
	CreateTime     string
	UpdateTime     string
}

// ConsultationColumn is the column name set of the consultation table.
var ConsultationColumn = ConsultationColumns{
	TenantID:       "tenant_id",
	ConsultationID: "consultation_id",
	Stage:          "stage",
	SourceBucket:   "source_bucket",
	SourceKey:      "source_key",
	SilverKey:      "silver_key",
	GoldKey:        "gold_key",
	Entities:       "entities",
	EmbeddingRef:   "embedding_ref",
	DocumentClass:  "document_class",
	Error:          "error",
	CreateTime:     "create_time",
	UpdateTime:     "update_time",
}

// StagePatch holds the attributes written together with a stage transition.
// Nil fields are left untouched. A non-nil, empty Entities slice stores an
// empty entity list.
type StagePatch struct {
	SilverKey     *string
	GoldKey       *string
	Entities      []types.DetectedEntity
	EmbeddingRef  *string
	DocumentClass *string
	Error         *string
}

func (p StagePatch) updates() (map[string]any, error) {
	m := map[string]any{}
	if p.SilverKey != nil {
		m[ConsultationColumn.SilverKey] = *p.SilverKey
	}
	if p.GoldKey != nil {
		m[ConsultationColumn.GoldKey] = *p.GoldKey
	}
	if p.Entities != nil {
		b, err := json.Marshal(p.Entities)
		if err != nil {
			return nil, fmt.Errorf("encoding entities: %w", err)
		}
		m[ConsultationColumn.Entities] = datatypes.JSON(b)
	}
	if p.EmbeddingRef != nil {
		m[ConsultationColumn.EmbeddingRef] = *p.EmbeddingRef
	}
	if p.DocumentClass != nil {
		m[ConsultationColumn.DocumentClass] = *p.DocumentClass
	}
	if p.Error != nil {
		m[ConsultationColumn.Error] = *p.Error
	}
	return m, nil
}

// StaleStateError is returned when a conditional stage transition finds the
// consultation in another stage than the expected one.
type StaleStateError struct {
	Ref      types.ConsultationRef
	Expected types.Stage
	Observed types.Stage
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("consultation %s: expected stage %s, observed %s", e.Ref, e.Expected, e.Observed)
}

// Is makes StaleStateError match errdomain.ErrStaleState.
func (e *StaleStateError) Is(target error) bool {
	return target == errdomain.ErrStaleState
}

// AsStaleState extracts the StaleStateError of an error chain.
func AsStaleState(err error) (*StaleStateError, bool) {
	var se *StaleStateError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func (r *repository) consultations(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.tables.Consultation)
}

func whereConsultation(ref types.ConsultationRef) (string, []any) {
	where := fmt.Sprintf("%s = ? AND %s = ?", ConsultationColumn.TenantID, ConsultationColumn.ConsultationID)
	return where, []any{ref.TenantID, ref.ConsultationID}
}

// CreateConsultation inserts a consultation in the INTAKE_RECEIVED stage. It
// returns ErrAlreadyExists if the consultation is already recorded.
func (r *repository) CreateConsultation(ctx context.Context, c *ConsultationModel) error {
	if err := c.Ref().Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	c.Stage = types.StageIntakeReceived
	c.CreateTime = now
	c.UpdateTime = now

	result := r.consultations(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if result.Error != nil {
		return fmt.Errorf("creating consultation %s: %w", c.Ref(), result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("consultation %s: %w", c.Ref(), errdomain.ErrAlreadyExists)
	}
	return nil
}

// GetConsultation returns the consultation identified by ref.
func (r *repository) GetConsultation(ctx context.Context, ref types.ConsultationRef) (*ConsultationModel, error) {
	var c ConsultationModel
	where, args := whereConsultation(ref)
	if err := r.consultations(ctx).Where(where, args...).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("consultation %s: %w", ref, errdomain.ErrNotFound)
		}
		return nil, err
	}

	if len(c.EntitiesJSON) > 0 {
		if err := json.Unmarshal(c.EntitiesJSON, &c.Entities); err != nil {
			return nil, fmt.Errorf("decoding entities of consultation %s: %w", ref, err)
		}
	}
	return &c, nil
}

// AdvanceStage moves the consultation from one stage to the next and applies
// the patch in the same conditional write. Transitions the state machine
// forbids are rejected before touching the storage. If the stored stage isn't
// from, a *StaleStateError carrying the observed stage is returned.
func (r *repository) AdvanceStage(ctx context.Context, ref types.ConsultationRef, from, to types.Stage, patch StagePatch) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %w: consultation can't leave %s", errdomain.ErrValidation, errdomain.ErrTerminalStage, from)
	}
	if !types.CanTransition(from, to) {
		return fmt.Errorf("%w: transition %s -> %s isn't allowed", errdomain.ErrValidation, from, to)
	}

	updates, err := patch.updates()
	if err != nil {
		return err
	}
	updates[ConsultationColumn.Stage] = to
	updates[ConsultationColumn.UpdateTime] = time.Now().UTC()

	return r.conditionalUpdate(ctx, ref, from, updates)
}

// SetEmbeddingRef stores the embedding reference of a consultation. Only the
// embedding field is written, and only while the consultation is in the
// EMBEDDING stage.
func (r *repository) SetEmbeddingRef(ctx context.Context, ref types.ConsultationRef, embeddingRef string) error {
	return r.conditionalUpdate(ctx, ref, types.StageEmbedding, map[string]any{
		ConsultationColumn.EmbeddingRef: embeddingRef,
		ConsultationColumn.UpdateTime:   time.Now().UTC(),
	})
}

func (r *repository) conditionalUpdate(ctx context.Context, ref types.ConsultationRef, from types.Stage, updates map[string]any) error {
	where, args := whereConsultation(ref)
	where += fmt.Sprintf(" AND %s = ?", ConsultationColumn.Stage)
	args = append(args, from)

	result := r.consultations(ctx).Where(where, args...).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("updating consultation %s: %w", ref, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := r.GetConsultation(ctx, ref)
	if err != nil {
		return err
	}
	return &StaleStateError{Ref: ref, Expected: from, Observed: current.Stage}
}

// SetDocumentClass stores the classification label of the intake document.
// The stage is never touched.
func (r *repository) SetDocumentClass(ctx context.Context, ref types.ConsultationRef, class string) error {
	where, args := whereConsultation(ref)
	result := r.consultations(ctx).Where(where, args...).Updates(map[string]any{
		ConsultationColumn.DocumentClass: class,
		ConsultationColumn.UpdateTime:    time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("updating consultation %s: %w", ref, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("consultation %s: %w", ref, errdomain.ErrNotFound)
	}
	return nil
}
