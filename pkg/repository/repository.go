package repository

import (
	"gorm.io/gorm"
)

// Repository is the Job Status Store of the pipeline. Every mutation is a
// conditional write so duplicate and concurrent deliveries of the same event
// can't apply an effect twice.
type Repository interface {
	Consultation
	StageJob
	PipelineRequest
}

// Tables holds the table names of the store.
type Tables struct {
	Consultation    string
	StageJob        string
	PipelineRequest string
}

// DefaultTables returns the table names created by the SQL migrations.
func DefaultTables() Tables {
	return Tables{
		Consultation:    ConsultationTableName,
		StageJob:        StageJobTableName,
		PipelineRequest: PipelineRequestTableName,
	}
}

type repository struct {
	db     *gorm.DB
	tables Tables
}

// NewRepository returns a store backed by db. Empty table names fall back to
// the defaults.
func NewRepository(db *gorm.DB, tables Tables) Repository {
	def := DefaultTables()
	if tables.Consultation == "" {
		tables.Consultation = def.Consultation
	}
	if tables.StageJob == "" {
		tables.StageJob = def.StageJob
	}
	if tables.PipelineRequest == "" {
		tables.PipelineRequest = def.PipelineRequest
	}

	return &repository{
		db:     db,
		tables: tables,
	}
}
