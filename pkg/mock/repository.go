package mock

import (
	"fmt"
	"testing"

	"github.com/gofrs/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/instill-ai/consultation-backend/pkg/repository"
)

// NewRepository returns a repository backed by a private in-memory SQLite
// database with the store tables created. The database is closed when the
// test ends.
func NewRepository(tb testing.TB) repository.Repository {
	tb.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.Must(uuid.NewV4()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		tb.Fatalf("opening sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("getting sqlite connection: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	tables := repository.DefaultTables()
	for table, model := range map[string]any{
		tables.Consultation:    &repository.ConsultationModel{},
		tables.StageJob:        &repository.StageJobModel{},
		tables.PipelineRequest: &repository.PipelineRequestModel{},
	} {
		if err := db.Table(table).AutoMigrate(model); err != nil {
			tb.Fatalf("migrating %s: %v", table, err)
		}
	}

	return repository.NewRepository(db, tables)
}
