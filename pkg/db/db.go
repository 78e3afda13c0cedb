package db

import (
	"fmt"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/instill-ai/consultation-backend/config"
)

var db *gorm.DB
var once sync.Once

// DSN builds the Postgres data source name of the configured database.
func DSN(cfg config.DatabaseConfig) string {
	timeZone := cfg.TimeZone
	if timeZone == "" {
		timeZone = "Etc/UTC"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
		cfg.Host,
		cfg.Username,
		cfg.Password,
		cfg.Name,
		cfg.Port,
		timeZone,
	)
}

// GetConnection opens a gorm connection pool to the configured database.
func GetConnection(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	conn, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  DSN(cfg),
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		QueryFields: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	if debug {
		conn.Logger = logger.Default.LogMode(logger.Info)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}

	if cfg.Pool.IdleConnections > 0 {
		sqlDB.SetMaxIdleConns(cfg.Pool.IdleConnections)
	}
	if cfg.Pool.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxConnections)
	}
	if cfg.Pool.ConnLifeTime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Pool.ConnLifeTime)
	}

	return conn, nil
}

// GetSharedConnection returns the process-wide connection built from the
// global configuration.
func GetSharedConnection() *gorm.DB {
	once.Do(func() {
		var err error
		db, err = GetConnection(config.Config.Database, config.Config.Server.Debug)
		if err != nil {
			panic(err)
		}
	})
	return db
}

// Close closes the connection pool behind a gorm connection.
func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	_ = sqlDB.Close()
}
