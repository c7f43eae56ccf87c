// Package database bootstraps the GORM connection used by the piece-state
// adapter, switching dialector and tuning the pool from config.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jigsawhub/puzzle-hub/config"
)

// GlobalDB holds the singleton database connection, a package-level escape
// hatch for components not handed a *gorm.DB explicitly.
var GlobalDB *gorm.DB

// GetLegacyDB returns the underlying *sql.DB, for health checks and metrics
// that need raw pool stats rather than a GORM session.
func GetLegacyDB() (*sql.DB, error) {
	if GlobalDB == nil {
		return nil, fmt.Errorf("global database not initialized")
	}
	return GlobalDB.DB()
}

// NewDatabase opens a connection per cfg and stores it as GlobalDB.
func NewDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err == nil {
		GlobalDB = db
	}
	return db, err
}

// Open opens a connection per cfg without touching GlobalDB, for
// secondary connections (e.g. test databases).
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if cfg.Driver == "postgres" {
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetMaxIdleConns(10)
	} else {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}
