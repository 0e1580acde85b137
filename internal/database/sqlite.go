package database

import (
	"errors"
	"fmt"

	"github.com/civicpulse/backend/internal/analytics"
	"github.com/civicpulse/backend/internal/catalog"
	"github.com/civicpulse/backend/internal/votes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

var errMissingPath = errors.New("database path is required")

// Options tune how OpenSQLite prepares the connection.
type Options struct {
	Path    string
	Tracing bool
	Logger  *zap.Logger
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(options Options) (*gorm.DB, error) {
	if options.Path == "" {
		return nil, errMissingPath
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(options.Path), &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(logger),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one writer keeps sqlite from returning SQLITE_BUSY between concurrent transactions
	sqlDB.SetMaxOpenConns(1)

	if options.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("enable query tracing: %w", err)
		}
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", options.Path), zap.Bool("tracing", options.Tracing))
	return db, nil
}

// Models lists every table the service owns.
func Models() []interface{} {
	return []interface{}{
		&catalog.Message{},
		&catalog.ABPair{},
		&votes.Shard{},
		&votes.ShardVersion{},
		&votes.IdempotencyRecord{},
		&analytics.Rollup{},
		&analytics.RollupState{},
		&migrationRecord{},
	}
}
