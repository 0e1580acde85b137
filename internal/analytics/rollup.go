package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/civicpulse/backend/internal/txn"
	"github.com/civicpulse/backend/internal/votes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNewMaterializer = "analytics.materializer.new"
	opRefresh         = "analytics.refresh_rollup"

	reasonRefreshFailed = "refresh_failed"

	rollupStateID = 1

	bucketColumns = "family, message_id, geo_bucket, party_bucket, demo_bucket, day"
)

// MaterializerConfig lists the dependencies of the Materializer.
type MaterializerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Retry    txn.Policy
	Logger   *zap.Logger
}

// Materializer rebuilds the rollup table from the live shards.
type Materializer struct {
	db     *gorm.DB
	clock  func() time.Time
	retry  txn.Policy
	logger *zap.Logger
}

// RefreshResult describes the snapshot a refresh captured.
type RefreshResult struct {
	Buckets      int64
	ShardRows    int64
	CounterSum   int64
	ShardVersion int64
}

// NewMaterializer validates the configuration and applies defaults.
func NewMaterializer(cfg MaterializerConfig) (*Materializer, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opNewMaterializer, reasonMissingDatabase, errMissingDatabase)
	}
	materializer := &Materializer{db: cfg.Database, clock: cfg.Clock, retry: cfg.Retry, logger: cfg.Logger}
	if materializer.clock == nil {
		materializer.clock = time.Now
	}
	if materializer.retry.Attempts <= 0 {
		materializer.retry = txn.DefaultPolicy()
	}
	if materializer.logger == nil {
		materializer.logger = noOpLogger
	}
	return materializer, nil
}

// Refresh replaces the rollup with the per-bucket sums of the shards and records
// the watermark of the snapshot it summed. Both happen in one transaction, so
// the rollup and its watermark always describe the same shard state.
func (m *Materializer) Refresh(ctx context.Context) (RefreshResult, error) {
	var result RefreshResult
	err := txn.Run(ctx, m.db, m.retry, func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Rollup{}).Error; err != nil {
			return err
		}
		insert := "INSERT INTO " + Rollup{}.TableName() +
			" (" + bucketColumns + ", love_count, like_count, dislike_count, hate_count, updated_at) " +
			"SELECT " + bucketColumns + ", SUM(love_count), SUM(like_count), SUM(dislike_count), SUM(hate_count), MAX(updated_at) " +
			"FROM " + votes.Shard{}.TableName() + " GROUP BY " + bucketColumns
		inserted := tx.Exec(insert)
		if inserted.Error != nil {
			return inserted.Error
		}

		mark, err := liveWatermark(tx)
		if err != nil {
			return err
		}
		version, err := votes.CurrentShardVersion(tx)
		if err != nil {
			return err
		}
		state := RollupState{
			ID:                 rollupStateID,
			ShardVersion:       version,
			ShardRows:          mark.ShardRows,
			CounterSum:         mark.CounterSum,
			MaxUpdatedAtNanos:  mark.MaxUpdatedAtNanos,
			RefreshedAtSeconds: m.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&state).Error; err != nil {
			return err
		}
		result = RefreshResult{
			Buckets:      inserted.RowsAffected,
			ShardRows:    mark.ShardRows,
			CounterSum:   mark.CounterSum,
			ShardVersion: version,
		}
		return nil
	})
	if err != nil {
		m.logger.Error("rollup refresh failed",
			zap.String("operation", opRefresh),
			zap.String("reason", reasonRefreshFailed),
			zap.Error(err))
		return RefreshResult{}, apperr.Internal(opRefresh, reasonRefreshFailed, err)
	}
	m.logger.Info("rollup refreshed",
		zap.Int64("buckets", result.Buckets),
		zap.Int64("shard_rows", result.ShardRows),
		zap.Int64("counter_sum", result.CounterSum),
		zap.Int64("shard_version", result.ShardVersion))
	return result, nil
}

func liveWatermark(tx *gorm.DB) (watermark, error) {
	var mark watermark
	err := tx.Model(&votes.Shard{}).
		Select("COUNT(*) AS shard_rows, " +
			"COALESCE(SUM(love_count + like_count + dislike_count + hate_count), 0) AS counter_sum, " +
			"COALESCE(MAX(updated_at), 0) AS max_updated_at").
		Scan(&mark).Error
	return mark, err
}

// rollupIsCurrent reports whether no shard write committed since the last refresh.
// It reads two single rows, so checking is cheap next to the grouped query it guards.
// A zero version predates the write sequence and is never trusted.
func rollupIsCurrent(tx *gorm.DB) (bool, error) {
	var state RollupState
	err := tx.Where("id = ?", rollupStateID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if state.ShardVersion == 0 {
		return false, nil
	}
	version, err := votes.CurrentShardVersion(tx)
	if err != nil {
		return false, err
	}
	return version == state.ShardVersion, nil
}
