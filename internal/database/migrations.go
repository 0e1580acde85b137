package database

import (
	"errors"
	"time"

	"github.com/civicpulse/backend/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeStatuses  = "2024-03-02_normalize_catalog_statuses"
	migrationPurgeOrphanedPairs = "2024-05-19_purge_orphaned_ab_pairs"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeStatuses, apply: normalizeStatuses},
		{name: migrationPurgeOrphanedPairs, apply: purgeOrphanedPairs},
	}
}

// applyMigrations runs each named migration once, recording it in the same
// transaction as its data change.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeStatuses lowercases status values and parks anything unknown as inactive.
func normalizeStatuses(db *gorm.DB) error {
	known := []catalog.Status{catalog.StatusActive, catalog.StatusInactive}
	for _, model := range []interface{}{&catalog.Message{}, &catalog.ABPair{}} {
		if err := db.Model(model).
			Where("status <> LOWER(TRIM(status))").
			Update("status", gorm.Expr("LOWER(TRIM(status))")).Error; err != nil {
			return err
		}
		if err := db.Model(model).
			Where("status NOT IN ?", known).
			Update("status", catalog.StatusInactive).Error; err != nil {
			return err
		}
	}
	return nil
}

// purgeOrphanedPairs removes pairs left behind by messages deleted before
// deletes cascaded.
func purgeOrphanedPairs(db *gorm.DB) error {
	existing := db.Model(&catalog.Message{}).Select("id")
	return db.
		Where("message_a_id NOT IN (?) OR message_b_id NOT IN (?)", existing, existing).
		Delete(&catalog.ABPair{}).Error
}
