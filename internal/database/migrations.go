package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/avatars"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearFutureAvatarTimestamps = "2026-09-01_clear_future_avatar_timestamps"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, time.Time) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	return applyMigrationsAt(db, logger, time.Now)
}

func applyMigrationsAt(db *gorm.DB, logger *zap.Logger, clock func() time.Time) error {
	migrations := []migrationDefinition{
		{name: migrationClearFutureAvatarTimestamps, apply: clearFutureAvatarTimestamps},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := clock().UTC()
		if err := migration.apply(db, now); err != nil {
			return err
		}
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: now.Unix()}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clearFutureAvatarTimestamps marks cache rows written under a skewed clock as stale.
func clearFutureAvatarTimestamps(db *gorm.DB, now time.Time) error {
	return db.Model(&avatars.CacheRecord{}).
		Where("fetched_at_ms > ?", now.UnixMilli()).
		Update("fetched_at_ms", 0).Error
}
