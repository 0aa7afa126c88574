package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeDegenerateSnapshots = "2026-07-12_purge_degenerate_snapshots"

// Snapshots at or below this size encode an empty document. Earlier builds
// could write them during teardown; hydration would then skip the full
// update replay and come up empty.
const degenerateSnapshotByteThreshold = 2

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPurgeDegenerateSnapshots, apply: purgeDegenerateSnapshots},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func purgeDegenerateSnapshots(db *gorm.DB) error {
	return db.
		Where("length(payload) <= ?", degenerateSnapshotByteThreshold).
		Delete(&store.SnapshotRecord{}).Error
}
