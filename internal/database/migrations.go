package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillBlankNoteTitles = "2026-09-14_backfill_blank_note_titles"

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
		{name: migrationBackfillBlankNoteTitles, apply: backfillBlankNoteTitles},
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

// Notes imported before titles became mandatory carry blank titles; the editor lists them as Untitled.
func backfillBlankNoteTitles(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where("TRIM(title) = ''").
		Update("title", notes.DefaultTitle).Error
}
