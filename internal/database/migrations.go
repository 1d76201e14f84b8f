package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationEventPostCountIndex = "2025-02-03_event_post_count_index"

	eventPostCountIndexName = "idx_events_user_type_day"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationEventPostCountIndex, apply: createEventPostCountIndex},
	}

	for _, migration := range migrations {
		var records []migrationRecord
		if err := db.Where("name = ?", migration.name).Limit(1).Find(&records).Error; err != nil {
			return err
		}
		if len(records) > 0 {
			continue
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

// createEventPostCountIndex orders the post counting index as equality columns
// first (user, type) and the day range last, which struct tags cannot pin
// independently of field order.
func createEventPostCountIndex(db *gorm.DB) error {
	if db.Migrator().HasIndex(&events.Event{}, eventPostCountIndexName) {
		return nil
	}
	statement := fmt.Sprintf(
		"CREATE INDEX %s ON %s (user_id, type, day_key)",
		eventPostCountIndexName,
		events.Event{}.TableName(),
	)
	return db.Exec(statement).Error
}
