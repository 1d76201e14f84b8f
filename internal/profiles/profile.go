package profiles

import (
	"strings"
	"time"
)

// Profile captures the per-user settings the streak service depends on.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Timezone  string    `gorm:"column:timezone;size:64;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
