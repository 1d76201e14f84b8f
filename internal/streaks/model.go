package streaks

import (
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/recovery"
)

// StreakRecord is the persisted StreakInfo projection, one row per user.
type StreakRecord struct {
	UserID               string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastContributionDate string     `gorm:"column:last_contribution_date;size:10;not null;default:''"`
	LastCalculated       *time.Time `gorm:"column:last_calculated"`
	StatusType           string     `gorm:"column:status_type;size:16;not null"`
	PostsRequired        int        `gorm:"column:posts_required;not null;default:0"`
	CurrentPosts         int        `gorm:"column:current_posts;not null;default:0"`
	Deadline             *time.Time `gorm:"column:deadline"`
	DeadlineDate         string     `gorm:"column:deadline_date;size:10;not null;default:''"`
	MissedDate           string     `gorm:"column:missed_date;size:10;not null;default:''"`
	CurrentStreak        int        `gorm:"column:current_streak;not null;default:0"`
	LongestStreak        int        `gorm:"column:longest_streak;not null;default:0"`
	OriginalStreak       int        `gorm:"column:original_streak;not null;default:0"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (StreakRecord) TableName() string {
	return "streaks"
}

// HistoryRecord is a persisted RecoveryHistory entry. ID is derived from
// (user, missed date) so replays overwrite rather than duplicate.
type HistoryRecord struct {
	ID            string    `gorm:"column:id;primaryKey;size:36;not null"`
	UserID        string    `gorm:"column:user_id;size:190;not null;index:idx_recovery_history_user,priority:1"`
	MissedDate    string    `gorm:"column:missed_date;size:10;not null;index:idx_recovery_history_user,priority:2"`
	RecoveryDate  string    `gorm:"column:recovery_date;size:10;not null"`
	PostsRequired int       `gorm:"column:posts_required;not null"`
	PostsWritten  int       `gorm:"column:posts_written;not null"`
	RecoveredAt   time.Time `gorm:"column:recovered_at;not null"`
	Successful    bool      `gorm:"column:successful;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryRecord) TableName() string {
	return "recovery_history"
}

func recordFromInfo(userID string, info recovery.StreakInfo, updatedAt time.Time) StreakRecord {
	record := StreakRecord{
		UserID:               userID,
		LastContributionDate: info.LastContributionDate,
		StatusType:           string(info.Status.Type),
		CurrentStreak:        info.CurrentStreak,
		LongestStreak:        info.LongestStreak,
		OriginalStreak:       info.OriginalStreak,
		UpdatedAt:            updatedAt.UTC(),
	}
	if record.StatusType == "" {
		record.StatusType = string(recovery.StatusOnStreak)
	}
	if !info.LastCalculated.IsZero() {
		lastCalculated := info.LastCalculated.UTC()
		record.LastCalculated = &lastCalculated
	}
	if info.Status.Type == recovery.StatusEligible {
		deadline := info.Status.Deadline.UTC()
		record.PostsRequired = info.Status.PostsRequired
		record.CurrentPosts = info.Status.CurrentPosts
		record.Deadline = &deadline
		record.DeadlineDate = info.Status.DeadlineDate
		record.MissedDate = info.Status.MissedDate
	}
	return record
}

func (record StreakRecord) info() recovery.StreakInfo {
	info := recovery.StreakInfo{
		LastContributionDate: record.LastContributionDate,
		CurrentStreak:        record.CurrentStreak,
		LongestStreak:        record.LongestStreak,
		OriginalStreak:       record.OriginalStreak,
	}
	if record.LastCalculated != nil {
		info.LastCalculated = record.LastCalculated.UTC()
	}
	switch recovery.StatusType(record.StatusType) {
	case recovery.StatusEligible:
		info.Status = recovery.Status{
			Type:          recovery.StatusEligible,
			PostsRequired: record.PostsRequired,
			CurrentPosts:  record.CurrentPosts,
			DeadlineDate:  record.DeadlineDate,
			MissedDate:    record.MissedDate,
		}
		if record.Deadline != nil {
			info.Status.Deadline = record.Deadline.UTC()
		}
	case recovery.StatusMissed:
		info.Status = recovery.Missed()
	default:
		info.Status = recovery.OnStreak()
	}
	return info
}

func historyRecord(entry recovery.History) HistoryRecord {
	return HistoryRecord{
		ID:            entry.ID,
		UserID:        entry.UserID,
		MissedDate:    entry.MissedDate,
		RecoveryDate:  entry.RecoveryDate,
		PostsRequired: entry.PostsRequired,
		PostsWritten:  entry.PostsWritten,
		RecoveredAt:   entry.RecoveredAt.UTC(),
		Successful:    entry.Successful,
	}
}

func (record HistoryRecord) history() recovery.History {
	return recovery.History{
		ID:            record.ID,
		UserID:        record.UserID,
		MissedDate:    record.MissedDate,
		RecoveryDate:  record.RecoveryDate,
		PostsRequired: record.PostsRequired,
		PostsWritten:  record.PostsWritten,
		RecoveredAt:   record.RecoveredAt.UTC(),
		Successful:    record.Successful,
	}
}
