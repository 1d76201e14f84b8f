// Package recovery implements the streak state machine: a pure transition over
// closed working days with a bounded recovery window after a missed day.
package recovery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StatusType enumerates the recovery states.
type StatusType string

const (
	// StatusOnStreak means no recovery window is open.
	StatusOnStreak StatusType = "ON_STREAK"
	// StatusEligible means a missed day opened a recovery window.
	StatusEligible StatusType = "ELIGIBLE"
	// StatusMissed means the last recovery window expired unmet.
	StatusMissed StatusType = "MISSED"
)

var historyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("writestreak/recovery-history/v1"))

// Status is the recovery status value object. The eligible fields are only
// meaningful, and only serialized, while Type is StatusEligible.
type Status struct {
	Type          StatusType
	PostsRequired int
	CurrentPosts  int
	Deadline      time.Time
	DeadlineDate  string
	MissedDate    string
}

// OnStreak returns the ON_STREAK status.
func OnStreak() Status {
	return Status{Type: StatusOnStreak}
}

// Missed returns the MISSED status.
func Missed() Status {
	return Status{Type: StatusMissed}
}

type eligiblePayload struct {
	Type          StatusType `json:"type"`
	PostsRequired int        `json:"postsRequired"`
	CurrentPosts  int        `json:"currentPosts"`
	Deadline      time.Time  `json:"deadline"`
	DeadlineDate  string     `json:"deadlineDate"`
	MissedDate    string     `json:"missedDate"`
}

type bareStatusPayload struct {
	Type StatusType `json:"type"`
}

// MarshalJSON emits only the fields of the active variant.
func (status Status) MarshalJSON() ([]byte, error) {
	if status.Type == StatusEligible {
		return json.Marshal(eligiblePayload{
			Type:          status.Type,
			PostsRequired: status.PostsRequired,
			CurrentPosts:  status.CurrentPosts,
			Deadline:      status.Deadline.UTC(),
			DeadlineDate:  status.DeadlineDate,
			MissedDate:    status.MissedDate,
		})
	}
	statusType := status.Type
	if statusType == "" {
		statusType = StatusOnStreak
	}
	return json.Marshal(bareStatusPayload{Type: statusType})
}

// UnmarshalJSON accepts the variant encodings produced by MarshalJSON.
func (status *Status) UnmarshalJSON(data []byte) error {
	var payload eligiblePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	switch payload.Type {
	case StatusEligible:
		*status = Status{
			Type:          StatusEligible,
			PostsRequired: payload.PostsRequired,
			CurrentPosts:  payload.CurrentPosts,
			Deadline:      payload.Deadline,
			DeadlineDate:  payload.DeadlineDate,
			MissedDate:    payload.MissedDate,
		}
	case StatusOnStreak, StatusMissed:
		*status = Status{Type: payload.Type}
	default:
		return fmt.Errorf("recovery: unknown status type %q", payload.Type)
	}
	return nil
}

// StreakInfo is the per-user streak projection.
type StreakInfo struct {
	LastContributionDate string    `json:"lastContributionDate"`
	LastCalculated       time.Time `json:"lastCalculated"`
	Status               Status    `json:"status"`
	CurrentStreak        int       `json:"currentStreak"`
	LongestStreak        int       `json:"longestStreak"`
	OriginalStreak       int       `json:"originalStreak"`
}

// NewStreakInfo returns the state of a user with no history.
func NewStreakInfo() StreakInfo {
	return StreakInfo{Status: OnStreak()}
}

// History records how a recovery window was resolved.
type History struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	MissedDate    string    `json:"missedDate"`
	RecoveryDate  string    `json:"recoveryDate"`
	PostsRequired int       `json:"postsRequired"`
	PostsWritten  int       `json:"postsWritten"`
	RecoveredAt   time.Time `json:"recoveredAt"`
	Successful    bool      `json:"successful"`
}

// HistoryID derives the stable identifier of the history entry for a missed day.
func HistoryID(userID, missedDate string) string {
	return uuid.NewSHA1(historyNamespace, []byte(userID+":"+missedDate)).String()
}

// NewHistory builds the history entry for a resolution.
func NewHistory(userID string, resolution Resolution) History {
	return History{
		ID:            HistoryID(userID, resolution.MissedDate),
		UserID:        userID,
		MissedDate:    resolution.MissedDate,
		RecoveryDate:  resolution.RecoveryDate,
		PostsRequired: resolution.PostsRequired,
		PostsWritten:  resolution.PostsWritten,
		RecoveredAt:   resolution.ResolvedAt.UTC(),
		Successful:    resolution.Successful,
	}
}
