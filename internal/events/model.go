package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the event kinds in a user's stream.
type EventType string

const (
	// EventTypePostCreated records a qualifying post.
	EventTypePostCreated EventType = "PostCreated"
	// EventTypeDayClosed records that a local day has been closed.
	EventTypeDayClosed EventType = "DayClosed"
)

const (
	maxIdentifierLength = 190
	seqKeyWidth         = 12
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("events: invalid user id")
	// ErrInvalidPost indicates a PostCreated payload without a post id or with a negative length.
	ErrInvalidPost = errors.New("events: invalid post")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Event is one immutable entry of a user's append-only stream.
type Event struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null;uniqueIndex:idx_events_idempotency,priority:1"`
	Seq            int64     `gorm:"column:seq;primaryKey;autoIncrement:false;not null"`
	SeqKey         string    `gorm:"column:seq_key;size:20;not null"`
	Type           EventType `gorm:"column:type;size:32;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	DayKey         string    `gorm:"column:day_key;size:10;not null"`
	IdempotencyKey string    `gorm:"column:idempotency_key;size:400;not null;uniqueIndex:idx_events_idempotency,priority:2"`
	PayloadJSON    string    `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "user_events"
}

// PostPayload is the payload of a PostCreated event.
type PostPayload struct {
	PostID        string `json:"postId"`
	BoardID       string `json:"boardId"`
	ContentLength int    `json:"contentLength"`
}

// PostPayload decodes the payload of a PostCreated event.
func (event Event) PostPayload() (PostPayload, error) {
	if event.Type != EventTypePostCreated {
		return PostPayload{}, fmt.Errorf("events: %s carries no post payload", event.Type)
	}
	var payload PostPayload
	if err := json.Unmarshal([]byte(event.PayloadJSON), &payload); err != nil {
		return PostPayload{}, err
	}
	return payload, nil
}

// EventMeta is the per-user append cursor. It changes only in the
// transaction that appends an event, guarded by Version.
type EventMeta struct {
	UserID              string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastSeq             int64     `gorm:"column:last_seq;not null;default:0"`
	LastClosedLocalDate string    `gorm:"column:last_closed_local_date;size:10;not null;default:''"`
	Version             int64     `gorm:"column:version;not null;default:0"`
	Halted              bool      `gorm:"column:halted;not null;default:false"`
	HaltReason          string    `gorm:"column:halt_reason;type:text;not null;default:''"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (EventMeta) TableName() string {
	return "user_event_meta"
}

// PostCreated describes a post to record.
type PostCreated struct {
	PostID        string
	BoardID       string
	ContentLength int
	// OccurredAt decides the event's day key. Zero means now.
	OccurredAt time.Time
}

// AppendResult reports whether an append wrote a new event.
// For idempotent no-ops Appended is false and Event is the previously
// recorded event when one exists.
type AppendResult struct {
	Event    Event
	Appended bool
}

// SeqKey renders a seq as a fixed-width key whose lexicographic order
// matches numeric order.
func SeqKey(seq int64) string {
	return fmt.Sprintf("%0*d", seqKeyWidth, seq)
}

// DayClosedIdempotencyKey returns the idempotency key of a DayClosed event.
func DayClosedIdempotencyKey(userID UserID, dayKey string) string {
	return fmt.Sprintf("%s:%s:closed", userID, dayKey)
}

// PostCreatedIdempotencyKey returns the idempotency key of a PostCreated event.
func PostCreatedIdempotencyKey(userID UserID, postID string) string {
	return fmt.Sprintf("%s:%s:posted", userID, postID)
}
