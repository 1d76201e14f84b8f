// Package activity reads raw postings, the authoritative record of what users wrote.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Posting is a raw post as recorded by the posting system.
type Posting struct {
	PostID        string    `gorm:"column:post_id;primaryKey;size:190;not null"`
	BoardID       string    `gorm:"column:board_id;size:190;not null"`
	AuthorID      string    `gorm:"column:author_id;size:190;not null;index:idx_postings_author_created,priority:1"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index:idx_postings_author_created,priority:2"`
	ContentLength int       `gorm:"column:content_length;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Posting) TableName() string {
	return "postings"
}

// Source lists postings for an author.
type Source interface {
	ListPostings(ctx context.Context, authorID string, from, to time.Time) ([]Posting, error)
	EarliestPosting(ctx context.Context, authorID string) (Posting, bool, error)
}

// GormSource reads postings from the postings table.
type GormSource struct {
	db *gorm.DB
}

// NewGormSource constructs a table-backed activity source.
func NewGormSource(db *gorm.DB) (*GormSource, error) {
	if db == nil {
		return nil, fmt.Errorf("activity: database connection required")
	}
	return &GormSource{db: db}, nil
}

// ListPostings returns the author's postings with from <= createdAt < to,
// ordered by creation time then post id.
func (source *GormSource) ListPostings(ctx context.Context, authorID string, from, to time.Time) ([]Posting, error) {
	var postings []Posting
	if err := source.db.WithContext(ctx).
		Where("author_id = ? AND created_at >= ? AND created_at < ?", authorID, from.UTC(), to.UTC()).
		Order("created_at ASC, post_id ASC").
		Find(&postings).Error; err != nil {
		return nil, err
	}
	return postings, nil
}

// EarliestPosting returns the author's first posting, if any.
func (source *GormSource) EarliestPosting(ctx context.Context, authorID string) (Posting, bool, error) {
	var posting Posting
	err := source.db.WithContext(ctx).
		Where("author_id = ?", authorID).
		Order("created_at ASC, post_id ASC").
		Take(&posting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Posting{}, false, nil
	}
	if err != nil {
		return Posting{}, false, err
	}
	return posting, true, nil
}

// Record stores a posting. Used by seeding tools and tests; production
// postings are written by the posting system.
func (source *GormSource) Record(ctx context.Context, posting Posting) error {
	posting.CreatedAt = posting.CreatedAt.UTC()
	return source.db.WithContext(ctx).Create(&posting).Error
}
