package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("profiles: invalid user id")
	// ErrInvalidTimezone indicates a stored or supplied timezone that does not resolve.
	ErrInvalidTimezone = errors.New("profiles: invalid timezone")
)

// ServiceConfig describes the dependencies required for profile lookups.
type ServiceConfig struct {
	Database        *gorm.DB
	DefaultTimezone string
}

// Service resolves user timezones. Resolved locations are cached per user.
type Service struct {
	db              *gorm.DB
	defaultLocation *time.Location
	cache           sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profiles: database connection required")
	}
	location, err := calendar.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("%w: default %q", ErrInvalidTimezone, cfg.DefaultTimezone)
	}
	return &Service{
		db:              cfg.Database,
		defaultLocation: location,
		cache:           sync.Map{},
	}, nil
}

// ResolveLocation returns the user's timezone, or the default when the user
// has no profile or an empty timezone. A timezone that fails to load is an
// error, never silently replaced.
func (s *Service) ResolveLocation(ctx context.Context, userID string) (*time.Location, error) {
	userID = normalize(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if cached, ok := s.cache.Load(userID); ok {
		if location, ok := cached.(*time.Location); ok {
			return location, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&profile).
		Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	location := s.defaultLocation
	if timezone := normalize(profile.Timezone); timezone != "" {
		loaded, loadErr := calendar.LoadLocation(timezone)
		if loadErr != nil {
			return nil, fmt.Errorf("%w: user %s has %q", ErrInvalidTimezone, userID, timezone)
		}
		location = loaded
	}

	s.cache.Store(userID, location)
	return location, nil
}

// SetTimezone creates or updates the user's timezone.
func (s *Service) SetTimezone(ctx context.Context, userID, timezone string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidUserID
	}
	timezone = normalize(timezone)
	if timezone != "" {
		if _, err := calendar.LoadLocation(timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
		}
	}
	profile := Profile{UserID: userID, Timezone: timezone}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"timezone", "updated_at"}),
	}).Create(&profile).Error
	if err != nil {
		return err
	}
	s.cache.Delete(userID)
	return nil
}

// ListUserIDs returns every user with a profile, ordered by id.
func (s *Service) ListUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string
	if err := s.db.WithContext(ctx).
		Model(&Profile{}).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}
	return userIDs, nil
}
