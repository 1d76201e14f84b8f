// Package streaks maintains the live StreakInfo projection. Posts and day
// closes are appended to the event log with a hook that folds them into the
// projection inside the same transaction.
package streaks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew      = "streaks.service.new"
	opRecordPost      = "streaks.record_post"
	opCloseDay        = "streaks.close_day"
	opCloseThrough    = "streaks.close_through"
	opCurrent         = "streaks.current"
	opHistory         = "streaks.history"
	opSaveProjection  = "streaks.save_projection"
	holidayLookahead  = 31
	maxCatchUpClosing = 400
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEvents   = errors.New("event store is required")
	errMissingHolidays = errors.New("holiday provider is required")
	noOpLogger         = zap.NewNop()
)

// HolidayProvider yields the holiday set covering a day-key range.
type HolidayProvider interface {
	Range(ctx context.Context, from, to string) (calendar.HolidaySet, error)
}

// ServiceConfig describes the dependencies of the live projection.
type ServiceConfig struct {
	Database  *gorm.DB
	Events    *events.Service
	Timezones events.TimezoneResolver
	Holidays  HolidayProvider
	Policy    recovery.Policy
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service records posts and closes days for users.
type Service struct {
	db        *gorm.DB
	events    *events.Service
	timezones events.TimezoneResolver
	holidays  HolidayProvider
	policy    recovery.Policy
	clock     func() time.Time
	logger    *zap.Logger
}

// CloseResult reports the effect of closing one day.
type CloseResult struct {
	DayKey     string
	WorkingDay bool
	Appended   bool
	State      recovery.StreakInfo
	Resolution *recovery.History
}

// NewService constructs the projection service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Events == nil {
		return nil, svcerr.New(opServiceNew, "missing_events", errMissingEvents)
	}
	if cfg.Holidays == nil {
		return nil, svcerr.New(opServiceNew, "missing_holidays", errMissingHolidays)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:        cfg.Database,
		events:    cfg.Events,
		timezones: cfg.Timezones,
		holidays:  cfg.Holidays,
		policy:    cfg.Policy.Normalize(),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Policy returns the recovery policy applied by the service.
func (s *Service) Policy() recovery.Policy {
	return s.policy
}

// RecordPost appends a PostCreated event. While a recovery window is open,
// a post dated inside the window advances currentPosts.
func (s *Service) RecordPost(ctx context.Context, userID events.UserID, post events.PostCreated) (events.AppendResult, error) {
	hook := func(tx *gorm.DB, event events.Event) error {
		state, err := loadState(tx, event.UserID)
		if err != nil {
			return err
		}
		if state.Status.Type != recovery.StatusEligible {
			return nil
		}
		next := recovery.RecordContribution(state, event.DayKey, 1)
		if next.Status.CurrentPosts == state.Status.CurrentPosts {
			return nil
		}
		return saveState(tx, event.UserID, next, s.clock())
	}
	result, err := s.events.AppendPostCreated(ctx, userID, post, hook)
	if err != nil {
		s.logError(opRecordPost, "append_failed", err, zap.String("user_id", userID.String()))
		return events.AppendResult{}, err
	}
	return result, nil
}

// CloseDay closes dayKey for the user and applies the state machine. Any
// earlier unclosed days are closed first, oldest first, so a recovery window
// always resolves on its own deadline day. Days that are not working days, or
// that are already closed, change nothing.
func (s *Service) CloseDay(ctx context.Context, userID events.UserID, dayKey string) (CloseResult, error) {
	if err := calendar.ValidateDayKey(dayKey); err != nil {
		return CloseResult{}, svcerr.New(opCloseDay, "invalid_day_key", err)
	}
	results, err := s.closeRange(ctx, opCloseDay, userID, dayKey)
	if err != nil {
		return CloseResult{}, err
	}
	return results[len(results)-1], nil
}

func (s *Service) closeDay(ctx context.Context, userID events.UserID, dayKey string, location *time.Location, holidaySet calendar.HolidaySet) (CloseResult, error) {
	result := CloseResult{DayKey: dayKey, WorkingDay: calendar.IsWorkingDay(dayKey, holidaySet)}
	if !result.WorkingDay {
		return result, nil
	}
	facts, err := DayFacts(dayKey, location, holidaySet, s.policy)
	if err != nil {
		return CloseResult{}, svcerr.New(opCloseDay, "calendar_failed", err)
	}
	facts.ClosedAt = s.clock().UTC()

	hook := func(tx *gorm.DB, event events.Event) error {
		state, err := loadState(tx, event.UserID)
		if err != nil {
			return err
		}
		posts, err := events.CountPosts(tx, event.UserID, previousDay(dayKey), dayKey)
		if err != nil {
			return err
		}
		if state.Status.Type == recovery.StatusEligible {
			windowEnd := dayKey
			if state.Status.DeadlineDate != "" && state.Status.DeadlineDate < windowEnd {
				windowEnd = state.Status.DeadlineDate
			}
			windowPosts, err := events.CountPosts(tx, event.UserID, state.Status.MissedDate, windowEnd)
			if err != nil {
				return err
			}
			state.Status.CurrentPosts = windowPosts
		}
		facts.Posts = posts

		outcome := recovery.Transition(state, facts, s.policy)
		if err := saveState(tx, event.UserID, outcome.State, facts.ClosedAt); err != nil {
			return err
		}
		result.State = outcome.State
		if outcome.Resolution != nil {
			entry := recovery.NewHistory(event.UserID, *outcome.Resolution)
			if err := upsertHistory(tx, []recovery.History{entry}); err != nil {
				return err
			}
			result.Resolution = &entry
		}
		return nil
	}

	appended, err := s.events.AppendDayClosed(ctx, userID, dayKey, hook)
	if err != nil {
		s.logError(opCloseDay, "append_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("day_key", dayKey))
		return CloseResult{}, err
	}
	result.Appended = appended.Appended
	if !result.Appended {
		state, err := s.Current(ctx, userID)
		if err != nil {
			return CloseResult{}, err
		}
		result.State = state
	}
	if result.Resolution != nil {
		s.loggerOrDefault().Info("recovery window resolved",
			zap.String("user_id", userID.String()),
			zap.String("missed_date", result.Resolution.MissedDate),
			zap.Bool("successful", result.Resolution.Successful))
	}
	return result, nil
}

// CloseThrough closes every unclosed working day up to and including
// throughDay, oldest first. Closing starts after the last closed day, or at
// the user's first recorded event when nothing has been closed yet. Only the
// days that were actually closed are returned.
func (s *Service) CloseThrough(ctx context.Context, userID events.UserID, throughDay string) ([]CloseResult, error) {
	if err := calendar.ValidateDayKey(throughDay); err != nil {
		return nil, svcerr.New(opCloseThrough, "invalid_day_key", err)
	}
	results, err := s.closeRange(ctx, opCloseThrough, userID, throughDay)
	var closed []CloseResult
	for _, result := range results {
		if result.Appended {
			closed = append(closed, result)
		}
	}
	return closed, err
}

// closeRange closes the unclosed days up to throughDay. The last result
// always belongs to throughDay unless an error is returned.
func (s *Service) closeRange(ctx context.Context, operation string, userID events.UserID, throughDay string) ([]CloseResult, error) {
	startDay, err := s.firstUnclosedDay(ctx, userID, throughDay)
	if err != nil {
		s.logError(operation, "cursor_failed", err, zap.String("user_id", userID.String()))
		return nil, svcerr.New(operation, "cursor_failed", err)
	}
	days := []string{throughDay}
	if startDay < throughDay {
		days, err = calendar.EnumerateDays(startDay, throughDay)
		if err != nil {
			return nil, svcerr.New(operation, "invalid_range", err)
		}
		if len(days) > maxCatchUpClosing {
			days = days[len(days)-maxCatchUpClosing:]
		}
	}

	location, err := s.resolveLocation(ctx, userID)
	if err != nil {
		s.logError(operation, "timezone_failed", err, zap.String("user_id", userID.String()))
		return nil, svcerr.New(operation, "timezone_failed", err)
	}
	lookahead, err := calendar.AddDays(throughDay, holidayLookahead)
	if err != nil {
		return nil, svcerr.New(operation, "invalid_day_key", err)
	}
	holidaySet, err := s.holidays.Range(ctx, days[0], lookahead)
	if err != nil {
		s.logError(operation, "holidays_failed", err, zap.String("user_id", userID.String()))
		return nil, svcerr.New(operation, "holidays_failed", err)
	}

	results := make([]CloseResult, 0, len(days))
	for _, dayKey := range days {
		if err := ctx.Err(); err != nil {
			return results, svcerr.New(operation, "canceled", err)
		}
		result, err := s.closeDay(ctx, userID, dayKey, location, holidaySet)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Current returns the user's streak projection. Users without one are
// ON_STREAK with no streak.
func (s *Service) Current(ctx context.Context, userID events.UserID) (recovery.StreakInfo, error) {
	state, err := loadState(s.db.WithContext(ctx), userID.String())
	if err != nil {
		s.logError(opCurrent, "query_failed", err, zap.String("user_id", userID.String()))
		return recovery.StreakInfo{}, svcerr.New(opCurrent, "query_failed", err)
	}
	return state, nil
}

// History returns the user's recovery history ordered by missed date.
func (s *Service) History(ctx context.Context, userID events.UserID) ([]recovery.History, error) {
	var records []HistoryRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("missed_date ASC").
		Find(&records).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, svcerr.New(opHistory, "query_failed", err)
	}
	entries := make([]recovery.History, 0, len(records))
	for _, record := range records {
		entries = append(entries, record.history())
	}
	return entries, nil
}

// SaveProjection replaces the user's projection with a replayed state and
// upserts its recovery history.
func (s *Service) SaveProjection(ctx context.Context, userID events.UserID, state recovery.StreakInfo, history []recovery.History) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveState(tx, userID.String(), state, s.clock()); err != nil {
			return err
		}
		return upsertHistory(tx, history)
	})
	if err != nil {
		s.logError(opSaveProjection, "write_failed", err, zap.String("user_id", userID.String()))
		return svcerr.New(opSaveProjection, "write_failed", err)
	}
	return nil
}

// DayFacts computes the calendar facts of closing dayKey: whether it is a
// working day and where the recovery window opened by missing it would end.
// Posts and ClosedAt are left to the caller.
func DayFacts(dayKey string, location *time.Location, holidaySet calendar.HolidaySet, policy recovery.Policy) (recovery.DayFacts, error) {
	policy = policy.Normalize()
	deadlineDate, err := calendar.AddWorkingDays(dayKey, policy.WindowWorkingDays, holidaySet)
	if err != nil {
		return recovery.DayFacts{}, err
	}
	deadline, err := calendar.EndOfDay(deadlineDate, location)
	if err != nil {
		return recovery.DayFacts{}, err
	}
	return recovery.DayFacts{
		DayKey:       dayKey,
		WorkingDay:   calendar.IsWorkingDay(dayKey, holidaySet),
		DeadlineDate: deadlineDate,
		Deadline:     deadline.UTC(),
	}, nil
}

func (s *Service) firstUnclosedDay(ctx context.Context, userID events.UserID, throughDay string) (string, error) {
	meta, exists, err := s.events.Meta(ctx, userID)
	if err != nil {
		return "", err
	}
	if exists && meta.LastClosedLocalDate != "" {
		return calendar.AddDays(meta.LastClosedLocalDate, 1)
	}
	first, err := s.events.ListEvents(ctx, userID, 0, 1)
	if err != nil {
		return "", err
	}
	if len(first) == 0 || first[0].DayKey > throughDay {
		return throughDay, nil
	}
	return first[0].DayKey, nil
}

func (s *Service) resolveLocation(ctx context.Context, userID events.UserID) (*time.Location, error) {
	if s.timezones == nil {
		return calendar.LoadLocation("")
	}
	return s.timezones.ResolveLocation(ctx, userID.String())
}

func loadState(db *gorm.DB, userID string) (recovery.StreakInfo, error) {
	var record StreakRecord
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return recovery.NewStreakInfo(), nil
	}
	if err != nil {
		return recovery.StreakInfo{}, fmt.Errorf("load streak: %w", err)
	}
	return record.info(), nil
}

func saveState(tx *gorm.DB, userID string, state recovery.StreakInfo, now time.Time) error {
	record := recordFromInfo(userID, state, now)
	if err := tx.Save(&record).Error; err != nil {
		return fmt.Errorf("save streak: %w", err)
	}
	return nil
}

func upsertHistory(tx *gorm.DB, entries []recovery.History) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]HistoryRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, historyRecord(entry))
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("upsert recovery history: %w", err)
	}
	return nil
}

func previousDay(dayKey string) string {
	previous, err := calendar.AddDays(dayKey, -1)
	if err != nil {
		return ""
	}
	return previous
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("streaks service error", attrs...)
}
