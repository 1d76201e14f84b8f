package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserHalted indicates that the user's stream failed an integrity check
	// and accepts no further appends until repaired.
	ErrUserHalted = errors.New("events: user stream halted")
	// ErrIntegrityViolation indicates a seq or idempotency collision after a
	// successful meta update, or a gap found while verifying the stream.
	ErrIntegrityViolation = errors.New("events: stream integrity violation")
	// ErrConcurrencyExhausted indicates that every append attempt lost the
	// optimistic race.
	ErrConcurrencyExhausted = errors.New("events: concurrent append retries exhausted")

	errMissingDatabase = errors.New("database handle is required")
	errWriteConflict   = errors.New("events: write conflict")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew         = "events.service.new"
	opAppendPostCreated  = "events.append_post_created"
	opAppendDayClosed    = "events.append_day_closed"
	opListEvents         = "events.list_events"
	opMeta               = "events.meta"
	opListUsers          = "events.list_active_users"
	opVerifyStream       = "events.verify_stream"
	defaultMaxAttempts   = 5
	defaultBaseBackoff   = 10 * time.Millisecond
	maxBackoff           = time.Second
	emptyPayloadJSON     = "{}"
	haltReasonCollision  = "collision after meta update"
	haltReasonSeqMissing = "stream verification failed"
)

// TimezoneResolver yields the timezone that decides a user's day keys.
type TimezoneResolver interface {
	ResolveLocation(ctx context.Context, userID string) (*time.Location, error)
}

// AppendHook runs inside the append transaction after the event row is
// written. A hook error rolls back the event and its meta update.
type AppendHook func(transaction *gorm.DB, event Event) error

// ServiceConfig describes the dependencies of the event store.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Timezones   TimezoneResolver
	Logger      *zap.Logger
	MaxAttempts int
	BaseBackoff time.Duration
}

// Service appends to and reads per-user event streams.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	timezones   TimezoneResolver
	logger      *zap.Logger
	maxAttempts int
	baseBackoff time.Duration
}

// NewService constructs the event store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		timezones:   cfg.Timezones,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
	}, nil
}

// draft is a prepared event. A nil draft with a non-nil existing event, or a
// nil draft alone, means the append is an idempotent no-op.
type draft struct {
	eventType      EventType
	dayKey         string
	idempotencyKey string
	payloadJSON    string
	closesDay      bool
}

type draftBuilder func(transaction *gorm.DB, meta EventMeta) (*draft, *Event, error)

// AppendPostCreated records a post. Re-appending the same post id is a no-op.
func (s *Service) AppendPostCreated(ctx context.Context, userID UserID, post PostCreated, hooks ...AppendHook) (AppendResult, error) {
	postID := strings.TrimSpace(post.PostID)
	if postID == "" || post.ContentLength < 0 {
		return AppendResult{}, svcerr.New(opAppendPostCreated, "invalid_post", ErrInvalidPost)
	}
	location, err := s.resolveLocation(ctx, userID)
	if err != nil {
		s.logError(opAppendPostCreated, "timezone_failed", err, zap.String("user_id", userID.String()))
		return AppendResult{}, svcerr.New(opAppendPostCreated, "timezone_failed", err)
	}
	occurredAt := post.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock()
	}
	dayKey := calendar.DayKey(occurredAt, location)
	payload, err := json.Marshal(PostPayload{
		PostID:        postID,
		BoardID:       strings.TrimSpace(post.BoardID),
		ContentLength: post.ContentLength,
	})
	if err != nil {
		return AppendResult{}, svcerr.New(opAppendPostCreated, "payload_encode_failed", err)
	}
	idempotencyKey := PostCreatedIdempotencyKey(userID, postID)

	build := func(transaction *gorm.DB, meta EventMeta) (*draft, *Event, error) {
		var existing []Event
		lookup := transaction.
			Where("user_id = ? AND idempotency_key = ?", userID.String(), idempotencyKey).
			Limit(1).
			Find(&existing)
		if lookup.Error != nil {
			return nil, nil, lookup.Error
		}
		if len(existing) > 0 {
			return nil, &existing[0], nil
		}
		return &draft{
			eventType:      EventTypePostCreated,
			dayKey:         dayKey,
			idempotencyKey: idempotencyKey,
			payloadJSON:    string(payload),
		}, nil, nil
	}
	return s.appendWithRetry(ctx, opAppendPostCreated, userID, build, hooks)
}

// AppendDayClosed closes dayKey for the user. Closing a day at or before the
// last closed day is a no-op.
func (s *Service) AppendDayClosed(ctx context.Context, userID UserID, dayKey string, hooks ...AppendHook) (AppendResult, error) {
	if err := calendar.ValidateDayKey(dayKey); err != nil {
		return AppendResult{}, svcerr.New(opAppendDayClosed, "invalid_day_key", err)
	}
	build := func(_ *gorm.DB, meta EventMeta) (*draft, *Event, error) {
		if meta.LastClosedLocalDate != "" && dayKey <= meta.LastClosedLocalDate {
			return nil, nil, nil
		}
		return &draft{
			eventType:      EventTypeDayClosed,
			dayKey:         dayKey,
			idempotencyKey: DayClosedIdempotencyKey(userID, dayKey),
			payloadJSON:    emptyPayloadJSON,
			closesDay:      true,
		}, nil, nil
	}
	return s.appendWithRetry(ctx, opAppendDayClosed, userID, build, hooks)
}

func (s *Service) appendWithRetry(ctx context.Context, operation string, userID UserID, build draftBuilder, hooks []AppendHook) (AppendResult, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.wait(ctx, attempt); err != nil {
				return AppendResult{}, svcerr.New(operation, "canceled", err)
			}
		}
		result, err := s.tryAppend(ctx, userID, build, hooks)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, errWriteConflict):
			s.loggerOrDefault().Debug("event append conflict",
				zap.String("operation", operation),
				zap.String("user_id", userID.String()),
				zap.Int("attempt", attempt))
			continue
		case errors.Is(err, ErrUserHalted):
			return AppendResult{}, svcerr.New(operation, "user_halted", err)
		case errors.Is(err, ErrIntegrityViolation):
			s.logError(operation, "integrity_violation", err, zap.String("user_id", userID.String()))
			if haltErr := s.halt(ctx, userID, haltReasonCollision+": "+err.Error()); haltErr != nil {
				s.logError(operation, "halt_failed", haltErr, zap.String("user_id", userID.String()))
			}
			return AppendResult{}, svcerr.New(operation, "integrity_violation", err)
		default:
			s.logError(operation, "append_failed", err, zap.String("user_id", userID.String()))
			return AppendResult{}, svcerr.New(operation, "append_failed", err)
		}
	}
	exhausted := fmt.Errorf("%w: %d attempts", ErrConcurrencyExhausted, s.maxAttempts)
	s.logError(operation, "concurrency_exhausted", exhausted, zap.String("user_id", userID.String()))
	return AppendResult{}, svcerr.New(operation, "concurrency_exhausted", exhausted)
}

func (s *Service) tryAppend(ctx context.Context, userID UserID, build draftBuilder, hooks []AppendHook) (AppendResult, error) {
	var result AppendResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		meta, exists, err := loadMeta(tx, userID)
		if err != nil {
			return classifyWriteError(err)
		}
		if meta.Halted {
			return fmt.Errorf("%w: %s", ErrUserHalted, meta.HaltReason)
		}

		pending, existing, err := build(tx, meta)
		if err != nil {
			return classifyWriteError(err)
		}
		if pending == nil {
			if existing != nil {
				result = AppendResult{Event: *existing}
			}
			return nil
		}

		now := s.clock().UTC()
		nextSeq := meta.LastSeq + 1
		lastClosed := meta.LastClosedLocalDate
		if pending.closesDay {
			lastClosed = pending.dayKey
		}

		if !exists {
			created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&EventMeta{
				UserID:              userID.String(),
				LastSeq:             nextSeq,
				LastClosedLocalDate: lastClosed,
				Version:             1,
				UpdatedAt:           now,
			})
			if created.Error != nil {
				return classifyWriteError(created.Error)
			}
			if created.RowsAffected == 0 {
				return errWriteConflict
			}
		} else {
			updated := tx.Model(&EventMeta{}).
				Where("user_id = ? AND version = ?", userID.String(), meta.Version).
				Updates(map[string]any{
					"last_seq":               nextSeq,
					"last_closed_local_date": lastClosed,
					"version":                meta.Version + 1,
					"updated_at":             now,
				})
			if updated.Error != nil {
				return classifyWriteError(updated.Error)
			}
			if updated.RowsAffected == 0 {
				return errWriteConflict
			}
		}

		event := Event{
			UserID:         userID.String(),
			Seq:            nextSeq,
			SeqKey:         SeqKey(nextSeq),
			Type:           pending.eventType,
			CreatedAt:      now,
			DayKey:         pending.dayKey,
			IdempotencyKey: pending.idempotencyKey,
			PayloadJSON:    pending.payloadJSON,
		}
		if err := tx.Create(&event).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: seq %d key %s: %v", ErrIntegrityViolation, nextSeq, pending.idempotencyKey, err)
			}
			return classifyWriteError(err)
		}

		for _, hook := range hooks {
			if hook == nil {
				continue
			}
			if err := hook(tx, event); err != nil {
				return err
			}
		}
		result = AppendResult{Event: event, Appended: true}
		return nil
	})
	if txErr != nil {
		return AppendResult{}, txErr
	}
	return result, nil
}

// ListEvents returns the user's events with seq greater than afterSeq in seq
// order. A non-positive limit returns every remaining event.
func (s *Service) ListEvents(ctx context.Context, userID UserID, afterSeq int64, limit int) ([]Event, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND seq > ?", userID.String(), afterSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var events []Event
	if err := query.Find(&events).Error; err != nil {
		s.logError(opListEvents, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, svcerr.New(opListEvents, "query_failed", err)
	}
	return events, nil
}

// Meta returns the user's append cursor. The boolean is false when the user
// has never appended.
func (s *Service) Meta(ctx context.Context, userID UserID) (EventMeta, bool, error) {
	meta, exists, err := loadMeta(s.db.WithContext(ctx), userID)
	if err != nil {
		s.logError(opMeta, "query_failed", err, zap.String("user_id", userID.String()))
		return EventMeta{}, false, svcerr.New(opMeta, "query_failed", err)
	}
	return meta, exists, nil
}

// ListActiveUserIDs returns every user with a stream that is not halted,
// ordered by id.
func (s *Service) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string
	if err := s.db.WithContext(ctx).
		Model(&EventMeta{}).
		Where("halted = ?", false).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		s.logError(opListUsers, "query_failed", err)
		return nil, svcerr.New(opListUsers, "query_failed", err)
	}
	return userIDs, nil
}

// VerifyStream checks that the stream's seqs run 1..lastSeq without gaps.
// A failed check halts the user.
func (s *Service) VerifyStream(ctx context.Context, userID UserID) error {
	meta, _, err := loadMeta(s.db.WithContext(ctx), userID)
	if err != nil {
		return svcerr.New(opVerifyStream, "query_failed", err)
	}
	var seqs []int64
	if err := s.db.WithContext(ctx).
		Model(&Event{}).
		Where("user_id = ?", userID.String()).
		Order("seq ASC").
		Pluck("seq", &seqs).Error; err != nil {
		return svcerr.New(opVerifyStream, "query_failed", err)
	}

	var violation error
	for index, seq := range seqs {
		if seq != int64(index+1) {
			violation = fmt.Errorf("%w: expected seq %d, found %d", ErrIntegrityViolation, index+1, seq)
			break
		}
	}
	if violation == nil && int64(len(seqs)) != meta.LastSeq {
		violation = fmt.Errorf("%w: %d events but last seq %d", ErrIntegrityViolation, len(seqs), meta.LastSeq)
	}
	if violation == nil {
		return nil
	}

	s.logError(opVerifyStream, "integrity_violation", violation, zap.String("user_id", userID.String()))
	if haltErr := s.halt(ctx, userID, haltReasonSeqMissing+": "+violation.Error()); haltErr != nil {
		s.logError(opVerifyStream, "halt_failed", haltErr, zap.String("user_id", userID.String()))
	}
	return svcerr.New(opVerifyStream, "integrity_violation", violation)
}

// CountPosts counts the user's PostCreated events whose day key lies in
// (afterDay, throughDay]. An empty afterDay has no lower bound.
func CountPosts(transaction *gorm.DB, userID string, afterDay, throughDay string) (int, error) {
	query := transaction.Model(&Event{}).
		Where("user_id = ? AND type = ? AND day_key <= ?", userID, EventTypePostCreated, throughDay)
	if afterDay != "" {
		query = query.Where("day_key > ?", afterDay)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *Service) halt(ctx context.Context, userID UserID, reason string) error {
	now := s.clock().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"halted": true, "halt_reason": reason, "updated_at": now}),
	}).Create(&EventMeta{
		UserID:     userID.String(),
		Halted:     true,
		HaltReason: reason,
		UpdatedAt:  now,
	}).Error
}

func (s *Service) resolveLocation(ctx context.Context, userID UserID) (*time.Location, error) {
	if s.timezones == nil {
		return calendar.LoadLocation("")
	}
	return s.timezones.ResolveLocation(ctx, userID.String())
}

func (s *Service) wait(ctx context.Context, attempt int) error {
	backoff := s.baseBackoff << (attempt - 2)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	backoff += rand.N(backoff/2 + 1)
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func loadMeta(db *gorm.DB, userID UserID) (EventMeta, bool, error) {
	var metas []EventMeta
	if err := db.Where("user_id = ?", userID.String()).Limit(1).Find(&metas).Error; err != nil {
		return EventMeta{}, false, err
	}
	if len(metas) == 0 {
		return EventMeta{UserID: userID.String()}, false, nil
	}
	return metas[0], true, nil
}

// classifyWriteError maps lock contention reported by the driver to a
// retryable conflict.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "database is locked"),
		strings.Contains(message, "sqlite_busy"),
		strings.Contains(message, "deadlock"),
		strings.Contains(message, "could not serialize"):
		return fmt.Errorf("%w: %v", errWriteConflict, err)
	default:
		return err
	}
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "duplicate key") ||
		strings.Contains(message, "duplicate entry")
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
	s.loggerOrDefault().Error("events service error", attrs...)
}
