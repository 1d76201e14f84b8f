// Package backfill reconstructs a user's event stream and streak projection
// from raw postings. A run in dry-run mode computes the projection only; a
// committed run writes it through the same idempotent appends as live traffic.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/streaks"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/svcerr"
	"go.uber.org/zap"
)

const (
	opEngineNew      = "backfill.engine.new"
	opRun            = "backfill.run"
	holidayLookahead = 31
)

var (
	// ErrInvalidRequest indicates a malformed user id or day range.
	ErrInvalidRequest = errors.New("backfill: invalid request")
	// ErrUpstreamUnavailable indicates that the activity, profile or holiday
	// source could not be read.
	ErrUpstreamUnavailable = errors.New("backfill: upstream read failed")

	errMissingDependency = errors.New("dependency is required")
	noOpLogger           = zap.NewNop()
)

// Request selects the user and window to replay. Empty From defaults to the
// day of the user's earliest posting; empty AsOf defaults to today in the
// user's timezone.
type Request struct {
	UserID string `json:"userId"`
	From   string `json:"from,omitempty"`
	AsOf   string `json:"asOf,omitempty"`
	DryRun bool   `json:"dryRun"`
}

// Stats summarizes a run.
type Stats struct {
	From                 string `json:"from"`
	AsOf                 string `json:"asOf"`
	DryRun               bool   `json:"dryRun"`
	PostingsProcessed    int    `json:"postingsProcessed"`
	DaysEnumerated       int    `json:"daysEnumerated"`
	WorkingDaysEvaluated int    `json:"workingDaysEvaluated"`
	EventsPlanned        int    `json:"eventsPlanned"`
	EventsAppended       int    `json:"eventsAppended"`
	EventsSkipped        int    `json:"eventsSkipped"`
	ElapsedMillis        int64  `json:"elapsedMs"`
}

// Result is the outcome of a run. FinalState and RecoveryEvents depend only
// on the postings inside the window.
type Result struct {
	FinalState     recovery.StreakInfo `json:"finalState"`
	RecoveryEvents []recovery.History  `json:"recoveryEvents"`
	Stats          Stats               `json:"stats"`
}

// Config describes the dependencies of the replay engine.
type Config struct {
	Activity  activity.Source
	Timezones events.TimezoneResolver
	Holidays  streaks.HolidayProvider
	Events    *events.Service
	Streaks   *streaks.Service
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Engine replays postings into streak state.
type Engine struct {
	activity  activity.Source
	timezones events.TimezoneResolver
	holidays  streaks.HolidayProvider
	events    *events.Service
	streaks   *streaks.Service
	policy    recovery.Policy
	clock     func() time.Time
	logger    *zap.Logger
}

// NewEngine constructs the replay engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Activity == nil:
		return nil, svcerr.New(opEngineNew, "missing_activity", errMissingDependency)
	case cfg.Timezones == nil:
		return nil, svcerr.New(opEngineNew, "missing_timezones", errMissingDependency)
	case cfg.Holidays == nil:
		return nil, svcerr.New(opEngineNew, "missing_holidays", errMissingDependency)
	case cfg.Events == nil:
		return nil, svcerr.New(opEngineNew, "missing_events", errMissingDependency)
	case cfg.Streaks == nil:
		return nil, svcerr.New(opEngineNew, "missing_streaks", errMissingDependency)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		activity:  cfg.Activity,
		timezones: cfg.Timezones,
		holidays:  cfg.Holidays,
		events:    cfg.Events,
		streaks:   cfg.Streaks,
		policy:    cfg.Streaks.Policy(),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Run replays the requested window. Cancellation is observed between days;
// a day's writes always complete once started. Committed runs are safe to
// repeat or resume because every append is idempotent.
func (engine *Engine) Run(ctx context.Context, request Request) (Result, error) {
	startedAt := time.Now()
	userID, err := events.NewUserID(request.UserID)
	if err != nil {
		return Result{}, svcerr.New(opRun, "invalid_user_id", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	logFields := []zap.Field{zap.String("user_id", userID.String()), zap.Bool("dry_run", request.DryRun)}
	if err := ctx.Err(); err != nil {
		return Result{}, svcerr.New(opRun, "canceled", err)
	}

	location, err := engine.timezones.ResolveLocation(ctx, userID.String())
	if err != nil {
		engine.logError(opRun, "timezone_failed", err, logFields...)
		return Result{}, svcerr.New(opRun, "timezone_failed", fmt.Errorf("%w: timezone: %w", ErrUpstreamUnavailable, err))
	}
	today := calendar.DayKey(engine.clock(), location)

	span, found, err := engine.resolveWindow(ctx, userID, request, today, location)
	if err != nil {
		return Result{}, err
	}
	result := Result{
		FinalState:     recovery.NewStreakInfo(),
		RecoveryEvents: []recovery.History{},
		Stats:          Stats{From: span.from, AsOf: span.asOf, DryRun: request.DryRun},
	}
	if !found {
		result.Stats.ElapsedMillis = time.Since(startedAt).Milliseconds()
		return result, nil
	}

	if !request.DryRun {
		if err := engine.checkCommitWindow(ctx, userID, span, location); err != nil {
			return Result{}, err
		}
	}

	postingsByDay, postingCount, err := engine.loadPostings(ctx, userID, span, location)
	if err != nil {
		engine.logError(opRun, "activity_failed", err, logFields...)
		return Result{}, svcerr.New(opRun, "activity_failed", fmt.Errorf("%w: activity: %w", ErrUpstreamUnavailable, err))
	}
	result.Stats.PostingsProcessed = postingCount

	lookahead, err := calendar.AddDays(span.asOf, holidayLookahead)
	if err != nil {
		return Result{}, svcerr.New(opRun, "invalid_range", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	holidaySet, err := engine.holidays.Range(ctx, span.from, lookahead)
	if err != nil {
		engine.logError(opRun, "holidays_failed", err, logFields...)
		return Result{}, svcerr.New(opRun, "holidays_failed", fmt.Errorf("%w: holidays: %w", ErrUpstreamUnavailable, err))
	}

	days, err := calendar.EnumerateDays(span.from, span.asOf)
	if err != nil {
		return Result{}, svcerr.New(opRun, "invalid_range", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	result.Stats.DaysEnumerated = len(days)

	state := recovery.NewStreakInfo()
	for _, dayKey := range days {
		if err := ctx.Err(); err != nil {
			engine.logError(opRun, "canceled", err, append(logFields, zap.String("day_key", dayKey))...)
			return Result{}, svcerr.New(opRun, "canceled", err)
		}

		postings := postingsByDay[dayKey]
		state = recovery.RecordContribution(state, dayKey, len(postings))
		result.Stats.EventsPlanned += len(postings)

		closable := dayKey < today && calendar.IsWorkingDay(dayKey, holidaySet)
		if closable {
			facts, err := streaks.DayFacts(dayKey, location, holidaySet, engine.policy)
			if err != nil {
				return Result{}, svcerr.New(opRun, "calendar_failed", err)
			}
			closedAt, err := calendar.EndOfDay(dayKey, location)
			if err != nil {
				return Result{}, svcerr.New(opRun, "calendar_failed", err)
			}
			facts.Posts = len(postings)
			facts.ClosedAt = closedAt.UTC()

			outcome := recovery.Transition(state, facts, engine.policy)
			state = outcome.State
			if outcome.Resolution != nil {
				result.RecoveryEvents = append(result.RecoveryEvents, recovery.NewHistory(userID.String(), *outcome.Resolution))
			}
			result.Stats.WorkingDaysEvaluated++
			result.Stats.EventsPlanned++
		}

		if request.DryRun {
			continue
		}
		// the day's writes run to completion even if ctx is canceled mid-step.
		if err := engine.commitDay(context.WithoutCancel(ctx), userID, dayKey, postings, closable, &result.Stats); err != nil {
			engine.logError(opRun, "append_failed", err, append(logFields, zap.String("day_key", dayKey))...)
			return Result{}, err
		}
	}

	result.FinalState = state
	if !request.DryRun {
		if err := engine.streaks.SaveProjection(context.WithoutCancel(ctx), userID, state, result.RecoveryEvents); err != nil {
			engine.logError(opRun, "projection_failed", err, logFields...)
			return Result{}, err
		}
	}
	result.Stats.ElapsedMillis = time.Since(startedAt).Milliseconds()

	engine.logger.Info("backfill completed",
		zap.String("user_id", userID.String()),
		zap.Bool("dry_run", request.DryRun),
		zap.String("from", span.from),
		zap.String("as_of", span.asOf),
		zap.Int("postings", result.Stats.PostingsProcessed),
		zap.Int("working_days", result.Stats.WorkingDaysEvaluated),
		zap.Int("appended", result.Stats.EventsAppended),
		zap.Int("skipped", result.Stats.EventsSkipped),
		zap.Int("recovery_events", len(result.RecoveryEvents)))
	return result, nil
}

type window struct {
	from string
	asOf string
}

func (engine *Engine) resolveWindow(ctx context.Context, userID events.UserID, request Request, today string, location *time.Location) (window, bool, error) {
	resolved := window{from: request.From, asOf: request.AsOf}
	if resolved.asOf == "" {
		resolved.asOf = today
	}
	if err := calendar.ValidateDayKey(resolved.asOf); err != nil {
		return window{}, false, svcerr.New(opRun, "invalid_as_of", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if resolved.from == "" {
		earliest, found, err := engine.activity.EarliestPosting(ctx, userID.String())
		if err != nil {
			engine.logError(opRun, "activity_failed", err, zap.String("user_id", userID.String()))
			return window{}, false, svcerr.New(opRun, "activity_failed", fmt.Errorf("%w: activity: %w", ErrUpstreamUnavailable, err))
		}
		if !found {
			return resolved, false, nil
		}
		resolved.from = calendar.DayKey(earliest.CreatedAt, location)
		if resolved.from > resolved.asOf {
			return resolved, false, nil
		}
	}
	if err := calendar.ValidateDayKey(resolved.from); err != nil {
		return window{}, false, svcerr.New(opRun, "invalid_from", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if resolved.from > resolved.asOf {
		return window{}, false, svcerr.New(opRun, "invalid_range", fmt.Errorf("%w: from %s is after asOf %s", ErrInvalidRequest, resolved.from, resolved.asOf))
	}
	return resolved, true, nil
}

// checkCommitWindow rejects committed runs whose window does not cover the
// user's whole history: the replayed state replaces the single live
// projection, so it must start at the earliest posting and reach at least the
// last day the event log has closed.
func (engine *Engine) checkCommitWindow(ctx context.Context, userID events.UserID, span window, location *time.Location) error {
	earliest, found, err := engine.activity.EarliestPosting(ctx, userID.String())
	if err != nil {
		engine.logError(opRun, "activity_failed", err, zap.String("user_id", userID.String()))
		return svcerr.New(opRun, "activity_failed", fmt.Errorf("%w: activity: %w", ErrUpstreamUnavailable, err))
	}
	if found {
		if earliestDay := calendar.DayKey(earliest.CreatedAt, location); span.from > earliestDay {
			return svcerr.New(opRun, "partial_window",
				fmt.Errorf("%w: commit must start at the earliest posting %s, not %s", ErrInvalidRequest, earliestDay, span.from))
		}
	}
	meta, exists, err := engine.events.Meta(ctx, userID)
	if err != nil {
		engine.logError(opRun, "meta_failed", err, zap.String("user_id", userID.String()))
		return svcerr.New(opRun, "meta_failed", err)
	}
	if exists && meta.LastClosedLocalDate > span.asOf {
		return svcerr.New(opRun, "partial_window",
			fmt.Errorf("%w: asOf %s precedes the last closed day %s", ErrInvalidRequest, span.asOf, meta.LastClosedLocalDate))
	}
	return nil
}

func (engine *Engine) loadPostings(ctx context.Context, userID events.UserID, bounds window, location *time.Location) (map[string][]activity.Posting, int, error) {
	start, err := calendar.StartOfDay(bounds.from, location)
	if err != nil {
		return nil, 0, err
	}
	dayAfter, err := calendar.AddDays(bounds.asOf, 1)
	if err != nil {
		return nil, 0, err
	}
	end, err := calendar.StartOfDay(dayAfter, location)
	if err != nil {
		return nil, 0, err
	}
	postings, err := engine.activity.ListPostings(ctx, userID.String(), start, end)
	if err != nil {
		return nil, 0, err
	}
	byDay := make(map[string][]activity.Posting)
	for _, posting := range postings {
		dayKey := calendar.DayKey(posting.CreatedAt, location)
		byDay[dayKey] = append(byDay[dayKey], posting)
	}
	return byDay, len(postings), nil
}

func (engine *Engine) commitDay(ctx context.Context, userID events.UserID, dayKey string, postings []activity.Posting, closeDay bool, stats *Stats) error {
	for _, posting := range postings {
		appended, err := engine.events.AppendPostCreated(ctx, userID, events.PostCreated{
			PostID:        posting.PostID,
			BoardID:       posting.BoardID,
			ContentLength: posting.ContentLength,
			OccurredAt:    posting.CreatedAt,
		})
		if err != nil {
			return err
		}
		countAppend(stats, appended.Appended)
	}
	if !closeDay {
		return nil
	}
	appended, err := engine.events.AppendDayClosed(ctx, userID, dayKey)
	if err != nil {
		return err
	}
	countAppend(stats, appended.Appended)
	return nil
}

func countAppend(stats *Stats, appended bool) {
	if appended {
		stats.EventsAppended++
		return
	}
	stats.EventsSkipped++
}

func (engine *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	engine.logger.Error("backfill engine error", attrs...)
}
