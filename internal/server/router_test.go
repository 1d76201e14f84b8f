package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/backfill"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/streaks"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/svcerr"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubStreaks struct {
	recorded []events.PostCreated
	closed   []string
	state    recovery.StreakInfo
	history  []recovery.History
	err      error
}

func (s *stubStreaks) RecordPost(_ context.Context, _ events.UserID, post events.PostCreated) (events.AppendResult, error) {
	if s.err != nil {
		return events.AppendResult{}, s.err
	}
	s.recorded = append(s.recorded, post)
	return events.AppendResult{Appended: true, Event: events.Event{Seq: int64(len(s.recorded)), DayKey: "2025-01-06"}}, nil
}

func (s *stubStreaks) CloseDay(_ context.Context, _ events.UserID, dayKey string) (streaks.CloseResult, error) {
	if s.err != nil {
		return streaks.CloseResult{}, s.err
	}
	s.closed = append(s.closed, dayKey)
	return streaks.CloseResult{DayKey: dayKey, WorkingDay: true, Appended: true, State: s.state}, nil
}

func (s *stubStreaks) CloseThrough(ctx context.Context, userID events.UserID, throughDay string) ([]streaks.CloseResult, error) {
	result, err := s.CloseDay(ctx, userID, throughDay)
	if err != nil {
		return nil, err
	}
	return []streaks.CloseResult{result}, nil
}

func (s *stubStreaks) Current(context.Context, events.UserID) (recovery.StreakInfo, error) {
	return s.state, s.err
}

func (s *stubStreaks) History(context.Context, events.UserID) ([]recovery.History, error) {
	return s.history, s.err
}

type stubBackfill struct {
	result backfill.Result
	err    error
	wait   bool
}

func (s stubBackfill) Run(ctx context.Context, _ backfill.Request) (backfill.Result, error) {
	if s.wait {
		<-ctx.Done()
		return backfill.Result{}, svcerr.New("backfill.run", "canceled", ctx.Err())
	}
	return s.result, s.err
}

type stubProfiles struct {
	timezones map[string]string
}

func (s *stubProfiles) SetTimezone(_ context.Context, userID, timezone string) error {
	s.timezones[userID] = timezone
	return nil
}

type roleValidator struct{}

// ValidateRequest treats the bearer token as a comma separated role list.
func (roleValidator) ValidateRequest(r *http.Request) (auth.Claims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.Claims{}, auth.ErrMissingToken
	}
	claims := auth.Claims{Roles: strings.Split(strings.TrimPrefix(header, "Bearer "), ",")}
	claims.Subject = "subject-" + strings.TrimPrefix(header, "Bearer ")
	return claims, nil
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, Dependencies{})
	recorder := perform(router, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestPostCreatedRequiresSchedulerRole(t *testing.T) {
	projection := &stubStreaks{}
	router := newTestRouter(t, Dependencies{Streaks: projection})
	body := `{"userId":"user-1","postId":"post-1","boardId":"board-1","contentLength":42,"occurredAt":"2025-01-06T01:00:00Z"}`

	unauthorized := perform(router, http.MethodPost, "/internal/events/post-created", "", body)
	require.Equal(t, http.StatusUnauthorized, unauthorized.Code)

	recorder := perform(router, http.MethodPost, "/internal/events/post-created", auth.RoleScheduler, body)
	require.Equal(t, http.StatusOK, recorder.Code)
	var response appendResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.True(t, response.Appended)
	require.Equal(t, int64(1), response.Seq)
	require.Len(t, projection.recorded, 1)
	require.Equal(t, time.Date(2025, time.January, 6, 1, 0, 0, 0, time.UTC), projection.recorded[0].OccurredAt.UTC())
}

func TestDayClosedReturnsState(t *testing.T) {
	projection := &stubStreaks{state: recovery.StreakInfo{Status: recovery.OnStreak(), CurrentStreak: 3}}
	router := newTestRouter(t, Dependencies{Streaks: projection})

	recorder := perform(router, http.MethodPost, "/internal/events/day-closed", auth.RoleScheduler, `{"userId":"user-1","dayKey":"2025-01-06"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.JSONEq(t, `{
		"dayKey":"2025-01-06","appended":true,"workingDay":true,
		"state":{"lastContributionDate":"","lastCalculated":"0001-01-01T00:00:00Z","status":{"type":"ON_STREAK"},
		"currentStreak":3,"longestStreak":0,"originalStreak":0}
	}`, recorder.Body.String())
	require.Equal(t, []string{"2025-01-06"}, projection.closed)
}

func TestBackfillReturnsResult(t *testing.T) {
	runner := stubBackfill{result: backfill.Result{
		FinalState:     recovery.StreakInfo{Status: recovery.OnStreak(), CurrentStreak: 2, LongestStreak: 2},
		RecoveryEvents: []recovery.History{},
		Stats:          backfill.Stats{DryRun: true, WorkingDaysEvaluated: 3},
	}}
	router := newTestRouter(t, Dependencies{Backfill: runner})

	recorder := perform(router, http.MethodPost, "/admin/backfill", auth.RoleAdmin, `{"userId":"user-1","dryRun":true}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	var result backfill.Result
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	require.Equal(t, 2, result.FinalState.CurrentStreak)
	require.Equal(t, 3, result.Stats.WorkingDaysEvaluated)

	forbidden := perform(router, http.MethodPost, "/admin/backfill", auth.RoleScheduler, `{"userId":"user-1"}`)
	require.Equal(t, http.StatusForbidden, forbidden.Code)
}

func TestBackfillErrorMapping(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{
			name:      "concurrency exhausted",
			err:       svcerr.New("events.append_day_closed", "concurrency_exhausted", fmt.Errorf("%w: 5 attempts", events.ErrConcurrencyExhausted)),
			status:    http.StatusConflict,
			code:      "events.append_day_closed.concurrency_exhausted",
			retryable: true,
		},
		{
			name:   "halted user",
			err:    svcerr.New("events.append_post_created", "user_halted", events.ErrUserHalted),
			status: http.StatusLocked,
			code:   "events.append_post_created.user_halted",
		},
		{
			name:      "upstream",
			err:       svcerr.New("backfill.run", "activity_failed", fmt.Errorf("%w: activity: offline", backfill.ErrUpstreamUnavailable)),
			status:    http.StatusBadGateway,
			code:      "backfill.run.activity_failed",
			retryable: true,
		},
		{
			name:   "invalid",
			err:    svcerr.New("backfill.run", "invalid_range", backfill.ErrInvalidRequest),
			status: http.StatusBadRequest,
			code:   "backfill.run.invalid_range",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := newTestRouter(t, Dependencies{Backfill: stubBackfill{err: testCase.err}})

			recorder := perform(router, http.MethodPost, "/admin/backfill", auth.RoleAdmin, `{"userId":"user-1"}`)
			require.Equal(t, testCase.status, recorder.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
			require.Equal(t, testCase.code, body.Code)
			require.Equal(t, testCase.retryable, body.Retryable)
		})
	}
}

func TestBackfillTimesOut(t *testing.T) {
	router := newTestRouter(t, Dependencies{Backfill: stubBackfill{wait: true}, BackfillTimeout: 20 * time.Millisecond})

	recorder := perform(router, http.MethodPost, "/admin/backfill", auth.RoleAdmin, `{"userId":"user-1"}`)
	require.Equal(t, http.StatusGatewayTimeout, recorder.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.True(t, body.Retryable)
}

func TestBackfillIsRateLimitedPerSubject(t *testing.T) {
	router := newTestRouter(t, Dependencies{BackfillPerMinute: 1})

	first := perform(router, http.MethodPost, "/admin/backfill", auth.RoleAdmin, `{"userId":"user-1"}`)
	require.Equal(t, http.StatusOK, first.Code)
	second := perform(router, http.MethodPost, "/admin/backfill", auth.RoleAdmin, `{"userId":"user-1"}`)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	otherSubject := perform(router, http.MethodPost, "/admin/backfill", auth.RoleAdmin+","+auth.RoleScheduler, `{"userId":"user-1"}`)
	require.Equal(t, http.StatusOK, otherSubject.Code)
}

func TestStreakReadAndTimezoneUpdate(t *testing.T) {
	projection := &stubStreaks{
		state: recovery.StreakInfo{Status: recovery.Missed()},
		history: []recovery.History{{
			ID:         recovery.HistoryID("user-1", "2025-01-07"),
			UserID:     "user-1",
			MissedDate: "2025-01-07",
		}},
	}
	profileStore := &stubProfiles{timezones: map[string]string{}}
	router := newTestRouter(t, Dependencies{Streaks: projection, Profiles: profileStore})

	recorder := perform(router, http.MethodGet, "/admin/users/user-1/streak", auth.RoleAdmin, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	var response streakResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, recovery.StatusMissed, response.State.Status.Type)
	require.Len(t, response.History, 1)

	update := perform(router, http.MethodPut, "/admin/users/user-1/timezone", auth.RoleAdmin, `{"timezone":"Europe/Berlin"}`)
	require.Equal(t, http.StatusNoContent, update.Code)
	require.Equal(t, "Europe/Berlin", profileStore.timezones["user-1"])
}

func newTestRouter(testContext *testing.T, deps Dependencies) http.Handler {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	deps.Validator = roleValidator{}
	if deps.Streaks == nil {
		deps.Streaks = &stubStreaks{}
	}
	if deps.Backfill == nil {
		deps.Backfill = stubBackfill{}
	}
	if deps.Profiles == nil {
		deps.Profiles = &stubProfiles{timezones: map[string]string{}}
	}
	deps.Logger = zap.NewNop()
	handler, err := NewHTTPHandler(deps)
	require.NoError(testContext, err)
	return handler
}

func perform(handler http.Handler, method, path, roles, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if roles != "" {
		request.Header.Set("Authorization", "Bearer "+roles)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}
