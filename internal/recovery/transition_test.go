package recovery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var closedAt = time.Date(2025, 1, 7, 14, 59, 59, 0, time.UTC)

func workingDay(dayKey string, posts int) DayFacts {
	return DayFacts{
		DayKey:       dayKey,
		Posts:        posts,
		WorkingDay:   true,
		DeadlineDate: "2025-01-08",
		Deadline:     time.Date(2025, 1, 8, 14, 59, 59, 0, time.UTC),
		ClosedAt:     closedAt,
	}
}

func TestTransitionIncrementsStreakOnContribution(t *testing.T) {
	prev := StreakInfo{Status: OnStreak(), CurrentStreak: 3, LongestStreak: 3}

	outcome := Transition(prev, workingDay("2025-01-06", 1), DefaultPolicy())

	require.Nil(t, outcome.Resolution)
	require.Equal(t, 4, outcome.State.CurrentStreak)
	require.Equal(t, 4, outcome.State.LongestStreak)
	require.Equal(t, "2025-01-06", outcome.State.LastContributionDate)
	require.Equal(t, StatusOnStreak, outcome.State.Status.Type)
	require.Equal(t, closedAt, outcome.State.LastCalculated)
}

func TestTransitionOpensRecoveryWindowOnMiss(t *testing.T) {
	prev := StreakInfo{Status: OnStreak(), CurrentStreak: 5, LongestStreak: 9}

	outcome := Transition(prev, workingDay("2025-01-07", 0), DefaultPolicy())

	state := outcome.State
	require.Equal(t, StatusEligible, state.Status.Type)
	require.Equal(t, "2025-01-07", state.Status.MissedDate)
	require.Equal(t, 2, state.Status.PostsRequired)
	require.Equal(t, 0, state.Status.CurrentPosts)
	require.Equal(t, "2025-01-08", state.Status.DeadlineDate)
	require.Equal(t, 5, state.OriginalStreak)
	require.Equal(t, 0, state.CurrentStreak)
	require.Equal(t, 9, state.LongestStreak)
}

func TestTransitionZeroStreakMissStaysOnStreak(t *testing.T) {
	prev := NewStreakInfo()

	outcome := Transition(prev, workingDay("2025-01-07", 0), DefaultPolicy())

	require.Equal(t, StatusOnStreak, outcome.State.Status.Type)
	require.Equal(t, 0, outcome.State.CurrentStreak)
	require.Nil(t, outcome.Resolution)
}

func TestTransitionNonWorkingDayOnlyRefreshesTimestamp(t *testing.T) {
	prev := StreakInfo{Status: OnStreak(), CurrentStreak: 2, LongestStreak: 2, LastContributionDate: "2025-01-03"}
	facts := workingDay("2025-01-04", 3)
	facts.WorkingDay = false

	outcome := Transition(prev, facts, DefaultPolicy())

	expected := prev
	expected.LastCalculated = closedAt
	require.Equal(t, expected, outcome.State)
}

func TestTransitionRecoversAtDeadline(t *testing.T) {
	prev := StreakInfo{
		Status: Status{
			Type:          StatusEligible,
			PostsRequired: 2,
			CurrentPosts:  2,
			DeadlineDate:  "2025-01-08",
			MissedDate:    "2025-01-07",
		},
		OriginalStreak: 4,
		LongestStreak:  4,
	}

	outcome := Transition(prev, workingDay("2025-01-08", 2), DefaultPolicy())

	require.Equal(t, StatusOnStreak, outcome.State.Status.Type)
	require.Equal(t, 5, outcome.State.CurrentStreak)
	require.Equal(t, 5, outcome.State.LongestStreak)
	require.Equal(t, 0, outcome.State.OriginalStreak)
	require.NotNil(t, outcome.Resolution)
	require.True(t, outcome.Resolution.Successful)
	require.Equal(t, "2025-01-07", outcome.Resolution.MissedDate)
	require.Equal(t, "2025-01-08", outcome.Resolution.RecoveryDate)
	require.Equal(t, 2, outcome.Resolution.PostsWritten)
}

func TestTransitionMissesWhenDeadlinePassesUnmet(t *testing.T) {
	prev := StreakInfo{
		Status: Status{
			Type:          StatusEligible,
			PostsRequired: 2,
			CurrentPosts:  1,
			DeadlineDate:  "2025-01-08",
			MissedDate:    "2025-01-07",
		},
		OriginalStreak: 4,
		LongestStreak:  6,
	}

	outcome := Transition(prev, workingDay("2025-01-08", 1), DefaultPolicy())

	require.Equal(t, StatusMissed, outcome.State.Status.Type)
	require.Equal(t, 0, outcome.State.CurrentStreak)
	require.Equal(t, 0, outcome.State.OriginalStreak)
	require.Equal(t, 6, outcome.State.LongestStreak)
	require.NotNil(t, outcome.Resolution)
	require.False(t, outcome.Resolution.Successful)
	require.Equal(t, 1, outcome.Resolution.PostsWritten)
}

func TestTransitionRestartsAfterMissed(t *testing.T) {
	prev := StreakInfo{Status: Missed(), LongestStreak: 6}

	idle := Transition(prev, workingDay("2025-01-09", 0), DefaultPolicy())
	require.Equal(t, StatusMissed, idle.State.Status.Type)

	restarted := Transition(idle.State, workingDay("2025-01-10", 1), DefaultPolicy())
	require.Equal(t, StatusOnStreak, restarted.State.Status.Type)
	require.Equal(t, 1, restarted.State.CurrentStreak)
	require.Equal(t, 6, restarted.State.LongestStreak)
}

func TestRecordContributionCountsOnlyInsideWindow(t *testing.T) {
	prev := StreakInfo{Status: Status{
		Type:          StatusEligible,
		PostsRequired: 2,
		MissedDate:    "2025-01-10",
		DeadlineDate:  "2025-01-13",
	}}

	state := RecordContribution(prev, "2025-01-10", 1)
	require.Equal(t, 0, state.Status.CurrentPosts)
	state = RecordContribution(state, "2025-01-11", 1)
	state = RecordContribution(state, "2025-01-13", 1)
	require.Equal(t, 2, state.Status.CurrentPosts)
	state = RecordContribution(state, "2025-01-14", 4)
	require.Equal(t, 2, state.Status.CurrentPosts)

	onStreak := RecordContribution(NewStreakInfo(), "2025-01-11", 3)
	require.Equal(t, NewStreakInfo(), onStreak)
}

func TestStatusJSONOmitsInactiveVariantFields(t *testing.T) {
	missed, err := json.Marshal(Missed())
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"MISSED"}`, string(missed))

	eligible := Status{
		Type:          StatusEligible,
		PostsRequired: 2,
		Deadline:      time.Date(2025, 1, 8, 14, 59, 59, 0, time.UTC),
		DeadlineDate:  "2025-01-08",
		MissedDate:    "2025-01-07",
	}
	encoded, err := json.Marshal(eligible)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ELIGIBLE","postsRequired":2,"currentPosts":0,"deadline":"2025-01-08T14:59:59Z","deadlineDate":"2025-01-08","missedDate":"2025-01-07"}`, string(encoded))

	var decoded Status
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, eligible, decoded)
}

func TestHistoryIDIsDeterministic(t *testing.T) {
	first := HistoryID("user-1", "2025-01-07")
	require.Equal(t, first, HistoryID("user-1", "2025-01-07"))
	require.NotEqual(t, first, HistoryID("user-2", "2025-01-07"))
	require.NotEqual(t, first, HistoryID("user-1", "2025-01-08"))
}

func TestPolicyNormalize(t *testing.T) {
	require.Equal(t, DefaultPolicy(), Policy{}.Normalize())
	require.Equal(t, 3, Policy{PostsRequired: 3}.RequiredPosts(10))
}
