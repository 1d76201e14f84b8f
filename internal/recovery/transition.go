package recovery

import "time"

// DayFacts are the calendar and activity facts of one closed day.
type DayFacts struct {
	DayKey string
	// Posts is the number of qualifying posts written on the day.
	Posts      int
	WorkingDay bool
	// DeadlineDate and Deadline describe the recovery window that would open
	// if this day turns out missed.
	DeadlineDate string
	Deadline     time.Time
	// ClosedAt stamps LastCalculated and any resolution.
	ClosedAt time.Time
}

// Resolution describes how an open recovery window ended.
type Resolution struct {
	MissedDate    string
	RecoveryDate  string
	PostsRequired int
	PostsWritten  int
	ResolvedAt    time.Time
	Successful    bool
}

// Outcome is the result of a transition.
type Outcome struct {
	State      StreakInfo
	Resolution *Resolution
}

// RecordContribution counts posts written inside an open recovery window.
// Posts outside (missedDate, deadlineDate] or outside ELIGIBLE are ignored.
func RecordContribution(prev StreakInfo, dayKey string, posts int) StreakInfo {
	next := prev
	if posts <= 0 || prev.Status.Type != StatusEligible {
		return next
	}
	if dayKey <= prev.Status.MissedDate || dayKey > prev.Status.DeadlineDate {
		return next
	}
	next.Status.CurrentPosts += posts
	return next
}

// Transition folds one closed day into the streak state.
//
// Non-working days leave counters and status untouched. Working days move
// the state machine:
//
//	ON_STREAK + post              -> ON_STREAK, streak+1
//	ON_STREAK(streak>0) + no post -> ELIGIBLE, streak parked in OriginalStreak
//	ON_STREAK(streak=0) + no post -> ON_STREAK, unchanged
//	ELIGIBLE at deadline, met     -> ON_STREAK, streak = original+1
//	ELIGIBLE at deadline, unmet   -> MISSED, streak 0
//	MISSED + post                 -> ON_STREAK, streak 1
//
// ELIGIBLE posts are counted with RecordContribution before the deadline day
// is closed.
func Transition(prev StreakInfo, facts DayFacts, policy Policy) Outcome {
	next := prev
	if next.Status.Type == "" {
		next.Status = OnStreak()
	}
	next.LastCalculated = facts.ClosedAt.UTC()

	if !facts.WorkingDay {
		return Outcome{State: next}
	}

	contributed := facts.Posts > 0
	if contributed {
		next.LastContributionDate = facts.DayKey
	}

	switch next.Status.Type {
	case StatusEligible:
		return resolveEligible(next, facts)
	case StatusMissed:
		if contributed {
			next.Status = OnStreak()
			next.CurrentStreak = 1
			next.LongestStreak = max(next.LongestStreak, next.CurrentStreak)
		}
		return Outcome{State: next}
	default:
		if contributed {
			next.CurrentStreak++
			next.LongestStreak = max(next.LongestStreak, next.CurrentStreak)
			return Outcome{State: next}
		}
		if next.CurrentStreak == 0 {
			return Outcome{State: next}
		}
		next.Status = Status{
			Type:          StatusEligible,
			PostsRequired: policy.RequiredPosts(next.CurrentStreak),
			CurrentPosts:  0,
			Deadline:      facts.Deadline.UTC(),
			DeadlineDate:  facts.DeadlineDate,
			MissedDate:    facts.DayKey,
		}
		next.OriginalStreak = next.CurrentStreak
		next.CurrentStreak = 0
		return Outcome{State: next}
	}
}

func resolveEligible(next StreakInfo, facts DayFacts) Outcome {
	status := next.Status
	if facts.DayKey < status.DeadlineDate {
		return Outcome{State: next}
	}

	resolution := &Resolution{
		MissedDate:    status.MissedDate,
		RecoveryDate:  facts.DayKey,
		PostsRequired: status.PostsRequired,
		PostsWritten:  status.CurrentPosts,
		ResolvedAt:    facts.ClosedAt.UTC(),
	}

	if status.CurrentPosts >= status.PostsRequired {
		resolution.Successful = true
		next.CurrentStreak = next.OriginalStreak + 1
		next.LongestStreak = max(next.LongestStreak, next.CurrentStreak)
		next.OriginalStreak = 0
		next.Status = OnStreak()
		return Outcome{State: next, Resolution: resolution}
	}

	next.CurrentStreak = 0
	next.OriginalStreak = 0
	next.Status = Missed()
	return Outcome{State: next, Resolution: resolution}
}
