package recovery

const (
	defaultPostsRequired     = 2
	defaultWindowWorkingDays = 1
)

// Policy is the recovery rule applied when a working day is missed.
type Policy struct {
	// PostsRequired is the number of posts that offsets one missed day.
	PostsRequired int
	// WindowWorkingDays is how many working days after the missed day the
	// window stays open. The deadline is the end of the last of them.
	WindowWorkingDays int
}

// DefaultPolicy returns two posts within the next working day.
func DefaultPolicy() Policy {
	return Policy{PostsRequired: defaultPostsRequired, WindowWorkingDays: defaultWindowWorkingDays}
}

// Normalize replaces non-positive values with the defaults.
func (policy Policy) Normalize() Policy {
	if policy.PostsRequired <= 0 {
		policy.PostsRequired = defaultPostsRequired
	}
	if policy.WindowWorkingDays <= 0 {
		policy.WindowWorkingDays = defaultWindowWorkingDays
	}
	return policy
}

// RequiredPosts returns the posts needed to recover a streak of the given length.
// The requirement does not currently depend on the streak length.
func (policy Policy) RequiredPosts(currentStreak int) int {
	_ = currentStreak
	return policy.Normalize().PostsRequired
}
