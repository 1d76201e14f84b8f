package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultRequestsPerMinute = 6

// subjectLimiter keeps one token bucket per authenticated subject.
type subjectLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newSubjectLimiter(perMinute int) *subjectLimiter {
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	return &subjectLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

func (l *subjectLimiter) Allow(subject string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[subject]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[subject] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
