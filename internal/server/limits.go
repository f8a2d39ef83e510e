package server

import (
	"sync"
	"time"
)

// actorRateLimiter throttles run creation per actor hash over a one minute
// sliding window.
type actorRateLimiter struct {
	mu     sync.Mutex
	limit  int
	window map[string][]time.Time
}

func newActorRateLimiter(perMinute int) *actorRateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &actorRateLimiter{
		limit:  perMinute,
		window: map[string][]time.Time{},
	}
}

func (l *actorRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	recent := l.window[key][:0]
	for _, t := range l.window[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.limit {
		l.window[key] = recent
		return false
	}
	l.window[key] = append(recent, now)
	return true
}
