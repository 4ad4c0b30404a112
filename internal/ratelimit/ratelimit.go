// Package ratelimit implements a per-client sliding-window request
// limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of a limiter.
type Stats struct {
	TrackedClients int           `json:"tracked_clients"`
	Limit          int           `json:"limit"`
	Window         time.Duration `json:"window"`
}

// Limiter allows at most limit requests per client within any trailing
// window. Rejected requests are not recorded.
type Limiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests map[string][]time.Time
	lastSeen map[string]time.Time
	now      func() time.Time
}

// New returns a limiter admitting limit requests per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow records a request from key and reports whether it is within the
// limit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Timestamps are appended in order, so the first one inside the
	// window marks where to cut.
	times := l.requests[key]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}

	recent := times[i:]

	if len(recent) >= l.limit {
		l.requests[key] = recent
		return false
	}

	l.requests[key] = append(recent, now)
	l.lastSeen[key] = now

	return true
}

// Cleanup drops clients not seen for two windows and clients with no
// recorded requests. It returns how many were dropped.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-2 * l.window)
	n := 0

	for key, times := range l.requests {
		if len(times) == 0 || l.lastSeen[key].Before(cutoff) {
			delete(l.requests, key)
			delete(l.lastSeen, key)
			n++
		}
	}

	for key := range l.lastSeen {
		if _, ok := l.requests[key]; !ok {
			delete(l.lastSeen, key)
		}
	}

	return n
}

// Stats returns the current tracking counts.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedClients: len(l.requests),
		Limit:          l.limit,
		Window:         l.window,
	}
}
