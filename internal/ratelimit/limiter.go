package ratelimit

import (
	"time"

	"github.com/xaenox/lexrelay/internal/shard"
)

const (
	DefaultWindow = time.Minute
	DefaultMax    = 10
)

// Limiter is a per-user sliding-window counter. Every call is recorded,
// including denied ones, so a user who keeps sending stays limited.
type Limiter struct {
	windows *shard.Map[[]time.Time]
	max     int
	window  time.Duration
	now     func() time.Time
}

func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		windows: shard.NewMap[[]time.Time](0),
		max:     maxRequests,
		window:  window,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow records a request for userID and reports whether it is within the limit.
// The request that brings the count to max is allowed, the next one is not.
func (l *Limiter) Allow(userID string) bool {
	var allowed bool
	l.windows.Do(userID, func(ts []time.Time, _ bool) ([]time.Time, bool) {
		now := l.now()
		ts = append(ts, now)
		ts = l.purge(ts, now)
		allowed = len(ts) <= l.max
		return ts, true
	})
	return allowed
}

// purge drops timestamps older than the window from the front.
func (l *Limiter) purge(ts []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) > l.window {
		i++
	}
	if i == 0 {
		return ts
	}
	// Copy down so the backing array does not grow without bound.
	n := copy(ts, ts[i:])
	return ts[:n]
}

// Prune removes users whose newest request has left the window.
func (l *Limiter) Prune() int {
	now := l.now()
	return l.windows.Prune(func(_ string, ts []time.Time) bool {
		return len(ts) == 0 || now.Sub(ts[len(ts)-1]) > l.window
	})
}
