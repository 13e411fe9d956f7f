package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// inWindow returns how many of userID's requests the limiter still holds.
func inWindow(l *Limiter, userID string) int {
	var n int
	l.windows.Do(userID, func(ts []time.Time, ok bool) ([]time.Time, bool) {
		ts = l.purge(ts, l.now())
		n = len(ts)
		return ts, ok
	})
	return n
}

func newTestLimiter(max int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(max, time.Minute).WithClock(clock.Now), clock
}

func TestLimiter_BoundaryAllowedThenDenied(t *testing.T) {
	l, clock := newTestLimiter(3)

	for i := 1; i <= 3; i++ {
		assert.True(t, l.Allow("u1"), "request %d should be allowed", i)
		clock.Advance(time.Second)
	}
	assert.False(t, l.Allow("u1"), "request 4 should be denied")
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2)

	assert.True(t, l.Allow("u1"))
	clock.Advance(10 * time.Second)
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))

	// First request leaves the window; the denied one at t=10s still counts.
	clock.Advance(51 * time.Second)
	assert.Equal(t, 2, inWindow(l, "u1"))
	assert.False(t, l.Allow("u1"))

	clock.Advance(61 * time.Second)
	assert.True(t, l.Allow("u1"))
}

func TestLimiter_DeniedRequestsAreCounted(t *testing.T) {
	l, clock := newTestLimiter(1)

	assert.True(t, l.Allow("u1"))
	for i := 0; i < 5; i++ {
		clock.Advance(15 * time.Second)
		assert.False(t, l.Allow("u1"))
	}
	// t=0 has aged out, the five denied requests remain.
	assert.Equal(t, 5, inWindow(l, "u1"))
}

func TestLimiter_UsersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)

	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
	assert.True(t, l.Allow("u2"))
}

func TestLimiter_Prune(t *testing.T) {
	l, clock := newTestLimiter(5)

	l.Allow("u1")
	clock.Advance(30 * time.Second)
	l.Allow("u2")
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 0, inWindow(l, "u1"))
	assert.Equal(t, 1, inWindow(l, "u2"))
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(50)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}
