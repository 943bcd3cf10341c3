package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(algo Algorithm, limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter([]Rule{{Name: "user", Scope: ScopeUser, Algorithm: algo, Limit: limit, Window: window}}).WithClock(clock.now)
	return l, clock
}

func TestSlidingWindowAccounting(t *testing.T) {
	l, clock := newTestLimiter(AlgoSlidingWindow, 5, time.Minute)
	ri := RequestInfo{User: "alice"}
	for i := 0; i < 5; i++ {
		d := l.Check(ri)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 5-i-1, d.Remaining)
	}
	d := l.Check(ri)
	require.False(t, d.Allowed)
	assert.Equal(t, "user", d.Rule)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)

	// The window slides: after the first request ages out one slot frees.
	clock.advance(61 * time.Second)
	assert.True(t, l.Check(ri).Allowed)
}

func TestSlidingWindowNeverExceedsLimitInAnyWindow(t *testing.T) {
	l, clock := newTestLimiter(AlgoSlidingWindow, 10, time.Minute)
	ri := RequestInfo{User: "bob"}
	var allowedTimes []time.Time
	for i := 0; i < 300; i++ {
		if l.Check(ri).Allowed {
			allowedTimes = append(allowedTimes, clock.now())
		}
		clock.advance(700 * time.Millisecond)
	}
	// Slide a window over every allowed request and count occupants.
	for i, start := range allowedTimes {
		count := 0
		for _, ts := range allowedTimes[i:] {
			if ts.Sub(start) < time.Minute {
				count++
			}
		}
		assert.LessOrEqual(t, count, 10, "window starting at %v", start)
	}
}

func TestFixedWindowResets(t *testing.T) {
	l, clock := newTestLimiter(AlgoFixedWindow, 3, time.Minute)
	ri := RequestInfo{User: "carol"}
	for i := 0; i < 3; i++ {
		require.True(t, l.Check(ri).Allowed)
	}
	require.False(t, l.Check(ri).Allowed)
	clock.advance(time.Minute)
	assert.True(t, l.Check(ri).Allowed)
}

func TestTokenBucketBurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(AlgoTokenBucket, 60, time.Minute)
	ri := RequestInfo{User: "dave"}
	// Full burst available up front.
	for i := 0; i < 60; i++ {
		require.True(t, l.Check(ri).Allowed, "burst request %d", i)
	}
	require.False(t, l.Check(ri).Allowed)
	// One token per second refills.
	clock.advance(1500 * time.Millisecond)
	assert.True(t, l.Check(ri).Allowed)
	assert.False(t, l.Check(ri).Allowed)
}

func TestLeakyBucketDrains(t *testing.T) {
	l, clock := newTestLimiter(AlgoLeakyBucket, 2, time.Second)
	ri := RequestInfo{User: "erin"}
	require.True(t, l.Check(ri).Allowed)
	require.True(t, l.Check(ri).Allowed)
	require.False(t, l.Check(ri).Allowed)
	clock.advance(600 * time.Millisecond) // leaks 1.2
	assert.True(t, l.Check(ri).Allowed)
}

func TestScopesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(AlgoSlidingWindow, 2, time.Minute)
	require.True(t, l.Check(RequestInfo{User: "u1"}).Allowed)
	require.True(t, l.Check(RequestInfo{User: "u1"}).Allowed)
	require.False(t, l.Check(RequestInfo{User: "u1"}).Allowed)
	assert.True(t, l.Check(RequestInfo{User: "u2"}).Allowed, "a different user has a fresh bucket")
}

func TestUnresolvedScopeSkipsRule(t *testing.T) {
	l, _ := newTestLimiter(AlgoSlidingWindow, 1, time.Minute)
	// No user value: the user-scoped rule cannot apply.
	for i := 0; i < 5; i++ {
		assert.True(t, l.Check(RequestInfo{IP: "10.0.0.1"}).Allowed)
	}
}

func TestDecisionHeaders(t *testing.T) {
	l, _ := newTestLimiter(AlgoSlidingWindow, 1, time.Minute)
	ri := RequestInfo{User: "frank"}
	_ = l.Check(ri)
	d := l.Check(ri)
	require.False(t, d.Allowed)
	h := d.Headers()
	assert.Equal(t, "1", h["X-RateLimit-Limit"])
	assert.Equal(t, "0", h["X-RateLimit-Remaining"])
	assert.Equal(t, "user", h["X-RateLimit-Rule"])
	assert.NotEmpty(t, h["X-RateLimit-Reset"])
	assert.NotEmpty(t, h["Retry-After"])
}
