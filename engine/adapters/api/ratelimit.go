package api

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scope selects what a rule keys its buckets by.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeUser     Scope = "user"
	ScopeIP       Scope = "ip"
	ScopeAPIKey   Scope = "api_key"
	ScopeEndpoint Scope = "endpoint"
)

// Algorithm names the accounting strategy a rule uses.
type Algorithm string

const (
	AlgoTokenBucket   Algorithm = "token_bucket"
	AlgoSlidingWindow Algorithm = "sliding_window"
	AlgoFixedWindow   Algorithm = "fixed_window"
	AlgoLeakyBucket   Algorithm = "leaky_bucket"
)

// Rule is one rate-limit constraint; all configured rules must pass.
type Rule struct {
	Name      string
	Scope     Scope
	Algorithm Algorithm
	Limit     int
	Window    time.Duration
	Burst     int // token bucket only; 0 selects Limit
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Rule       string
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// RequestInfo carries the scope values for one request.
type RequestInfo struct {
	User     string
	IP       string
	APIKey   string
	Endpoint string
}

func (ri RequestInfo) scopeValue(s Scope) (string, bool) {
	switch s {
	case ScopeGlobal:
		return "global", true
	case ScopeUser:
		return ri.User, ri.User != ""
	case ScopeIP:
		return ri.IP, ri.IP != ""
	case ScopeAPIKey:
		return ri.APIKey, ri.APIKey != ""
	case ScopeEndpoint:
		return ri.Endpoint, ri.Endpoint != ""
	default:
		return "", false
	}
}

// bucket is the per-(rule, scope-value) accounting state.
type bucket interface {
	// take consumes one request; returns allowed, remaining, reset time.
	take(now time.Time) (bool, int, time.Time)
}

// Limiter applies every configured rule; the first failing rule blocks the
// request. Buckets are created on demand and evicted when idle.
type Limiter struct {
	rules []Rule

	mu       sync.Mutex
	buckets  map[string]bucket
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewLimiter builds a limiter from rules; invalid rules are dropped.
func NewLimiter(rules []Rule) *Limiter {
	valid := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Limit > 0 && r.Window > 0 {
			valid = append(valid, r)
		}
	}
	return &Limiter{
		rules:    valid,
		buckets:  make(map[string]bucket),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithClock overrides the limiter clock (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check runs every rule whose scope resolves for this request. The returned
// decision carries the most restrictive remaining count for header emission.
func (l *Limiter) Check(ri RequestInfo) Decision {
	now := l.now()
	decision := Decision{Allowed: true, Remaining: -1}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)
	for _, r := range l.rules {
		val, ok := ri.scopeValue(r.Scope)
		if !ok {
			continue
		}
		key := r.Name + "|" + string(r.Scope) + "|" + val
		b := l.buckets[key]
		if b == nil {
			b = newBucket(r)
			l.buckets[key] = b
		}
		l.lastSeen[key] = now
		allowed, remaining, reset := b.take(now)
		if !allowed {
			return Decision{
				Allowed:    false,
				Rule:       r.Name,
				Limit:      r.Limit,
				Remaining:  0,
				Reset:      reset,
				RetryAfter: reset.Sub(now),
			}
		}
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Rule = r.Name
			decision.Limit = r.Limit
			decision.Remaining = remaining
			decision.Reset = reset
		}
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision
}

// evictLocked drops buckets idle for over ten minutes.
func (l *Limiter) evictLocked(now time.Time) {
	for key, seen := range l.lastSeen {
		if now.Sub(seen) > 10*time.Minute {
			delete(l.lastSeen, key)
			delete(l.buckets, key)
		}
	}
}

func newBucket(r Rule) bucket {
	switch r.Algorithm {
	case AlgoTokenBucket:
		burst := r.Burst
		if burst <= 0 {
			burst = r.Limit
		}
		lim := rate.NewLimiter(rate.Limit(float64(r.Limit)/r.Window.Seconds()), burst)
		return &tokenBucket{lim: lim, window: r.Window, limit: r.Limit}
	case AlgoFixedWindow:
		return &fixedWindow{limit: r.Limit, window: r.Window}
	case AlgoLeakyBucket:
		return &leakyBucket{capacity: float64(r.Limit), leakPerSec: float64(r.Limit) / r.Window.Seconds(), window: r.Window}
	default: // sliding window is the default algorithm
		return &slidingWindow{limit: r.Limit, window: r.Window}
	}
}

// tokenBucket wraps x/time/rate.
type tokenBucket struct {
	lim    *rate.Limiter
	window time.Duration
	limit  int
}

func (b *tokenBucket) take(now time.Time) (bool, int, time.Time) {
	if !b.lim.AllowN(now, 1) {
		// One token refills in window/limit.
		return false, 0, now.Add(b.window / time.Duration(b.limit))
	}
	return true, int(b.lim.TokensAt(now)), now.Add(b.window)
}

// slidingWindow keeps request timestamps and prunes those outside the
// window, so the §8 accounting invariant holds for any window position.
type slidingWindow struct {
	limit  int
	window time.Duration
	times  []time.Time
}

func (b *slidingWindow) take(now time.Time) (bool, int, time.Time) {
	cut := now.Add(-b.window)
	kept := b.times[:0]
	for _, t := range b.times {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	b.times = kept
	if len(b.times) >= b.limit {
		reset := b.times[0].Add(b.window)
		return false, 0, reset
	}
	b.times = append(b.times, now)
	return true, b.limit - len(b.times), b.times[0].Add(b.window)
}

// fixedWindow counts requests per aligned window.
type fixedWindow struct {
	limit   int
	window  time.Duration
	start   time.Time
	counter int
}

func (b *fixedWindow) take(now time.Time) (bool, int, time.Time) {
	if b.start.IsZero() || now.Sub(b.start) >= b.window {
		b.start = now.Truncate(b.window)
		b.counter = 0
	}
	reset := b.start.Add(b.window)
	if b.counter >= b.limit {
		return false, 0, reset
	}
	b.counter++
	return true, b.limit - b.counter, reset
}

// leakyBucket drains at a constant rate; a full bucket rejects.
type leakyBucket struct {
	capacity   float64
	leakPerSec float64
	window     time.Duration
	level      float64
	lastLeak   time.Time
}

func (b *leakyBucket) take(now time.Time) (bool, int, time.Time) {
	if !b.lastLeak.IsZero() {
		b.level -= now.Sub(b.lastLeak).Seconds() * b.leakPerSec
		if b.level < 0 {
			b.level = 0
		}
	}
	b.lastLeak = now
	if b.level+1 > b.capacity {
		drainOne := time.Duration(1 / b.leakPerSec * float64(time.Second))
		return false, 0, now.Add(drainOne)
	}
	b.level++
	return true, int(b.capacity - b.level), now.Add(b.window)
}

// Headers renders the standard rate-limit headers for d.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(d.Reset.Unix(), 10),
	}
	if d.Rule != "" {
		h["X-RateLimit-Rule"] = d.Rule
	}
	if !d.Allowed {
		secs := int(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h["Retry-After"] = strconv.Itoa(secs)
	}
	return h
}
