// Package ratelimit provides a per-client fixed-window request limiter.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type record struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per key in fixed windows.
// Keys are client network addresses; the limiter never inspects them.
type Limiter struct {
	mu             sync.Mutex
	records        map[string]*record
	limit          int
	window         time.Duration
	sweepThreshold int
	now            func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepThreshold sets the record count above which expired records are
// swept on the next Check.
func WithSweepThreshold(n int) Option {
	return func(l *Limiter) { l.sweepThreshold = n }
}

// New creates a limiter allowing limit requests per window for each key.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		records:        make(map[string]*record),
		limit:          limit,
		window:         window,
		sweepThreshold: 1000,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check records a request for key and reports whether it is allowed.
// A denied request does not modify the record.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.records) > l.sweepThreshold {
		l.sweepLocked(now)
	}

	rec, ok := l.records[key]
	if !ok || !now.Before(rec.resetAt) {
		rec = &record{count: 1, resetAt: now.Add(l.window)}
		l.records[key] = rec
		return Result{Allowed: true, Remaining: l.limit - 1, ResetAt: rec.resetAt}
	}

	if rec.count >= l.limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: rec.resetAt}
	}

	rec.count++
	return Result{Allowed: true, Remaining: l.limit - rec.count, ResetAt: rec.resetAt}
}

// Sweep deletes every record whose window has elapsed and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Limiter) sweepLocked(now time.Time) int {
	removed := 0
	for key, rec := range l.records {
		if !now.Before(rec.resetAt) {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}
