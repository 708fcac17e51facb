// Package ratelimit paces calls against an external dependency's quota.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultSafetyMultiplier biases the limiter toward staying under the quota
// rather than riding exactly at it.
const DefaultSafetyMultiplier = 2.0

// Limiter tracks call cadence against a requests-per-minute ceiling and
// computes the delay a caller must observe before its next request.
//
// One Limiter instance is shared per external dependency. It is safe for
// concurrent use by multiple importer workers; every decision is a serialized
// point-in-time computation under a single lock, not a queue.
type Limiter struct {
	mu sync.Mutex

	perMinute int
	safety    float64

	started      bool
	start        time.Time
	nextEligible time.Time
	calls        int64

	now func() time.Time // injectable for tests
}

// New returns a limiter for the given requests-per-minute ceiling.
// A ceiling <= 0 disables throttling entirely.
func New(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		safety:    DefaultSafetyMultiplier,
		now:       time.Now,
	}
}

// Calls returns the number of Throttle decisions taken so far.
func (l *Limiter) Calls() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Throttle records one call and reports whether the caller should wait, and
// for how long. A zero or negative delay means proceed immediately.
//
// The first call establishes the start of the measurement window and is never
// delayed. Subsequent calls compare the average interval required by the
// ceiling against the realized average interval so far; when the realized rate
// is too fast, the next-eligible time is pushed forward by the shortfall
// scaled by the safety multiplier.
func (l *Limiter) Throttle() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The counter increments exactly once per call on every path, or the
	// realized-average computation drifts.
	l.calls++

	if l.perMinute <= 0 {
		return false, 0
	}

	now := l.now()
	if !l.started {
		l.started = true
		l.start = now
		l.nextEligible = now
		return false, 0
	}

	required := time.Minute / time.Duration(l.perMinute)
	realized := now.Sub(l.start) / time.Duration(l.calls-1)

	if realized < required {
		shortfall := required - realized
		scaled := time.Duration(float64(shortfall) * l.safety)
		l.nextEligible = l.nextEligible.Add(scaled)
	}

	delay := l.nextEligible.Sub(now)
	if delay <= 0 {
		return false, 0
	}
	return true, delay
}

// Wait applies Throttle and blocks for the computed delay, aborting promptly
// when ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	shouldWait, delay := l.Throttle()
	if !shouldWait {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
