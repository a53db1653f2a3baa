// Package ratelimit provides per-backend admission control: a proactive
// rolling window of recent requests plus a reactive exponential backoff that
// kicks in after throttling responses. One Limiter is shared by every
// concurrent request to the same backend, so all state lives behind a single
// mutex and read-modify-write sequences never interleave.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults applied when a backend configures no explicit values.
const (
	DefaultLimit   = 40
	DefaultWindow  = time.Minute
	DefaultBaseOff = 1 * time.Second
	DefaultMaxOff  = 60 * time.Second
)

// Limiter enforces the rolling window and backoff for one backend.
type Limiter struct {
	mu sync.Mutex

	limit  int
	window time.Duration

	// granted admission timestamps, oldest first, pruned at the window edge
	granted []time.Time

	baseBackoff time.Duration
	maxBackoff  time.Duration
	failures    int
	blockedTill time.Time

	// test seam
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a Limiter for one backend. Non-positive limit or window fall
// back to the defaults.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:       limit,
		window:      window,
		baseBackoff: DefaultBaseOff,
		maxBackoff:  DefaultMaxOff,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetBackoff overrides the reactive backoff bounds. Non-positive values leave
// the corresponding bound unchanged.
func (l *Limiter) SetBackoff(base, max time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if base > 0 {
		l.baseBackoff = base
	}
	if max > 0 {
		l.maxBackoff = max
	}
}

// Admit blocks until the caller may issue a request, or until ctx is
// cancelled. It first waits out any reactive backoff, then acquires a slot in
// the rolling window. Concurrent callers race for the last slot, so the wait
// loop re-checks after every sleep. A cancelled caller does not consume a
// window slot.
func (l *Limiter) Admit(ctx context.Context) error {
	if err := l.waitBackoff(ctx); err != nil {
		return err
	}

	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// waitBackoff sleeps through the reactive block, re-checking afterwards since
// another request may have been throttled while we slept.
func (l *Limiter) waitBackoff(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := l.blockedTill.Sub(l.now())
		l.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		slog.Warn("rate limit backoff active", "wait", wait.Round(time.Millisecond))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire either claims a window slot now or reports how long to wait for
// the oldest timestamp to leave the window.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	for len(l.granted) > 0 && !l.granted[0].After(cutoff) {
		l.granted = l.granted[1:]
	}

	if len(l.granted) < l.limit {
		l.granted = append(l.granted, now)
		return 0, true
	}

	wait := l.granted[0].Add(l.window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// Release returns the most recent slot claimed by a request that was
// cancelled before reaching the origin, so a cancelled admission does not
// count against the window.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.granted); n > 0 {
		l.granted = l.granted[:n-1]
	}
}

// RecordThrottled registers a throttling response. Each consecutive failure
// doubles the backoff, capped at the ceiling. When the origin supplied its
// own retry delay (Retry-After), that wins if it is longer.
func (l *Limiter) RecordThrottled(retryAfter time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	delay := l.baseBackoff << l.failures
	if delay > l.maxBackoff || delay <= 0 {
		delay = l.maxBackoff
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > l.maxBackoff {
		delay = l.maxBackoff
	}
	l.failures++

	until := l.now().Add(delay)
	if until.After(l.blockedTill) {
		l.blockedTill = until
	}
	slog.Warn("origin throttled, backing off", "delay", delay, "consecutive_failures", l.failures)
	return delay
}

// RecordSuccess resets the backoff after a successful response.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
	l.blockedTill = time.Time{}
}

// Blocked reports whether the reactive backoff is currently active.
func (l *Limiter) Blocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.blockedTill)
}

// Registry hands out one shared Limiter per backend id.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// For returns the Limiter for a backend, creating it on first use with the
// given settings. Later calls ignore the settings and return the existing
// instance.
func (r *Registry) For(backendID string, limit int, window time.Duration) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[backendID]; ok {
		return l
	}
	l := New(limit, window)
	r.limiters[backendID] = l
	return l
}
