package security

import (
	"sync"
	"time"
)

const (
	// DefaultClockSkewGracePeriod is the grace period applied to expiry times
	// declared by the upstream provider (access token expiry). Times produced
	// by our own clock, such as request windows and consent TTLs, are checked
	// without grace.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// Clock is the time source used by the tracker, ledger, sweeper and auditor.
// Tests inject a controllable implementation.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ClockOrDefault returns c, or a SystemClock when c is nil.
func ClockOrDefault(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

// IsExpiredAt reports whether expiresAt has been reached at now.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// IsTokenExpired checks a provider-declared expiry with the default clock
// skew grace period.
func IsTokenExpired(expiresAt, now time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, now, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks a provider-declared expiry: the token is
// only considered expired once it has been expired for longer than gracePeriod.
func IsTokenExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// ManualClock is a Clock that only moves when told to. It is safe for
// concurrent use and is meant for tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock set to t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
