package security

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a subject issues authorization requests
// faster than the configured rate.
var ErrRateLimited = errors.New("authorization request rate limit exceeded")

const (
	// DefaultRateLimiterMaxEntries bounds the number of tracked identifiers
	DefaultRateLimiterMaxEntries = 10000

	// defaultIdleTimeout is how long an identifier may stay idle before its
	// limiter is discarded by Cleanup
	defaultIdleTimeout = 30 * time.Minute
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token bucket limiting with LRU eviction.
// The tracker uses it to bound how fast a single subject can create pending
// authorization requests, which live in memory until they expire.
type RateLimiter struct {
	limiters   map[string]*list.Element // identifier -> list element
	lruList    *list.List               // LRU list of *rateLimiterEntry
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxEntries int
	clock      Clock
	logger     *slog.Logger

	totalEvictions int64
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// PerSecond is the sustained rate per identifier. Zero or negative
	// disables limiting (every call is allowed).
	PerSecond float64

	// Burst is the bucket size. Defaults to 1 when limiting is enabled.
	Burst int

	// MaxEntries bounds tracked identifiers. Default: DefaultRateLimiterMaxEntries.
	MaxEntries int

	Clock  Clock
	Logger *slog.Logger
}

// NewRateLimiter creates a limiter. It has no background goroutine; idle
// limiters are discarded by Cleanup, which the sweeper calls.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimiterMaxEntries
	}
	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
	}

	return &RateLimiter{
		limiters:   make(map[string]*list.Element),
		lruList:    list.New(),
		limit:      limit,
		burst:      cfg.Burst,
		maxEntries: cfg.MaxEntries,
		clock:      ClockOrDefault(cfg.Clock),
		logger:     logger,
	}
}

// Allow reports whether identifier may proceed now.
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl == nil || rl.limit == rate.Inf {
		return true
	}
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictLRU removes the least recently used entry. Must be called with mu held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier_hash", hashForLogging(entry.identifier),
		"total_evictions", rl.totalEvictions)
}

// Cleanup discards limiters idle for longer than maxIdle (30 minutes when
// maxIdle is zero) and returns how many were removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	if rl == nil {
		return 0
	}
	if maxIdle <= 0 {
		maxIdle = defaultIdleTimeout
	}
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// The list is ordered by recency, so idle entries sit at the back.
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
