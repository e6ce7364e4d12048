// Package ratelimit provides rate limiting functionality.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// windowDuration is the enforcement window shared by all algorithms.
	windowDuration = time.Minute

	// storeEntryTTL is the expiry safety margin applied to distributed
	// entries so abandoned keys do not accumulate in the store.
	storeEntryTTL = 2 * windowDuration
)

var (
	// ErrRateLimitExceeded is returned when the rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrStoreUnavailable indicates the distributed backing store could
	// not serve the check. Propagation is policy-driven, see ResilientLimiter.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Algorithm selects the rate limiting strategy applied to a key.
type Algorithm string

const (
	// SlidingWindow counts requests in a strict trailing window.
	SlidingWindow Algorithm = "sliding_window"
	// TokenBucket refills a capacity-bounded token pool continuously.
	TokenBucket Algorithm = "token_bucket"
	// FixedWindow counts requests in calendar-aligned buckets.
	FixedWindow Algorithm = "fixed_window"
)

// ParseAlgorithm parses an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case SlidingWindow, TokenBucket, FixedWindow:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("unknown rate limit algorithm: %q", s)
}

// Config holds the rate limit parameters for a subject.
type Config struct {
	RequestsPerMinute int // enforced per-minute limit
	RequestsPerHour   int // reserved; no implemented algorithm enforces it
	BurstSize         int // token bucket capacity
	Algorithm         Algorithm
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		RequestsPerHour:   3600,
		BurstSize:         10,
		Algorithm:         SlidingWindow,
	}
}

// Validate rejects configurations that cannot be enforced. Invalid values
// are a construction-time error, never a per-request condition.
func (c Config) Validate() error {
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("requests per minute must be at least 1, got %d", c.RequestsPerMinute)
	}
	if c.RequestsPerHour < 1 {
		return fmt.Errorf("requests per hour must be at least 1, got %d", c.RequestsPerHour)
	}
	if c.BurstSize < 1 {
		return fmt.Errorf("burst size must be at least 1, got %d", c.BurstSize)
	}
	if _, err := ParseAlgorithm(string(c.Algorithm)); err != nil {
		return err
	}
	return nil
}

// refillRate returns the token bucket refill rate in tokens per second.
func (c Config) refillRate() float64 {
	return float64(c.RequestsPerMinute) / windowDuration.Seconds()
}

// Result contains the outcome of a rate limit check. A denial is a
// result, not an error.
type Result struct {
	Allowed    bool
	Limit      int           // the configured per-minute limit
	Remaining  int           // requests left in the current window
	Reset      time.Time     // when the current window resets (window algorithms)
	RetryAfter time.Duration // suggested wait before retrying (when denied)
	Burst      int           // bucket capacity (token bucket only)
	RefillRate float64       // tokens per second (token bucket only)
}

// Limiter is the decision interface shared by the local and distributed
// stores. Implementations must make each check-and-mutate atomic per key.
// Callers hold validated Configs; Allow does not re-validate.
type Limiter interface {
	// Allow checks whether a request for the given key is admitted under cfg.
	Allow(ctx context.Context, key string, cfg Config) (*Result, error)

	// Reset clears the rate limit state for a key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the limiter.
	Close() error
}
