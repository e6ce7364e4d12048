package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/pkg/logger"
)

// StoreFailurePolicy controls what happens when the distributed store
// fails mid-operation.
type StoreFailurePolicy string

const (
	// FailOpen admits the request without counting it.
	FailOpen StoreFailurePolicy = "open"
	// FailClosed propagates the store error so the caller can deny.
	FailClosed StoreFailurePolicy = "closed"
	// Degrade falls back to per-instance local limiting until the store
	// recovers.
	Degrade StoreFailurePolicy = "degrade"
)

// ParseStoreFailurePolicy parses a policy name.
func ParseStoreFailurePolicy(s string) (StoreFailurePolicy, error) {
	switch StoreFailurePolicy(s) {
	case FailOpen, FailClosed, Degrade:
		return StoreFailurePolicy(s), nil
	}
	return "", fmt.Errorf("unknown store failure policy: %q", s)
}

// localIdleTTL bounds how long an unused degraded-mode bucket is kept.
const localIdleTTL = 10 * time.Minute

// ResilientLimiter wraps a distributed limiter with an explicit policy
// for store failures. Only ErrStoreUnavailable triggers the policy;
// anything else, including context cancellation, passes through.
type ResilientLimiter struct {
	primary Limiter
	policy  StoreFailurePolicy
	local   *localLimiter
	log     *logger.Logger

	degraded atomic.Bool
}

// NewResilientLimiter wraps primary with the given failure policy.
func NewResilientLimiter(primary Limiter, policy StoreFailurePolicy, log *logger.Logger) *ResilientLimiter {
	r := &ResilientLimiter{
		primary: primary,
		policy:  policy,
		log:     log,
	}
	if policy == Degrade {
		r.local = newLocalLimiter()
	}
	return r
}

// Allow consults the primary limiter and applies the failure policy when
// the store cannot serve the check.
func (r *ResilientLimiter) Allow(ctx context.Context, key string, cfg Config) (*Result, error) {
	res, err := r.primary.Allow(ctx, key, cfg)
	if err == nil {
		if r.degraded.CompareAndSwap(true, false) {
			r.log.Info("rate limit store recovered, resuming distributed limiting")
		}
		return res, nil
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		return nil, err
	}

	metrics.RecordStoreFallback(string(r.policy))

	switch r.policy {
	case FailOpen:
		r.log.Warn("rate limit store unavailable, failing open", "error", err.Error())
		return &Result{
			Allowed:   true,
			Limit:     cfg.RequestsPerMinute,
			Remaining: cfg.RequestsPerMinute - 1,
		}, nil

	case Degrade:
		if r.degraded.CompareAndSwap(false, true) {
			r.log.Warn("rate limit store unavailable, degrading to local limiting", "error", err.Error())
		}
		return r.local.allow(key, cfg), nil

	default: // FailClosed
		r.log.Error("rate limit store unavailable, failing closed", "error", err.Error())
		return nil, err
	}
}

// Reset clears state in the primary limiter and any degraded-mode state.
func (r *ResilientLimiter) Reset(ctx context.Context, key string) error {
	if r.local != nil {
		r.local.reset(key)
	}
	return r.primary.Reset(ctx, key)
}

// Close closes the primary limiter.
func (r *ResilientLimiter) Close() error {
	return r.primary.Close()
}

// Degraded reports whether the last primary check failed and local
// limiting is in effect.
func (r *ResilientLimiter) Degraded() bool {
	return r.degraded.Load()
}

// localLimiter approximates every algorithm with a per-instance token
// bucket at the configured rate and burst. It is intentionally coarse;
// its job is to keep some limit in force while the store is down.
type localLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*timedLimiter
	lastSweep time.Time
}

type timedLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{
		limiters:  make(map[string]*timedLimiter),
		lastSweep: time.Now(),
	}
}

func (l *localLimiter) allow(key string, cfg Config) *Result {
	now := time.Now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > localIdleTTL {
		for k, tl := range l.limiters {
			if now.Sub(tl.lastUsed) > localIdleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	tl, ok := l.limiters[key]
	if !ok {
		tl = &timedLimiter{
			limiter: rate.NewLimiter(rate.Limit(cfg.refillRate()), cfg.BurstSize),
		}
		l.limiters[key] = tl
	}
	tl.lastUsed = now
	l.mu.Unlock()

	res := &Result{
		Limit:      cfg.RequestsPerMinute,
		Burst:      cfg.BurstSize,
		RefillRate: cfg.refillRate(),
	}

	if tl.limiter.Allow() {
		res.Allowed = true
		res.Remaining = int(tl.limiter.Tokens())
		return res
	}

	// Reserve to learn the wait, then cancel so nothing is consumed.
	rsv := tl.limiter.Reserve()
	res.RetryAfter = rsv.Delay()
	rsv.Cancel()
	return res
}

func (l *localLimiter) reset(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}
