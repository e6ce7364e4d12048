package ratelimit

import (
	"context"
	"sync"
	"time"
)

// cleanupInterval controls how often idle per-key state is evicted.
const cleanupInterval = time.Minute

// MemoryLimiter keeps per-key state in process memory. Each algorithm has
// its own state map so a key checked under different algorithms never
// interferes with itself. Decisions for a key are linearized by a
// per-entry mutex; distinct keys do not contend.
type MemoryLimiter struct {
	now func() time.Time

	windows  sync.Map // map[string]*windowEntry
	buckets  sync.Map // map[string]*bucketEntry
	counters sync.Map // map[string]*counterEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// windowEntry holds the admitted request timestamps for one key,
// ascending. Denied requests are never recorded.
type windowEntry struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// bucketEntry holds the token bucket state for one key.
type bucketEntry struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	seeded bool
}

// counterEntry holds the fixed window counter for one key.
type counterEntry struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// NewMemoryLimiter creates an in-memory limiter and starts its cleanup
// goroutine. Call Close to stop it.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		now:  time.Now,
		done: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// Allow checks if a request for the given key is admitted under cfg.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, cfg Config) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	now := m.now()

	switch cfg.Algorithm {
	case TokenBucket:
		return m.allowTokenBucket(key, cfg, now), nil
	case FixedWindow:
		return m.allowFixedWindow(key, cfg, now), nil
	default:
		return m.allowSlidingWindow(key, cfg, now), nil
	}
}

func (m *MemoryLimiter) allowSlidingWindow(key string, cfg Config, now time.Time) *Result {
	v, _ := m.windows.LoadOrStore(key, &windowEntry{})
	e := v.(*windowEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Drop timestamps older than the trailing window. Entries are
	// ascending, so expired ones sit at the front.
	cutoff := now.Add(-windowDuration)
	drop := 0
	for drop < len(e.timestamps) && e.timestamps[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[drop:]...)
	}

	count := len(e.timestamps)
	if count >= cfg.RequestsPerMinute {
		// The window opens up when the oldest retained request expires.
		reset := e.timestamps[0].Add(windowDuration)
		return &Result{
			Allowed:    false,
			Limit:      cfg.RequestsPerMinute,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: nonNegative(reset.Sub(now)),
		}
	}

	e.timestamps = append(e.timestamps, now)
	return &Result{
		Allowed:   true,
		Limit:     cfg.RequestsPerMinute,
		Remaining: cfg.RequestsPerMinute - count - 1,
		Reset:     now,
	}
}

func (m *MemoryLimiter) allowTokenBucket(key string, cfg Config, now time.Time) *Result {
	v, _ := m.buckets.LoadOrStore(key, &bucketEntry{})
	e := v.(*bucketEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	// A key not seen before starts with a full bucket.
	if !e.seeded {
		e.tokens = float64(cfg.BurstSize)
		e.last = now
		e.seeded = true
	}

	rate := cfg.refillRate()
	elapsed := now.Sub(e.last).Seconds()
	if elapsed < 0 {
		// Clock regression must never drain the bucket.
		elapsed = 0
	}
	e.tokens += elapsed * rate
	if capacity := float64(cfg.BurstSize); e.tokens > capacity {
		e.tokens = capacity
	}
	e.last = now

	res := &Result{
		Limit:      cfg.RequestsPerMinute,
		Burst:      cfg.BurstSize,
		RefillRate: rate,
	}

	if e.tokens >= 1 {
		e.tokens--
		res.Allowed = true
		res.Remaining = int(e.tokens)
		return res
	}

	res.Remaining = 0
	res.RetryAfter = time.Duration((1 - e.tokens) / rate * float64(time.Second))
	return res
}

func (m *MemoryLimiter) allowFixedWindow(key string, cfg Config, now time.Time) *Result {
	v, _ := m.counters.LoadOrStore(key, &counterEntry{})
	e := v.(*counterEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	windowStart := now.Truncate(windowDuration)
	if !e.windowStart.Equal(windowStart) {
		e.windowStart = windowStart
		e.count = 0
	}

	// Increment first, then compare. This mirrors the distributed INCR
	// so local and Redis decisions agree for the same request history.
	e.count++

	reset := windowStart.Add(windowDuration)
	if e.count > cfg.RequestsPerMinute {
		return &Result{
			Allowed:    false,
			Limit:      cfg.RequestsPerMinute,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: nonNegative(reset.Sub(now)),
		}
	}

	return &Result{
		Allowed:   true,
		Limit:     cfg.RequestsPerMinute,
		Remaining: cfg.RequestsPerMinute - e.count,
		Reset:     reset,
	}
}

// Reset clears the rate limit state for a key across every algorithm.
func (m *MemoryLimiter) Reset(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.windows.Delete(key)
	m.buckets.Delete(key)
	m.counters.Delete(key)
	return nil
}

// Close stops the cleanup goroutine.
func (m *MemoryLimiter) Close() error {
	close(m.done)
	m.wg.Wait()
	return nil
}

// cleanupLoop periodically evicts idle entries.
func (m *MemoryLimiter) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup removes per-key state that can no longer influence a decision.
func (m *MemoryLimiter) cleanup() {
	now := m.now()
	cutoff := now.Add(-windowDuration)

	m.windows.Range(func(key, value interface{}) bool {
		e := value.(*windowEntry)
		e.mu.Lock()
		drop := 0
		for drop < len(e.timestamps) && e.timestamps[drop].Before(cutoff) {
			drop++
		}
		if drop > 0 {
			e.timestamps = append(e.timestamps[:0], e.timestamps[drop:]...)
		}
		empty := len(e.timestamps) == 0
		e.mu.Unlock()
		if empty {
			m.windows.Delete(key)
		}
		return true
	})

	m.buckets.Range(func(key, value interface{}) bool {
		e := value.(*bucketEntry)
		e.mu.Lock()
		idle := e.seeded && now.Sub(e.last) > storeEntryTTL
		e.mu.Unlock()
		if idle {
			m.buckets.Delete(key)
		}
		return true
	})

	m.counters.Range(func(key, value interface{}) bool {
		e := value.(*counterEntry)
		e.mu.Lock()
		stale := !e.windowStart.IsZero() && now.Sub(e.windowStart) > storeEntryTTL
		e.mu.Unlock()
		if stale {
			m.counters.Delete(key)
		}
		return true
	})
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
