// Package usage provides buffered per-key usage accounting.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome classifies how the gateway resolved a request.
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeUnauthorized  Outcome = "unauthorized"
	OutcomeCircuitOpen   Outcome = "circuit_open"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeCacheHit      Outcome = "cache_hit"
)

// Event attributes one outcome to a rate-limit subject.
type Event struct {
	Key     string
	Outcome Outcome
}

// Sink receives aggregated usage counts.
type Sink interface {
	FlushUsage(ctx context.Context, counts map[Event]int64) error
}

// Config holds configuration for the Recorder.
type Config struct {
	FlushInterval time.Duration // How often to flush accumulated counts
	BatchSize     int           // Flush when this many events accumulated
	ChannelBuffer int           // Size of the event channel buffer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 30 * time.Second,
		BatchSize:     1000,
		ChannelBuffer: 10000,
	}
}

// Recorder provides non-blocking, batched usage accounting. Events are
// dropped rather than blocking the request path when the buffer is full.
type Recorder struct {
	sink Sink
	cfg  Config

	eventChan    chan Event
	counts       map[Event]int64
	countsMu     sync.Mutex
	pendingCount int64 // total pending events (for batch size check)

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
	stopped  atomic.Bool
}

// NewRecorder creates a Recorder and starts its flush loop.
func NewRecorder(cfg Config, sink Sink) *Recorder {
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = DefaultConfig().ChannelBuffer
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	r := &Recorder{
		sink:      sink,
		cfg:       cfg,
		eventChan: make(chan Event, cfg.ChannelBuffer),
		counts:    make(map[Event]int64),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}

	go r.run()
	return r
}

// Record attributes an outcome to a key (non-blocking).
func (r *Recorder) Record(key string, outcome Outcome) {
	if r.stopped.Load() {
		return
	}

	// Non-blocking send - drop if buffer is full
	select {
	case r.eventChan <- Event{Key: key, Outcome: outcome}:
	default:
		// Channel full, event dropped (acceptable for accounting)
	}
}

// Stop stops the recorder and flushes remaining counts.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopChan)
		<-r.doneChan
	})
}

// PendingCounts returns a snapshot of unflushed usage counts.
func (r *Recorder) PendingCounts() map[Event]int64 {
	r.countsMu.Lock()
	defer r.countsMu.Unlock()

	result := make(map[Event]int64, len(r.counts))
	for e, n := range r.counts {
		result[e] = n
	}
	return result
}

// run is the main loop that batches events and flushes periodically.
func (r *Recorder) run() {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-r.eventChan:
			r.countsMu.Lock()
			r.counts[e]++
			r.pendingCount++
			shouldFlush := int(r.pendingCount) >= r.cfg.BatchSize
			r.countsMu.Unlock()

			if shouldFlush {
				r.flush()
			}

		case <-ticker.C:
			r.flush()

		case <-r.stopChan:
			r.drainChannel()
			r.flush()
			return
		}
	}
}

// drainChannel processes any remaining events in the channel.
func (r *Recorder) drainChannel() {
	for {
		select {
		case e := <-r.eventChan:
			r.countsMu.Lock()
			r.counts[e]++
			r.pendingCount++
			r.countsMu.Unlock()
		default:
			return
		}
	}
}

// flush hands accumulated counts to the sink and resets.
func (r *Recorder) flush() {
	r.countsMu.Lock()
	if len(r.counts) == 0 {
		r.countsMu.Unlock()
		return
	}

	// Swap maps for minimal lock time
	toFlush := r.counts
	r.counts = make(map[Event]int64)
	r.pendingCount = 0
	r.countsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Fire and forget - errors are logged by the sink, not retried
	_ = r.sink.FlushUsage(ctx, toFlush)
}
