// Package breaker implements a per-backend circuit breaker.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit is open and the backend
// must not be called.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State identifies a circuit breaker state.
type State int

const (
	// Closed passes requests through while counting failures.
	Closed State = iota
	// Open rejects requests until the recovery timeout has passed.
	Open
	// HalfOpen admits probe requests to test whether the backend recovered.
	HalfOpen
)

// String returns the state name used in logs and metrics labels.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// DefaultFailureThreshold is the number of failures that trips the circuit.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long an open circuit waits before probing.
	DefaultRecoveryTimeout = 60 * time.Second

	// successesToClose is the number of consecutive half-open successes
	// required before the circuit closes again.
	successesToClose = 3
)

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}
}

// StateChangeFunc observes state transitions and failure counts. It runs
// with the breaker lock held and must not call back into the breaker.
type StateChangeFunc func(backend string, from, to State, failures int)

// Breaker guards calls to a single backend. Failure counts survive
// individual successes while closed; only a completed half-open probe
// run clears them. State is per gateway instance.
type Breaker struct {
	backend       string
	cfg           Config
	onStateChange StateChangeFunc
	now           func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New creates a breaker for the named backend. Out-of-range config
// values fall back to the defaults.
func New(backend string, cfg Config, onStateChange StateChangeFunc) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		backend:       backend,
		cfg:           cfg,
		onStateChange: onStateChange,
		now:           time.Now,
		state:         Closed,
	}
}

// Allow reports whether a request may proceed. An open circuit whose
// recovery timeout has elapsed flips to half-open before the attempt, so
// the probe itself runs in the half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	if b.now().Sub(b.lastFailure) > b.cfg.RecoveryTimeout {
		b.transition(HalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= successesToClose {
			b.failures = 0
			b.successes = 0
			b.transition(Closed)
		}
	case Open:
		// A request in flight when the circuit tripped; ignored.
	case Closed:
		// Successes do not erase the failure count.
	}
}

// RecordFailure records a failed call, trips a closed circuit at the
// threshold, and reopens a half-open one immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.successes = 0
			b.transition(Open)
			return
		}
		b.notify(Closed, Closed)
	case HalfOpen:
		b.successes = 0
		b.transition(Open)
	case Open:
		// Still failing; the recovery window starts over.
		b.notify(Open, Open)
	}
}

// Execute runs fn under the breaker. When the circuit is open, fn is not
// invoked and ErrCircuitOpen is returned. fn's error is recorded as a
// failure and returned unchanged; a nil error is recorded as a success.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RetryAfter reports how long until an open circuit admits a probe. It
// returns zero when the circuit is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to {
		b.notify(from, to)
	}
}

// notify must be called with the lock held.
func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(b.backend, from, to, b.failures)
	}
}

// Registry hands out one breaker per backend, created on first use. All
// breakers share the registry's config and state change callback.
type Registry struct {
	cfg           Config
	onStateChange StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, onStateChange StateChangeFunc) *Registry {
	return &Registry{
		cfg:           cfg,
		onStateChange: onStateChange,
		breakers:      make(map[string]*Breaker),
	}
}

// Get returns the breaker for a backend, creating it if needed.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[backend]
	if !ok {
		b = New(backend, r.cfg, r.onStateChange)
		r.breakers[backend] = b
	}
	return b
}

// Do routes op through the backend's breaker.
func (r *Registry) Do(backend string, op func() error) error {
	return r.Get(backend).Execute(op)
}

// States returns the current state of every known backend.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
