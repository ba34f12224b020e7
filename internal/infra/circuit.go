// Package infra provides the process-wide resilience primitives the
// proxy pipeline is built on: circuit breakers, the retry engine, a
// TTL/LRU cache, and duplicate-call suppression.
package infra

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitOpenError is returned for calls that fail fast while the
// breaker is open. It maps to a 503 at the HTTP boundary.
type CircuitOpenError struct {
	Upstream string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for upstream %q", e.Upstream)
}

// StatusCode returns the HTTP status this error maps to.
func (e *CircuitOpenError) StatusCode() int { return 503 }

// CircuitBreakerConfig configures one breaker.
type CircuitBreakerConfig struct {
	// Name identifies the upstream this breaker protects.
	Name string

	// FailureThreshold opens the breaker after this many consecutive
	// trip-worthy failures.
	FailureThreshold int

	// ErrorThresholdPercentage opens the breaker when the rolling-window
	// error rate reaches this percentage.
	ErrorThresholdPercentage float64

	// VolumeThreshold is the minimum number of samples the rolling
	// window needs before the error-rate rule applies.
	VolumeThreshold int

	// Window is the rolling sample window.
	Window time.Duration

	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int

	// Timeout is how long the breaker stays open before admitting a
	// probe call.
	Timeout time.Duration

	// IsFailure classifies errors: only trip-worthy errors count
	// against the breaker. When nil every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange is invoked on every transition.
	OnStateChange func(name, from, to string)
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ErrorThresholdPercentage <= 0 {
		c.ErrorThresholdPercentage = 50
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 10
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// CircuitBreaker tracks upstream health and fails fast while the
// upstream is considered down. Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	samples         []sample
	lastStateChange time.Time

	now func() time.Time // test seam
}

type sample struct {
	at      time.Time
	failure bool
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Execute runs fn under breaker protection. While the breaker is open
// and the timeout has not elapsed, fn is never invoked and a
// CircuitOpenError is returned. Each Execute call counts as one sample
// regardless of how many attempts happen inside fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// ExecuteWithResult is Execute for functions returning a value.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	cb.record(err)
	return result, err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.Timeout {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		return &CircuitOpenError{Upstream: cb.config.Name}
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	failure := err != nil
	if failure && cb.config.IsFailure != nil && !cb.config.IsFailure(err) {
		// Client-class errors pass through without tripping anything;
		// they count as successes for breaker bookkeeping.
		failure = false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.samples = append(cb.samples, sample{at: now, failure: failure})
	cb.pruneSamples(now)

	if failure {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold || cb.windowTripped() {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitClosed:
		if cb.failures > 0 {
			cb.failures--
		}
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
			cb.failures = 0
		}
	}
}

// windowTripped reports whether the rolling-window error rate crossed
// the threshold. Requires at least VolumeThreshold samples.
func (cb *CircuitBreaker) windowTripped() bool {
	total := len(cb.samples)
	if total < cb.config.VolumeThreshold {
		return false
	}
	failed := 0
	for _, s := range cb.samples {
		if s.failure {
			failed++
		}
	}
	rate := float64(failed) / float64(total) * 100
	return rate >= cb.config.ErrorThresholdPercentage
}

func (cb *CircuitBreaker) pruneSamples(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	idx := 0
	for idx < len(cb.samples) && cb.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.samples = append(cb.samples[:0], cb.samples[idx:]...)
	}
}

func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.successes = 0
	if newState == CircuitOpen {
		cb.failures = 0
	}

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.samples = nil
	cb.lastStateChange = cb.now()
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name            string
	State           string
	Failures        int
	Successes       int
	WindowSamples   int
	LastStateChange time.Time
}

// Snapshot returns the breaker's current statistics.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.config.Name,
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		WindowSamples:   len(cb.samples),
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitBreakerRegistry keeps one breaker per upstream name.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry; defaults apply to every
// breaker it mints.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	defaults.applyDefaults()
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for an upstream, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Snapshots returns statistics for every registered breaker.
func (r *CircuitBreakerRegistry) Snapshots() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}
