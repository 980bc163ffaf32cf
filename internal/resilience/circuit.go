// Package resilience provides bounded retry, a circuit breaker, and the
// transient-error taxonomy shared by the page drivers and the pipeline.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// opens the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the number of successful probes that close the
	// circuit again. Default: 1.
	HalfOpenMaxProbes int

	// ShouldTrip selects which errors count as failures. Errors it rejects
	// count as successes. Default: every non-nil error.
	ShouldTrip func(err error) bool

	// OnStateChange is called on every transition, under the breaker lock.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker stops calling a dependency that keeps failing.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	openedAt            time.Time
	halfOpenSuccesses   int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Execute runs fn unless the circuit is open, and records the result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current state, reporting half-open once an open
// circuit's reset timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Counters returns the failure streak and raw state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !cb.cfg.ShouldTrip(err) {
		cb.consecutiveFailures = 0
		if cb.state == CircuitHalfOpen {
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxProbes {
				cb.halfOpenSuccesses = 0
				cb.transition(CircuitClosed)
			}
		}
		return
	}

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.nowFunc()
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.halfOpenSuccesses = 0
		cb.openedAt = cb.nowFunc()
		cb.transition(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// BreakerLogger returns an OnStateChange callback that logs transitions.
func BreakerLogger(name string) func(from, to CircuitState) {
	return func(from, to CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
}
