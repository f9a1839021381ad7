package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/omegamusic/go-common/logger"
)

var (
	// ErrCircuitOpen is returned by Allow and Execute while the breaker is
	// open. Callers fail fast without touching the protected resource.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// CoolDown is how long the circuit stays open before the next attempt
	// is allowed through.
	CoolDown time.Duration

	// Clock overrides the time source. Intended for tests. Defaults to
	// time.Now.
	Clock func() time.Time
}

// DefaultCircuitBreakerConfig returns a default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		CoolDown:         2 * time.Minute,
	}
}

// CircuitBreaker implements the circuit breaker pattern for fault tolerance.
//
// The breaker is an explicitly constructed shared object: every component
// protecting the same backing store must be handed the same instance. One
// failure is one completed operation against the store, not one network
// attempt; callers that retry internally report a single failure after
// exhausting their retries.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger logger.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	trippedUntil        time.Time // zero while closed
	probing             bool      // a half-open attempt is outstanding
	tripped             bool      // logged trip not yet followed by a logged reset
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(cfg CircuitBreakerConfig, log logger.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCircuitBreakerConfig().CoolDown
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: log.WithPrefix("[breaker]"),
	}
}

// Allow reports whether an operation may proceed. It returns ErrCircuitOpen
// while the breaker is open and the cool-down window has not elapsed. The
// first call after the window elapses is allowed through as a half-open
// probe; further callers keep getting ErrCircuitOpen until the probe's
// outcome is recorded.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.trippedUntil.IsZero() {
		return nil
	}
	if cb.probing {
		return ErrCircuitOpen
	}
	if cb.cfg.Clock().Before(cb.trippedUntil) {
		return ErrCircuitOpen
	}

	// Cool-down elapsed. Let this single attempt probe the store; the
	// outcome decides whether we close or re-trip.
	cb.probing = true
	return nil
}

// RecordSuccess reports a successful operation, resetting the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.probing = false
	cb.trippedUntil = time.Time{}
	if cb.tripped {
		cb.tripped = false
		cb.logger.Info("circuit breaker reset, connection restored")
	}
}

// RecordFailure reports a failed operation. Reaching the failure threshold,
// or failing a half-open probe, opens the circuit for a fresh cool-down
// window.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.probing || cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		cb.probing = false
		cb.trippedUntil = cb.cfg.Clock().Add(cb.cfg.CoolDown)
		if !cb.tripped {
			cb.tripped = true
			cb.logger.Error("circuit breaker tripped after %d consecutive failures, open for %s",
				cb.consecutiveFailures, cb.cfg.CoolDown)
		}
	}
}

// Execute wraps a function call with circuit breaker logic.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case cb.probing:
		return StateHalfOpen
	case cb.trippedUntil.IsZero():
		return StateClosed
	case cb.cfg.Clock().Before(cb.trippedUntil):
		return StateOpen
	default:
		return StateHalfOpen
	}
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.trippedUntil = time.Time{}
	cb.probing = false
	cb.tripped = false
}
