package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
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

func fromGobreaker(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close the circuit from half-open.
	// It also caps the trial requests let through while half-open.
	SuccessThreshold int
	// Timeout is the duration the circuit stays open before transitioning to half-open
	Timeout time.Duration
	// Interval clears the failure counts while closed. Zero never clears them.
	Interval time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		Interval:         time.Minute,
	}
}

// CircuitBreaker wraps a gobreaker breaker with context awareness and reset.
type CircuitBreaker struct {
	name     string
	config   CircuitBreakerConfig
	onChange func(name string, from, to CircuitState)

	mu    sync.RWMutex
	inner *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker with the given name and config
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(name, config, nil)
}

func newCircuitBreaker(name string, config CircuitBreakerConfig, onChange func(string, CircuitState, CircuitState)) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{name: name, config: config, onChange: onChange}
	cb.inner = cb.build()
	return cb
}

func (cb *CircuitBreaker) build() *gobreaker.CircuitBreaker {
	threshold := uint32(cb.config.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cb.name,
		MaxRequests: uint32(cb.config.SuccessThreshold),
		Interval:    cb.config.Interval,
		Timeout:     cb.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if cb.onChange != nil {
				cb.onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
}

func (cb *CircuitBreaker) breaker() *gobreaker.CircuitBreaker {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.inner
}

// Name returns the breaker's name, usually the host it guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	return fromGobreaker(cb.breaker().State())
}

// Execute runs fn with circuit breaker protection. A done context is
// reported without touching the failure counts.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := cb.breaker().Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Reset resets the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.inner = cb.build()
}

// Metrics returns current circuit breaker metrics
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	inner := cb.breaker()
	counts := inner.Counts()
	return map[string]interface{}{
		"name":                 cb.name,
		"state":                fromGobreaker(inner.State()).String(),
		"requests":             counts.Requests,
		"consecutiveFailures":  counts.ConsecutiveFailures,
		"consecutiveSuccesses": counts.ConsecutiveSuccesses,
	}
}
