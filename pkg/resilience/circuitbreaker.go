package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/deviceflux/deviceflux/pkg/errors"
)

// Sentinel errors returned by CircuitBreaker.Execute while the circuit is
// protecting the downstream call from further load.
var (
	ErrCircuitOpen     = errors.Conflict("circuit breaker is open", nil)
	ErrTooManyRequests = errors.Conflict("too many requests in half-open state", nil)
)

// CircuitBreaker wraps an Executor with the closed/open/half-open state
// machine described by CircuitBreakerConfig.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      int64
	successes     int64
	lastFailure   time.Time
	halfOpenCount int64
}

// NewCircuitBreaker constructs a CircuitBreaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn with circuit breaker protection, fast-failing with
// ErrCircuitOpen while the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Executor) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.cfg.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenCount = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= 1 {
			return ErrTooManyRequests
		}
		cb.halfOpenCount++
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if success {
			cb.failures = 0
		} else {
			cb.failures++
			cb.lastFailure = time.Now()
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.setState(StateOpen)
			}
		}
	case StateHalfOpen:
		if success {
			cb.halfOpenCount--
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.setState(StateClosed)
			}
		} else {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCount = 0
	if state == StateOpen {
		cb.lastFailure = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.cfg.Name, from, state)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
