package pool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed admits normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all admissions until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a single probe before re-evaluating.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before
	// allowing a half-open probe.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreaker is a consecutive-failure counter with time-based
// half-open probing. It guards agent admission: once an execution
// records FailureThreshold consecutive failures, no new agents are
// admitted until RecoveryTimeout has elapsed, after which exactly one
// probe admission is allowed. A success while half-open closes the
// breaker; a failure re-opens it and resets the timer.
type CircuitBreaker struct {
	config   BreakerConfig
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	logger   *zap.Logger
	clock    func() time.Time
	mu       sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		clock:  time.Now,
	}
}

// Allow reports whether an admission may proceed. In the half-open
// state only the first caller gets the probe; subsequent callers are
// rejected until the probe outcome is recorded.
func (cb *CircuitBreaker) Allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, nil

	case CircuitOpen:
		if cb.clock().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probing = true
			return true, nil
		}
		remaining := cb.config.RecoveryTimeout - cb.clock().Sub(cb.openedAt)
		return false, fmt.Errorf("circuit breaker open: %d consecutive failures, retry after %v",
			cb.failures, remaining.Round(time.Millisecond))

	case CircuitHalfOpen:
		if !cb.probing {
			cb.probing = true
			return true, nil
		}
		return false, fmt.Errorf("circuit breaker half-open: probe in flight")

	default:
		return false, fmt.Errorf("unknown circuit breaker state: %d", cb.state)
	}
}

// CanPass is the non-consuming variant of Allow: it reports whether an
// admission would be allowed without claiming the half-open probe or
// transitioning state.
func (cb *CircuitBreaker) CanPass() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, nil
	case CircuitOpen:
		if cb.clock().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			return true, nil
		}
		remaining := cb.config.RecoveryTimeout - cb.clock().Sub(cb.openedAt)
		return false, fmt.Errorf("circuit breaker open: %d consecutive failures, retry after %v",
			cb.failures, remaining.Round(time.Millisecond))
	case CircuitHalfOpen:
		if cb.probing {
			return false, fmt.Errorf("circuit breaker half-open: probe in flight")
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown circuit breaker state: %d", cb.state)
	}
}

// RecordSuccess records a successful agent completion.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "success recorded")
	}
}

// RecordFailure records a failed agent completion.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.probing = false

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.clock()
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		cb.openedAt = cb.clock()
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State returns the current state, accounting for an elapsed recovery
// timeout (an open breaker past its timeout reports half-open).
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.clock().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset returns the breaker to the closed state with zero failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.probing = false
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState
	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))
}
