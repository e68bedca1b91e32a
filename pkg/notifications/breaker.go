package notifications

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by a guarded deliverer while its channel is
// considered down.
var ErrCircuitOpen = errors.New("notification channel circuit open")

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	// CircuitHalfOpen lets probe deliveries through after the recovery timeout.
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

// CircuitBreaker stops calling a delivery channel after consecutive
// failures and probes it again once the recovery timeout has passed.
// Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.RWMutex

	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	state           CircuitState
	failures        int
	successes       int // consecutive, while half-open
	lastFailureTime time.Time
}

// NewCircuitBreaker returns a closed breaker. Non-positive arguments fall
// back to 5 failures, 2 successes and 30 seconds.
func NewCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// WithClock replaces the time source and returns cb.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout has passed moves to half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			return true
		}
	}
	return false
}

// RecordSuccess clears the failure count. In half-open state enough
// successes close the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.failures = cb.failureThreshold
		cb.successes = 0
	}
}

// State returns the state Allow would act on.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailureTime) > cb.recoveryTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastFailureTime = time.Time{}
}

// CircuitStats is a point-in-time view of a CircuitBreaker.
type CircuitStats struct {
	State           string
	Failures        int
	Successes       int
	LastFailureTime time.Time
}

// Stats returns the current state and counters.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitStats{
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailureTime: cb.lastFailureTime,
	}
}

// GuardedDeliverer fails fast with ErrCircuitOpen while its breaker is open.
// Context cancellation is not counted as a channel failure.
type GuardedDeliverer struct {
	next    Deliverer
	breaker *CircuitBreaker
}

// NewGuardedDeliverer wraps next with breaker. While the circuit is open
// deliveries fail fast with ErrCircuitOpen.
func NewGuardedDeliverer(next Deliverer, breaker *CircuitBreaker) *GuardedDeliverer {
	if next == nil {
		panic("notifications: guarded deliverer requires a deliverer")
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0, 0)
	}
	return &GuardedDeliverer{next: next, breaker: breaker}
}

func (g *GuardedDeliverer) Deliver(ctx context.Context, n Notification) error {
	if !g.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := g.next.Deliver(ctx, n)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		g.breaker.RecordFailure()
	}
	return err
}

// Breaker exposes the breaker for health reporting.
func (g *GuardedDeliverer) Breaker() *CircuitBreaker { return g.breaker }
