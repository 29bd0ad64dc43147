package llm

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject calls
	CircuitHalfOpen                     // Testing recovery
)

// String returns a human-readable label for the circuit state.
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

// CircuitBreaker implements a per-provider circuit breaker.
// When a provider fails consecutively beyond the threshold, the circuit
// opens and subsequent calls are rejected without hitting the provider.
// After the recovery timeout, the circuit transitions to half-open and
// allows a bounded number of probe calls; that many consecutive probe
// successes close the circuit, any probe failure re-opens it.
type CircuitBreaker struct {
	mu               sync.RWMutex
	state            CircuitState
	failureCount     int
	successCount     int
	probeCount       int
	failureThreshold int           // consecutive failures to trip
	successThreshold int           // successes in half-open to close
	recoveryTimeout  time.Duration // how long to wait before probing
	nextRetryTime    time.Time     // earliest probe after opening
}

// NewCircuitBreaker creates a circuit breaker.
// failureThreshold: consecutive failures before opening the circuit.
// successThreshold: consecutive half-open successes before closing it.
// recoveryTimeout: how long to wait before allowing probe requests.
func NewCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow checks whether a request should be allowed through.
// In half-open state at most successThreshold probes are in flight.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if !time.Now().Before(cb.nextRetryTime) {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			cb.probeCount = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.probeCount < cb.successThreshold {
			cb.probeCount++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == CircuitHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.probeCount = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open immediately re-opens
		cb.state = CircuitOpen
		cb.nextRetryTime = time.Now().Add(cb.recoveryTimeout)
		cb.probeCount = 0
		return
	}

	if cb.state == CircuitClosed && cb.failureCount >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.nextRetryTime = time.Now().Add(cb.recoveryTimeout)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// NextRetryTime returns when an open circuit next allows a probe.
func (cb *CircuitBreaker) NextRetryTime() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.nextRetryTime
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.probeCount = 0
}
