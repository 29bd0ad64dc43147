package llm

import (
	"testing"
	"time"
)

func TestCircuitBreaker_ClosedByDefault(t *testing.T) {
	cb := NewCircuitBreaker(3, 1, 100*time.Millisecond)
	if cb.State() != CircuitClosed {
		t.Fatal("expected closed state by default")
	}
	if !cb.Allow() {
		t.Fatal("expected allow in closed state")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 1, 100*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatal("should still be closed after 2 failures")
	}

	cb.RecordFailure() // 3rd failure
	if cb.State() != CircuitOpen {
		t.Fatal("should be open after 3 failures")
	}
	if cb.Allow() {
		t.Fatal("should not allow when open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 1, 100*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess() // Resets failure count
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Fatal("should still be closed — success reset the failure count")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, 10*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure() // Opens
	if cb.State() != CircuitOpen {
		t.Fatal("should be open")
	}

	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("should allow probe after recovery timeout")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatal("should be half-open after recovery timeout")
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, 10*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe 1 should be allowed")
	}
	cb.RecordSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Fatal("one success of two should keep half-open")
	}

	if !cb.Allow() {
		t.Fatal("probe 2 should be allowed")
	}
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatal("should close after reaching the success threshold")
	}
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker(2, 2, 10*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	cb.Allow() // Transitions to half-open

	cb.RecordFailure() // Should re-open
	if cb.State() != CircuitOpen {
		t.Fatal("should re-open after failure in half-open")
	}
	if cb.Allow() {
		t.Fatal("fresh open circuit should reject until the next retry time")
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	cb := NewCircuitBreaker(2, 2, 10*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe 1 allowed")
	}
	if !cb.Allow() {
		t.Fatal("probe 2 allowed")
	}
	if cb.Allow() {
		t.Fatal("probe budget exceeded: third concurrent probe allowed")
	}
}

func TestCircuitBreaker_FullRecoveryCycle(t *testing.T) {
	// failureThreshold=3, halfOpenRetries=2, recoveryTime=100ms
	cb := NewCircuitBreaker(3, 2, 100*time.Millisecond)

	// Three consecutive failures trip the circuit.
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()

	// The 4th request inside the recovery window fails fast.
	if cb.Allow() {
		t.Fatal("request within recovery window should be rejected")
	}

	time.Sleep(110 * time.Millisecond)

	// 5th and 6th requests run as half-open probes and succeed.
	if !cb.Allow() {
		t.Fatal("probe 1 rejected")
	}
	cb.RecordSuccess()
	if !cb.Allow() {
		t.Fatal("probe 2 rejected")
	}
	cb.RecordSuccess()

	// 7th behaves as closed-circuit normal.
	if cb.State() != CircuitClosed {
		t.Fatal("should be closed after both probes succeed")
	}
	if !cb.Allow() {
		t.Fatal("closed circuit should allow")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, 100*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("should be open")
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Fatal("should be closed after reset")
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_StateStrings(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half_open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
