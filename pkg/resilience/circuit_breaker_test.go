package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(2, 10*time.Second).WithClock(func() time.Time { return now })

	boom := errors.New("redis down")
	cb.OnError(boom)
	if !cb.Allow() {
		t.Fatalf("expected allow below threshold")
	}
	cb.OnError(boom)
	if cb.Allow() {
		t.Fatalf("expected open after threshold")
	}

	now = now.Add(11 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected half-open after cooldown")
	}
	cb.OnSuccess()
	cb.OnError(boom)
	if !cb.Allow() {
		t.Fatalf("expected failure count reset by success")
	}
}

func TestCircuitBreakerIgnoresNilError(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second)
	cb.OnError(nil)
	if cb.Open() {
		t.Fatalf("nil error must not open the breaker")
	}
}
