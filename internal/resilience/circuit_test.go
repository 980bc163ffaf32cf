package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBlocked = errors.New("blocked")

func failWith(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failWith(errBlocked))
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("must not be called while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessBreaksStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})

	_ = cb.Execute(context.Background(), failWith(errBlocked))
	_ = cb.Execute(context.Background(), failWith(errBlocked))
	_ = cb.Execute(context.Background(), failWith(nil))
	_ = cb.Execute(context.Background(), failWith(errBlocked))
	_ = cb.Execute(context.Background(), failWith(errBlocked))

	failures, state := cb.Counters()
	if failures != 2 {
		t.Errorf("expected streak of 2, got %d", failures)
	}
	if state != CircuitClosed {
		t.Errorf("expected closed, got %s", state)
	}
}

func TestCircuitBreaker_ShouldTripFiltersErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		ShouldTrip:       func(err error) bool { return errors.Is(err, errBlocked) },
	})

	other := errors.New("not found")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failWith(other))
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("non-tripping errors opened the circuit")
	}

	_ = cb.Execute(context.Background(), failWith(errBlocked))
	_ = cb.Execute(context.Background(), failWith(errBlocked))
	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), failWith(errBlocked))
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(2 * time.Minute)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), failWith(nil)); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), failWith(errBlocked))
	now = now.Add(2 * time.Minute)
	_ = cb.Execute(context.Background(), failWith(errBlocked))

	if cb.State() != CircuitOpen {
		t.Errorf("expected reopened circuit, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), failWith(nil)); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_OnStateChangeAndReset(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), failWith(errBlocked))
	cb.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
	if failures, _ := cb.Counters(); failures != 0 {
		t.Errorf("expected counters cleared, got %d", failures)
	}
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), failWith(errBlocked))
				return
			}
			_ = cb.Execute(context.Background(), failWith(nil))
		}(i)
	}
	wg.Wait()

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestExecuteVal_PreservesValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	val, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		return 3, nil
	})
	if err != nil || val != 3 {
		t.Errorf("expected (3, nil), got (%d, %v)", val, err)
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("expected %q, got %q", want, s.String())
		}
	}
}

func TestBreakerLogger_DoesNotPanic(t *testing.T) {
	BreakerLogger("blocked_windows")(CircuitClosed, CircuitOpen)
}
