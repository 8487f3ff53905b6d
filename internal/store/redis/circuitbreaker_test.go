package redis

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, 10*time.Second)
	cb.now = clock.now
	return cb, clock
}

var errFail = errors.New("fail")

func fail() error { return errFail }
func ok() error   { return nil }

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		if err := cb.Execute(fail); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.CurrentState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if err != ErrCircuitOpen || called {
		t.Errorf("open breaker let a call through: err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(2)
	cb.Execute(fail)
	cb.Execute(fail)

	clock.advance(5 * time.Second)
	if err := cb.Execute(ok); err != ErrCircuitOpen {
		t.Fatalf("expected rejection during cool-down, got %v", err)
	}

	clock.advance(6 * time.Second)
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed after successful probe, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2)
	cb.Execute(fail)
	cb.Execute(fail)

	clock.advance(11 * time.Second)
	cb.Execute(fail)
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", cb.CurrentState())
	}
	// the cool-down restarts from the failed probe
	clock.advance(5 * time.Second)
	if err := cb.Execute(ok); err != ErrCircuitOpen {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3)
	cb.Execute(fail)
	cb.Execute(fail)
	cb.Execute(ok)
	cb.Execute(fail)
	cb.Execute(fail)

	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1)
	var transitions []State
	cb.OnStateChange = func(from, to State) { transitions = append(transitions, to) }

	cb.Execute(fail)
	clock.advance(11 * time.Second)
	cb.Execute(ok)

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions=%v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions=%v, want %v", transitions, want)
			break
		}
	}
}
