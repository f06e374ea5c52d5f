package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// Keys mirror how the webhook dispatcher uses the breaker: one circuit per
// delivery endpoint URL.
const (
	hookA = "https://hooks.example.com/escrow"
	hookB = "https://hooks.example.org/escrow"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow(hookA) {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure(hookA)
	b.RecordFailure(hookA)
	if !b.Allow(hookA) {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure(hookA)
	if b.Allow(hookA) {
		t.Fatal("should be open after 3 failures")
	}
	if b.State(hookA) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(hookA))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)
	if b.Allow(hookA) {
		t.Fatal("should be open")
	}

	// Wait for open duration.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow(hookA) {
		t.Fatal("should allow probe in half-open")
	}
	if b.State(hookA) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(hookA))
	}

	// Second request while half-open should be rejected.
	if b.Allow(hookA) {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)
	time.Sleep(60 * time.Millisecond)
	b.Allow(hookA) // Transitions to half-open

	b.RecordSuccess(hookA)
	if b.State(hookA) != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State(hookA))
	}
	if !b.Allow(hookA) {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)
	time.Sleep(60 * time.Millisecond)
	b.Allow(hookA) // Transitions to half-open

	b.RecordFailure(hookA)
	if b.State(hookA) != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State(hookA))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)
	b.RecordSuccess(hookA)

	// Should not trip with only 1 more failure (counter was reset).
	b.RecordFailure(hookA)
	if !b.Allow(hookA) {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)

	// hookA is open; hookB's circuit is unaffected.
	if b.Allow(hookA) {
		t.Fatal("hookA should be open")
	}
	if !b.Allow(hookB) {
		t.Fatal("hookB should be closed")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure(hookA)
	b.RecordFailure(hookA) // Should trigger closed→open.

	// Give goroutine time to run.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed→open, got %v→%v", transitions[0].from, transitions[0].to)
	}
	mu.Unlock()
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
