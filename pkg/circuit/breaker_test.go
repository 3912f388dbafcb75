package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	ehashErrors "github.com/bardlex/ehash/pkg/errors"
)

// manualClock is advanced explicitly by tests.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

var errTest = errors.New("test error")

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxFailures != 5 {
		t.Errorf("Expected MaxFailures = 5, got %d", config.MaxFailures)
	}
	if config.SuccessRequired != 3 {
		t.Errorf("Expected SuccessRequired = 3, got %d", config.SuccessRequired)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected Timeout = 30s, got %v", config.Timeout)
	}
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New(nil)

	if breaker.config == nil {
		t.Error("Expected default config when nil is passed")
	}
	if breaker.GetState() != StateClosed {
		t.Error("Expected initial state to be Closed")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBreaker_Execute_OpenCircuit(t *testing.T) {
	breaker := New(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: 10 * time.Second})
	ctx := context.Background()
	callCount := 0

	failingFn := func() error {
		callCount++
		return errTest
	}

	for i := 0; i < 2; i++ {
		if err := breaker.Execute(ctx, failingFn); err == nil {
			t.Error("Expected error")
		}
	}

	if breaker.GetState() != StateOpen {
		t.Errorf("Expected state to be Open, got %s", breaker.GetState())
	}

	err := breaker.Execute(ctx, failingFn)
	if !ehashErrors.IsType(err, ehashErrors.ErrorTypeExhausted) {
		t.Errorf("Expected exhausted error from open circuit, got %v", err)
	}
	if callCount != 2 {
		t.Error("Expected function not to be called when circuit is open")
	}
}

func TestBreaker_ConsecutiveFailuresOnly(t *testing.T) {
	breaker := New(&Config{MaxFailures: 3, SuccessRequired: 1, Timeout: time.Second})

	breaker.Record(errTest)
	breaker.Record(errTest)
	breaker.Record(nil)
	breaker.Record(errTest)
	breaker.Record(errTest)

	if breaker.GetState() != StateClosed {
		t.Errorf("Expected interleaved success to keep circuit closed, got %s", breaker.GetState())
	}
	if opened := breaker.Record(errTest); !opened {
		t.Error("Expected third consecutive failure to open the circuit")
	}
}

func TestBreaker_HalfOpen(t *testing.T) {
	clock := newManualClock()
	breaker := New(&Config{MaxFailures: 2, SuccessRequired: 2, Timeout: time.Second, Now: clock.Now})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = breaker.Execute(ctx, func() error { return errTest })
	}
	if breaker.Allow() {
		t.Error("Expected open circuit to reject before timeout")
	}

	clock.Advance(2 * time.Second)

	if err := breaker.Execute(ctx, func() error { return nil }); err != nil {
		t.Errorf("Expected success in half-open state, got: %v", err)
	}
	if breaker.GetState() != StateHalfOpen {
		t.Errorf("Expected HalfOpen after one success, got %s", breaker.GetState())
	}

	_ = breaker.Execute(ctx, func() error { return nil })
	if breaker.GetState() != StateClosed {
		t.Errorf("Expected circuit to close after required successes, got %s", breaker.GetState())
	}
}

func TestBreaker_HalfOpenFailure(t *testing.T) {
	clock := newManualClock()
	breaker := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, Now: clock.Now})

	breaker.Record(errTest)
	clock.Advance(2 * time.Second)

	if !breaker.Allow() {
		t.Fatal("Expected half-open trial call to be allowed")
	}
	if opened := breaker.Record(errTest); !opened {
		t.Error("Expected failed trial call to reopen the circuit")
	}
	if breaker.GetState() != StateOpen {
		t.Errorf("Expected Open, got %s", breaker.GetState())
	}
}

func TestBreaker_Latched(t *testing.T) {
	clock := newManualClock()
	cfg := Latched(5)
	cfg.Now = clock.Now
	breaker := New(cfg)

	for i := 0; i < 5; i++ {
		opened := breaker.Record(errTest)
		if opened != (i == 4) {
			t.Errorf("Record #%d opened = %v", i+1, opened)
		}
	}

	clock.Advance(24 * time.Hour)
	if breaker.Allow() {
		t.Error("Expected latched breaker to stay open")
	}

	breaker.Reset()
	if !breaker.Allow() {
		t.Error("Expected Reset to close a latched breaker")
	}
}

func TestExecuteWithResult(t *testing.T) {
	breaker := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: 10 * time.Second})
	ctx := context.Background()

	result, err := ExecuteWithResult(ctx, breaker, func() (string, error) {
		return "success", nil
	})
	if err != nil || result != "success" {
		t.Errorf("Expected success, got %q, %v", result, err)
	}

	_, _ = ExecuteWithResult(ctx, breaker, func() (string, error) {
		return "", errTest
	})

	result, err = ExecuteWithResult(ctx, breaker, func() (string, error) {
		return "should not execute", nil
	})
	if err == nil {
		t.Error("Expected circuit breaker to reject call")
	}
	if result != "" {
		t.Errorf("Expected empty result when circuit is open, got '%s'", result)
	}
}

func TestBreaker_GetStatsAndReset(t *testing.T) {
	breaker := New(&Config{MaxFailures: 3, SuccessRequired: 2, Timeout: 10 * time.Second})

	breaker.Record(nil)
	breaker.Record(errTest)

	stats := breaker.GetStats()
	if stats.State != StateClosed || stats.Failures != 1 || stats.Successes != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.LastFailTime.IsZero() {
		t.Error("Expected LastFailTime to be set")
	}

	breaker.Reset()
	stats = breaker.GetStats()
	if stats.Failures != 0 || stats.Successes != 0 {
		t.Errorf("Expected counters reset, got %+v", stats)
	}
}

func TestBreaker_ResetTimeout(t *testing.T) {
	clock := newManualClock()
	breaker := New(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Second, Now: clock.Now})

	breaker.Allow()
	breaker.Record(errTest)
	clock.Advance(2 * time.Second)
	breaker.Allow()

	if stats := breaker.GetStats(); stats.Failures != 0 {
		t.Errorf("Expected failures to be reset after idle period, got %d", stats.Failures)
	}
}
