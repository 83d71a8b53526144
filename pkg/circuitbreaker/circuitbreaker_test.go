package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errRedisDown = errors.New("redis down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New(Config{
		FailureThreshold: threshold,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		MaxTrials:        1,
	})
	cb.now = clock.Now
	cb.stateChangeTime = clock.Now()
	return cb, clock
}

func fail(context.Context) error    { return errRedisDown }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_PassesThroughWhenClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)
	ctx := context.Background()

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := cb.Execute(ctx, fail); !errors.Is(err, errRedisDown) {
		t.Fatalf("Expected the guarded error, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
	if got := cb.Stats().Failures; got != 1 {
		t.Errorf("Expected 1 failure, got: %d", got)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(2)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected state open, got: %v", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got: %v", err)
	}
	if called {
		t.Error("Expected guarded function not to run while open")
	}
	if got := cb.Stats().Rejected; got != 1 {
		t.Errorf("Expected 1 rejected call, got: %d", got)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Errorf("Expected non-consecutive failures to keep the breaker closed, got: %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenTrialCloses(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("Expected trial to pass, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed after a successful trial, got: %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	if err := cb.Execute(ctx, fail); !errors.Is(err, errRedisDown) {
		t.Fatalf("Expected trial error, got: %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected state open after a failed trial, got: %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen right after reopening, got: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsTrials(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected second trial to be rejected, got: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("Expected first trial to succeed, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}

	if err := cb.Execute(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected an already cancelled context to short-circuit, got: %v", err)
	}
}

func TestCircuitBreaker_ZeroThresholdNeverOpens(t *testing.T) {
	cb, _ := newTestBreaker(0)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_ = cb.Execute(ctx, fail)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
}

func TestDo_ReturnsValue(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx := context.Background()

	v, err := Do(ctx, cb, func(context.Context) (string, error) {
		return "live", nil
	})
	if err != nil || v != "live" {
		t.Fatalf("Expected (live, nil), got: (%q, %v)", v, err)
	}

	_, _ = Do(ctx, cb, func(context.Context) (string, error) { return "", errRedisDown })
	v, err = Do(ctx, cb, func(context.Context) (string, error) { return "unreachable", nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got: %v", err)
	}
	if v != "" {
		t.Errorf("Expected zero value on rejection, got: %q", v)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1)
	ctx := context.Background()

	var mu sync.Mutex
	var transitions []string
	var wg sync.WaitGroup
	wg.Add(3)
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
		wg.Done()
	})

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Execute(ctx, succeed)

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()

	want := map[string]bool{"closed->open": true, "open->half-open": true, "half-open->closed": true}
	if len(transitions) != 3 {
		t.Fatalf("Expected 3 transitions, got: %v", transitions)
	}
	for _, tr := range transitions {
		if !want[tr] {
			t.Errorf("Unexpected transition %s", tr)
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("Expected state open, got: %v", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed after reset, got: %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Expected no error after reset, got: %v", err)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(ctx, fail)
			} else {
				_ = cb.Execute(ctx, succeed)
			}
			_ = cb.Stats()
		}(i)
	}
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
