package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	poolerrors "github.com/bardlex/equipool/pkg/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg *Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(cfg)
	b.now = clock.now
	b.windowStart = clock.now()
	return b, clock
}

var errDaemon = errors.New("daemon unavailable")

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNew_NilConfig(t *testing.T) {
	b := New(nil)
	if b.config.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want default 5", b.config.MaxFailures)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %s", b.State())
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	var transitions []State
	b, _ := newTestBreaker(&Config{
		Name:            "daemon",
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         time.Minute,
		ResetTimeout:    time.Hour,
		OnStateChange:   func(_ string, _, to State) { transitions = append(transitions, to) },
	})
	ctx := context.Background()

	for _i := 0; _i < 3; _i++ {
		if err := b.Execute(ctx, func() error { return errDaemon }); !errors.Is(err, errDaemon) {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	if called {
		t.Error("open breaker must not call fn")
	}
	if !poolerrors.IsType(err, poolerrors.ErrorTypeInternal) {
		t.Errorf("open error = %v", err)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(&Config{
		MaxFailures:     1,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    time.Hour,
	})
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errDaemon })
	clock.advance(11 * time.Second)

	if err := b.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if err := b.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("second trial error = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Hour})
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errDaemon })
	clock.advance(2 * time.Second)
	_ = b.Execute(ctx, func() error { return errDaemon })

	if b.State() != StateOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreaker_FailureWindowDecays(t *testing.T) {
	b, clock := newTestBreaker(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errDaemon })
	clock.advance(2 * time.Minute)
	_ = b.Execute(ctx, func() error { return errDaemon })

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after window reset", b.State())
	}
	if b.Failures() != 1 {
		t.Errorf("failures = %d, want 1", b.Failures())
	}
}

func TestExecuteWithResult(t *testing.T) {
	b := New(nil)
	got, err := ExecuteWithResult(context.Background(), b, func() (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Errorf("ExecuteWithResult() = %d, %v", got, err)
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("Reset() left state %s", b.State())
	}
}
