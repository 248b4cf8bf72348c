package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")
var errMissing = errors.New("missing")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("directory")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Minute
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := cb.Do(ctx, func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
	if err := cb.Do(ctx, func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestIsSuccessfulExcludesExpectedErrors(t *testing.T) {
	cfg := DefaultConfig("directory")
	cfg.FailureThreshold = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errMissing) }
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := cb.Do(context.Background(), func() error { return errMissing }); !errors.Is(err, errMissing) {
			t.Fatalf("err = %v, want errMissing", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", cb.GetState())
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate("mail", DefaultConfig(""))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.GetOrCreate("mail", DefaultConfig(""))
	if a != b {
		t.Error("expected the same breaker instance")
	}
	if got := len(m.GetHealthStatus()); got != 1 {
		t.Errorf("health entries = %d, want 1", got)
	}
}

func TestCallerCancellationDoesNotTrip(t *testing.T) {
	cfg := DefaultConfig("mail")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := cb.Do(context.Background(), func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	if err := cb.Do(ctx, func() error { called = true; return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn ran with a finished context")
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", cb.GetState())
	}
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	cfg := DefaultConfig("sink")
	cfg.FailureThreshold = 1
	cfg.Timeout = 10 * time.Millisecond
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = cb.Do(context.Background(), func() error { return errBoom })
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.GetState())
	}
	if err := cb.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("half-open call: %v", err)
	}
}

func TestHealthStatusIsSorted(t *testing.T) {
	m := NewManager(nil)
	for _, name := range []string{"smtp", "event-sink", "user-directory"} {
		if _, err := m.GetOrCreate(name, DefaultConfig("")); err != nil {
			t.Fatal(err)
		}
	}
	got := m.GetHealthStatus()
	if got[0].Name != "event-sink" || got[2].Name != "user-directory" {
		t.Errorf("unexpected order %v", got)
	}
}
