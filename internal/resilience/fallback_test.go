package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		failOn map[string]bool
		want   string
	}{
		{name: "primary answers", want: "primary"},
		{name: "secondary takes over", failOn: map[string]bool{"primary": true}, want: "secondary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fg := newTestGroup()
			var called string
			err := fg.Execute(func(v string) error {
				if tt.failOn[v] {
					return errTest
				}
				called = v
				return nil
			})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if called != tt.want {
				t.Fatalf("want %q, got %q", tt.want, called)
			}
		})
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	fg := newTestGroup()
	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("want ErrAllFailed, got %v", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("want the last error wrapped, got %v", err)
	}
}

func TestFallbackGroup_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()

	fg := newTestGroup()
	var primaryCalls int
	for range 3 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				primaryCalls++
				return errTest
			}
			return nil
		})
	}
	if primaryCalls != 2 {
		t.Fatalf("want primary tried 2 times before its circuit opened, got %d", primaryCalls)
	}
	states := fg.States()
	if states["primary"] != StateOpen || states["secondary"] != StateClosed {
		t.Fatalf("want primary open and secondary closed, got %v", states)
	}
	if !fg.Healthy() {
		t.Fatal("want healthy while secondary is closed")
	}
}

func TestFallbackGroup_Unhealthy(t *testing.T) {
	t.Parallel()

	fg := newTestGroup()
	for range 2 {
		_ = fg.Execute(func(string) error { return errTest })
	}
	if fg.Healthy() {
		t.Fatalf("want unhealthy, got states %v", fg.States())
	}
}

func TestFallbackGroup_CancellationStops(t *testing.T) {
	t.Parallel()

	fg := newTestGroup()
	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Fatal("cancellation reported as ErrAllFailed")
	}
	if len(tried) != 1 {
		t.Fatalf("want only the primary tried, got %v", tried)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != 40 {
		t.Fatalf("want 40, got %d", got)
	}
	if fg.Primary() != 10 {
		t.Fatalf("want primary 10, got %d", fg.Primary())
	}
}
