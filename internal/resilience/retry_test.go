package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errPermanent = errors.New("permanent")

// recordSleep captures requested waits without sleeping.
func recordSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Retry(context.Background(), RetryConfig{Sleep: recordSleep(&waits)}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(waits) != len(want) || waits[0] != want[0] || waits[1] != want[1] {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Sleep: recordSleep(&waits)}, func(context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want wrapped errTest", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	cfg := RetryConfig{
		Retryable: func(err error) bool { return !errors.Is(err, errPermanent) },
		Sleep:     func(context.Context, time.Duration) error { t.Fatal("must not sleep"); return nil },
	}
	err := Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) || calls != 1 {
		t.Fatalf("err = %v, calls = %d; want errPermanent after 1 call", err, calls)
	}
}

func TestRetry_AttemptTimeout(t *testing.T) {
	var waits []time.Duration
	cfg := RetryConfig{MaxAttempts: 2, AttemptTimeout: 5 * time.Millisecond, Sleep: recordSleep(&waits)}
	calls := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (timeouts are retried)", calls)
	}
}

func TestRetry_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{}, func(context.Context) error {
		calls++
		cancel()
		return errTest
	})
	if err == nil || calls != 1 {
		t.Fatalf("err = %v, calls = %d; want error after 1 call", err, calls)
	}
}

func TestBackoff_Capped(t *testing.T) {
	cfg := RetryConfig{}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetry_JitterWithinBounds(t *testing.T) {
	var waits []time.Duration
	cfg := RetryConfig{MaxAttempts: 4, Jitter: true, Sleep: recordSleep(&waits)}
	_ = Retry(context.Background(), cfg, func(context.Context) error { return errTest })
	for i, w := range waits {
		full := cfg.Backoff(i + 1)
		if w < full/2 || w > full {
			t.Errorf("wait %d = %v, want within [%v, %v]", i, w, full/2, full)
		}
	}
}

func TestRetryWithResult(t *testing.T) {
	got, err := RetryWithResult(context.Background(), RetryConfig{}, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got (%q, %v), want (ok, nil)", got, err)
	}
}
