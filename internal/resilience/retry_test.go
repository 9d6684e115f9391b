package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordSleep returns a Sleep func that records delays without waiting.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	err := Retry(context.Background(), RetryConfig{Name: "download", Sleep: recordSleep(&delays)},
		func(_ context.Context, attempt int) error {
			attempts = attempt
			if attempt < 3 {
				return errTest
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; len(delays) != 2 || delays[0] != want[0] || delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", delays, want)
	}
}

func TestRetry_BackoffIsCapped(t *testing.T) {
	var delays []time.Duration
	err := Retry(context.Background(), RetryConfig{
		Name:       "x",
		Attempts:   8,
		Backoff:    10 * time.Second,
		MaxBackoff: 30 * time.Second,
		Sleep:      recordSleep(&delays),
	}, func(context.Context, int) error { return errTest })

	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if len(delays) != 7 {
		t.Fatalf("slept %d times, want 7", len(delays))
	}
	for i, d := range delays[2:] {
		if d != 30*time.Second {
			t.Errorf("delay %d = %v, want capped at 30s", i+2, d)
		}
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Sleep: recordSleep(new([]time.Duration))},
		func(context.Context, int) error {
			calls++
			return Permanent(errTest)
		})
	if err != errTest {
		t.Errorf("err = %v, want unwrapped errTest", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{Sleep: recordSleep(new([]time.Duration))},
		func(context.Context, int) error {
			calls++
			cancel()
			return errTest
		})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RealSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := Retry(ctx, RetryConfig{Backoff: time.Minute}, func(context.Context, int) error { return errTest })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("sleep ignored context")
	}
}
