package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_Failover(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 2 || called[1] != "secondary" {
		t.Errorf("called = %v", called)
	}
	if got := fg.Names(); len(got) != 2 || got[0] != "primary" {
		t.Errorf("Names = %v", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")

	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Errorf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	fail := true
	calls := map[string]int{}
	fn := func(v string) error {
		calls[v]++
		if v == "primary" && fail {
			return errTest
		}
		return nil
	}

	_ = fg.Execute(fn)
	fail = false
	_ = fg.Execute(fn)

	if calls["primary"] != 1 {
		t.Errorf("primary called %d times, want 1 (breaker should be open)", calls["primary"])
	}
	if calls["secondary"] != 2 {
		t.Errorf("secondary called %d times, want 2", calls["secondary"])
	}
	if fg.States()["primary"] != StateOpen {
		t.Errorf("primary state = %v", fg.States()["primary"])
	}
}

func TestFallbackGroup_PermanentErrorStopsFailover(t *testing.T) {
	errBadInput := errors.New("bad input")
	fg := NewFallbackGroup(1, "one", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
		Permanent:      func(err error) bool { return errors.Is(err, errBadInput) },
	})
	fg.AddFallback("two", 2)

	var seen []int
	_, name, err := ExecuteNamed(fg, func(v int) (string, error) {
		seen = append(seen, v)
		return "", errBadInput
	})
	if !errors.Is(err, errBadInput) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want bare errBadInput", err)
	}
	if name != "one" || len(seen) != 1 {
		t.Errorf("name = %q, seen = %v", name, seen)
	}
	if fg.States()["one"] != StateClosed {
		t.Error("permanent error tripped the breaker")
	}
}

func TestExecuteWithResult(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil || got != 40 {
		t.Errorf("ExecuteWithResult = %d, %v; want 40", got, err)
	}
}
