package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/mock"
)

func monoBuffer() audio.Buffer {
	return audio.Buffer{Samples: make([]float32, 160), SampleRate: stt.SampleRate, Channels: 1}
}

func TestTranscriberFallback_PrimarySuccess(t *testing.T) {
	primary := &mock.Transcriber{Default: mock.Result{Text: "from primary"}, Provider: "whisper"}
	secondary := &mock.Transcriber{Default: mock.Result{Text: "from secondary"}}

	f := NewTranscriberFallback(primary, "whisper", FallbackConfig{})
	f.AddFallback("openai", secondary)

	tr, err := f.Transcribe(context.Background(), monoBuffer())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "from primary" || tr.Provider != "whisper" {
		t.Errorf("transcript = %+v", tr)
	}
	if secondary.CallCount() != 0 {
		t.Error("secondary called although primary succeeded")
	}
}

func TestTranscriberFallback_Failover(t *testing.T) {
	primary := &mock.Transcriber{Default: mock.Result{Err: errTest}}
	secondary := &mock.Transcriber{Default: mock.Result{Text: "rescued"}}

	f := NewTranscriberFallback(primary, "whisper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	f.AddFallback("openai", secondary)

	for range 3 {
		tr, err := f.Transcribe(context.Background(), monoBuffer())
		if err != nil || tr.Text != "rescued" {
			t.Fatalf("Transcribe = %+v, %v", tr, err)
		}
	}
	if primary.CallCount() != 2 {
		t.Errorf("primary calls = %d, want 2 before the breaker opened", primary.CallCount())
	}
	if f.Backends()["whisper"] != StateOpen {
		t.Errorf("whisper state = %v, want open", f.Backends()["whisper"])
	}
	if !f.Healthy() {
		t.Error("Healthy = false with a closed fallback")
	}
}

func TestTranscriberFallback_FormatErrorIsNotRetried(t *testing.T) {
	primary := &mock.Transcriber{Validate: true}
	secondary := &mock.Transcriber{Validate: true}
	f := NewTranscriberFallback(primary, "a", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1}})
	f.AddFallback("b", secondary)

	_, err := f.Transcribe(context.Background(), audio.Buffer{SampleRate: 8000, Channels: 1})
	var fe *stt.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *stt.FormatError", err)
	}
	if secondary.CallCount() != 0 {
		t.Error("format error failed over to the next backend")
	}
	if f.Backends()["a"] != StateClosed {
		t.Error("format error tripped the breaker")
	}
}

func TestTranscriberFallback_AllFail(t *testing.T) {
	f := NewTranscriberFallback(&mock.Transcriber{Default: mock.Result{Err: errTest}}, "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	_, err := f.Transcribe(context.Background(), monoBuffer())
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if f.Healthy() {
		t.Error("Healthy = true with every breaker open")
	}
}
