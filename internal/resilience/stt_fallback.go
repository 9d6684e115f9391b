package resilience

import (
	"context"
	"errors"

	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Transcriber] with automatic failover
// across several backends, each behind its own circuit breaker. Input format
// errors and context cancellation are returned straight away and never trip
// a breaker.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend. cfg.Permanent is extended with the transcriber-specific
// permanent errors.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	extra := cfg.Permanent
	cfg.Permanent = func(err error) bool {
		if isPermanentTranscribeError(err) {
			return true
		}
		return extra != nil && extra(err)
	}
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

func isPermanentTranscribeError(err error) bool {
	var fe *stt.FormatError
	return errors.As(err, &fe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// AddFallback registers an additional backend.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe runs buf through the first healthy backend. The returned
// transcript's Provider is the name of the entry that served it unless the
// backend set one itself.
func (f *TranscriberFallback) Transcribe(ctx context.Context, buf audio.Buffer) (stt.Transcript, error) {
	tr, name, err := ExecuteNamed(f.group, func(t stt.Transcriber) (stt.Transcript, error) {
		return t.Transcribe(ctx, buf)
	})
	if err != nil {
		return stt.Transcript{}, err
	}
	if tr.Provider == "" {
		tr.Provider = name
	}
	return tr, nil
}

// Backends returns the breaker state of every backend keyed by name.
func (f *TranscriberFallback) Backends() map[string]State {
	return f.group.States()
}

// Healthy reports whether at least one backend's breaker is not open.
func (f *TranscriberFallback) Healthy() bool {
	for _, s := range f.group.States() {
		if s != StateOpen {
			return true
		}
	}
	return false
}
