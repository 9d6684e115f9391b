// Package mock provides a test double for the stt.Transcriber interface.
//
// Transcriber returns scripted results in order and records every call so
// tests can assert on the frames the pipeline produced.
//
// Example:
//
//	m := &mock.Transcriber{Results: []mock.Result{{Text: "hello"}, {Err: boom}}}
//	driver := pipeline.NewDriver(window, m, sink)
//	...
//	calls := m.Calls()
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

// Result is one scripted Transcribe outcome.
type Result struct {
	Text string
	Err  error
}

// Call records a single invocation of Transcriber.Transcribe.
type Call struct {
	// Buffer is a deep copy of the audio passed to Transcribe.
	Buffer audio.Buffer
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results are returned in order, one per call. Once exhausted, calls
	// return Default.
	Results []Result

	// Default is returned after Results is exhausted.
	Default Result

	// Provider is copied into every returned transcript. Defaults to "mock".
	Provider string

	// Validate enables the shared 16 kHz mono precondition check.
	Validate bool

	// Hook, if set, runs at the start of every call. Tests use it to block
	// or to observe the context.
	Hook func(ctx context.Context)

	calls []Call
}

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcribe records the call and returns the next scripted result.
func (m *Transcriber) Transcribe(ctx context.Context, buf audio.Buffer) (stt.Transcript, error) {
	if m.Hook != nil {
		m.Hook(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := buf
	cp.Samples = slices.Clone(buf.Samples)
	m.calls = append(m.calls, Call{Buffer: cp})

	if m.Validate {
		if err := stt.Validate(buf); err != nil {
			return stt.Transcript{}, err
		}
	}

	res := m.Default
	if len(m.Results) > 0 {
		res = m.Results[0]
		m.Results = m.Results[1:]
	}
	if res.Err != nil {
		return stt.Transcript{}, res.Err
	}

	provider := m.Provider
	if provider == "" {
		provider = "mock"
	}
	return stt.Transcript{Text: res.Text, Duration: buf.Duration(), Provider: provider}, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (m *Transcriber) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns the number of Transcribe calls so far. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
