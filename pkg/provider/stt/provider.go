// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber turns one fully materialised block of audio into text. The
// streaming pipeline calls it once per sliding-window frame; the batch CLI
// calls it once per decoded file. Backends wrap an existing engine (a local
// whisper.cpp model, a whisper-server process, or a hosted API) and must not
// assume anything about the caller beyond the [audio.Buffer] they receive.
//
// All backends require 16 kHz mono input. Use [Validate] to enforce that
// precondition uniformly.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/gwaggli/gwaggli/pkg/audio"
)

// SampleRate is the only input rate accepted by Transcribe.
const SampleRate = 16000

var (
	// ErrUnsupportedSampleRate is wrapped by a [*FormatError] when the input
	// is not sampled at [SampleRate].
	ErrUnsupportedSampleRate = errors.New("stt: unsupported sample rate")

	// ErrUnsupportedChannels is wrapped by a [*FormatError] when the input is
	// not mono.
	ErrUnsupportedChannels = errors.New("stt: unsupported channel count")

	// ErrNotInitialized is returned by backends whose model or client is not
	// loaded, or that have been closed.
	ErrNotInitialized = errors.New("stt: transcriber not initialized")
)

// FormatError describes input that violates a backend precondition.
type FormatError struct {
	// Field names the offending property, e.g. "sample_rate".
	Field string
	Got   int
	Want  int
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("stt: %s is %d, want %d", e.Field, e.Got, e.Want)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Transcriber is the abstraction over any speech-to-text backend.
//
// Implementations must be safe for concurrent use.
type Transcriber interface {
	// Transcribe returns the text spoken in buf. Implementations return a
	// [*FormatError] for input that is not 16 kHz mono and wrap backend
	// failures with enough context to identify the provider.
	Transcribe(ctx context.Context, buf audio.Buffer) (Transcript, error)
}

// TranscriberFunc adapts a function to the [Transcriber] interface.
type TranscriberFunc func(ctx context.Context, buf audio.Buffer) (Transcript, error)

// Transcribe calls f(ctx, buf).
func (f TranscriberFunc) Transcribe(ctx context.Context, buf audio.Buffer) (Transcript, error) {
	return f(ctx, buf)
}

// Validate checks that buf is 16 kHz mono.
func Validate(buf audio.Buffer) error {
	if buf.SampleRate != SampleRate {
		return &FormatError{Field: "sample_rate", Got: buf.SampleRate, Want: SampleRate, Err: ErrUnsupportedSampleRate}
	}
	if buf.Channels != 1 {
		return &FormatError{Field: "channels", Got: buf.Channels, Want: 1, Err: ErrUnsupportedChannels}
	}
	return nil
}
