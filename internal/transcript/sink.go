// Package transcript delivers recognised text to its consumers.
//
// A [Sink] receives one [stt.Transcript] per pipeline frame, in frame order.
// [Writer] prints transcripts to a stream, [Hub] broadcasts them to
// websocket clients, and [Multi] fans a transcript out to several sinks.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

// Sink consumes transcripts. Emit is called from a single goroutine per
// pipeline session, but implementations shared between sessions must be safe
// for concurrent use.
type Sink interface {
	Emit(ctx context.Context, t stt.Transcript) error
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ctx context.Context, t stt.Transcript) error

// Emit calls f(ctx, t).
func (f SinkFunc) Emit(ctx context.Context, t stt.Transcript) error { return f(ctx, t) }

// Discard is a [Sink] that drops every transcript.
var Discard Sink = SinkFunc(func(context.Context, stt.Transcript) error { return nil })

// Multi returns a [Sink] that emits to every sink in order. All sinks are
// called even when one fails; the failures are joined.
func Multi(sinks ...Sink) Sink {
	s := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			s = append(s, sink)
		}
	}
	return multi(s)
}

type multi []Sink

func (m multi) Emit(ctx context.Context, t stt.Transcript) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriterOption configures a [Writer].
type WriterOption func(*Writer)

// WithTimestamps prefixes every line with the transcript's start time.
func WithTimestamps() WriterOption {
	return func(w *Writer) { w.timestamps = true }
}

// WithEmpty also prints transcripts whose text is blank. By default they
// are skipped, which keeps silence out of the output.
func WithEmpty() WriterOption {
	return func(w *Writer) { w.empty = true }
}

// Writer is a [Sink] that prints one line per transcript.
type Writer struct {
	mu         sync.Mutex
	w          io.Writer
	timestamps bool
	empty      bool
}

var _ Sink = (*Writer)(nil)

// NewWriter creates a [Writer] printing to w.
func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	wr := &Writer{w: w}
	for _, o := range opts {
		o(wr)
	}
	return wr
}

// Emit writes t's text followed by a newline.
func (w *Writer) Emit(_ context.Context, t stt.Transcript) error {
	text := strings.TrimSpace(t.Text)
	if text == "" && !w.empty {
		return nil
	}

	line := text
	if w.timestamps && !t.Start.IsZero() {
		line = "[" + t.Start.Format(time.TimeOnly+".000") + "] " + text
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintln(w.w, line); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return nil
}
