// Package audio defines the sample-level types that flow through the gwaggli
// pipeline and the producer abstraction that emits them.
//
// A [Source] packages raw captured samples into timestamped [Chunk] events and
// hands them to a [Publisher], usually the publish side of the event bus. The
// device-backed source lives in the portaudio sub-package; this package
// provides the in-process variants used for batch input and tests.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Publisher accepts chunk events for fan-out. Publish must not block on slow
// consumers; it is called from real-time capture callbacks.
type Publisher interface {
	Publish(Chunk) error
}

// WaitPublisher is a [Publisher] that can also hold a chunk back until every
// consumer has room for it. Finite sources prefer it so that no audio is
// discarded.
type WaitPublisher interface {
	Publisher
	PublishWait(ctx context.Context, c Chunk) error
}

// Source produces chunk events into a Publisher.
//
// Produce either delivers its events and returns (finite sources) or starts
// background delivery that continues until ctx is cancelled or the source is
// closed (live sources). Implementations document which behaviour applies.
type Source interface {
	Produce(ctx context.Context, pub Publisher) error
}

// SourceFunc adapts a function to the [Source] interface.
type SourceFunc func(ctx context.Context, pub Publisher) error

// Produce calls f(ctx, pub).
func (f SourceFunc) Produce(ctx context.Context, pub Publisher) error { return f(ctx, pub) }

// PublisherFunc adapts a function to the [Publisher] interface.
type PublisherFunc func(Chunk) error

// Publish calls f(c).
func (f PublisherFunc) Publish(c Chunk) error { return f(c) }

// FixedSource publishes one caller-supplied chunk per Produce call.
type FixedSource struct {
	Chunk Chunk
}

var _ Source = (*FixedSource)(nil)

// Produce publishes s.Chunk exactly once and returns the publisher's error.
func (s *FixedSource) Produce(ctx context.Context, pub Publisher) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pub.Publish(s.Chunk)
}

// ErrNotMono is returned by [NewReplaySource] for multi-channel buffers.
var ErrNotMono = errors.New("audio: replay source requires mono samples")

// ReplaySource slices a decoded mono buffer into consecutive chunks, as if
// they had been captured live. It is finite: Produce returns once every
// sample has been published. Given a [WaitPublisher] it waits for slow
// consumers instead of letting chunks be dropped.
type ReplaySource struct {
	buf          Buffer
	chunkSamples int
	realtime     bool
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

var _ Source = (*ReplaySource)(nil)

// ReplayOption configures a [ReplaySource].
type ReplayOption func(*ReplaySource)

// WithRealtime paces publication so that each chunk is released when it
// would have finished recording.
func WithRealtime() ReplayOption {
	return func(r *ReplaySource) { r.realtime = true }
}

// WithClock overrides the wall clock used for chunk timestamps.
func WithClock(now func() time.Time) ReplayOption {
	return func(r *ReplaySource) { r.now = now }
}

// NewReplaySource creates a source that publishes buf in chunks of
// chunkSamples samples. The final chunk may be shorter.
func NewReplaySource(buf Buffer, chunkSamples int, opts ...ReplayOption) (*ReplaySource, error) {
	if buf.Channels != 1 {
		return nil, fmt.Errorf("%w: got %d channels", ErrNotMono, buf.Channels)
	}
	if buf.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: replay source: invalid sample rate %d", buf.SampleRate)
	}
	if chunkSamples <= 0 {
		return nil, fmt.Errorf("audio: replay source: chunk size must be positive, got %d", chunkSamples)
	}
	r := &ReplaySource{
		buf:          buf,
		chunkSamples: chunkSamples,
		now:          time.Now,
		sleep:        sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Produce publishes every chunk in order. The first publish error aborts the
// replay and is returned wrapped.
func (r *ReplaySource) Produce(ctx context.Context, pub Publisher) error {
	publish := pub.Publish
	if wp, ok := pub.(WaitPublisher); ok {
		publish = func(c Chunk) error { return wp.PublishWait(ctx, c) }
	}

	start := r.now()
	samples := r.buf.Samples
	for off := 0; off < len(samples); off += r.chunkSamples {
		end := min(off+r.chunkSamples, len(samples))
		availableAt := start.Add(SamplesDuration(end, r.buf.SampleRate))

		if r.realtime {
			if err := r.sleep(ctx, availableAt.Sub(r.now())); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if err := publish(NewChunk(samples[off:end], r.buf.SampleRate, availableAt)); err != nil {
			return fmt.Errorf("audio: replay chunk at sample %d: %w", off, err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
