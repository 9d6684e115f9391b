// Package portaudio captures microphone input through PortAudio and publishes
// it as [audio.Chunk] events.
//
// The default input device is opened mono at 16 kHz with 16-bit samples.
// Samples are delivered by PortAudio's real-time callback thread; the
// callback only copies, normalises, timestamps and publishes. Anything that
// needs logging is handed to a bounded side channel drained by the goroutine
// running [Source.Produce].
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/gwaggli/gwaggli/internal/eventbus"
	"github.com/gwaggli/gwaggli/pkg/audio"
)

const (
	// DefaultSampleRate is the capture rate expected by the transcribers.
	DefaultSampleRate = 16000

	// DefaultFramesPerBuffer is the callback size in samples (64 ms at 16 kHz).
	DefaultFramesPerBuffer = 1024

	eventBuffer = 64
)

var (
	// ErrClosed is returned by Produce after Close.
	ErrClosed = errors.New("portaudio: source closed")

	// ErrRunning is returned by a second concurrent Produce call.
	ErrRunning = errors.New("portaudio: capture already running")
)

// ConfigurationError reports that the host audio system cannot provide the
// requested capture format. It is fatal to the caller.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("portaudio: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Stats are the capture counters of a [Source].
type Stats struct {
	Published int64
	// Dropped counts chunks the publisher refused, including chunks
	// captured while nobody was subscribed.
	Dropped   int64
	Overflows int64
	// Unreported counts side-channel events lost because the logger fell
	// behind.
	Unreported int64
}

// captureEvent carries callback-side observations to the logger goroutine.
type captureEvent struct {
	err      error
	overflow bool
}

// Option configures a [Source].
type Option func(*Source)

// WithSampleRate overrides the capture rate.
func WithSampleRate(hz int) Option {
	return func(s *Source) { s.sampleRate = hz }
}

// WithFramesPerBuffer overrides the callback buffer size.
func WithFramesPerBuffer(n int) Option {
	return func(s *Source) { s.framesPerBuffer = n }
}

// WithLogger sets the logger used for capture diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithClock overrides the clock used to stamp chunks.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source is the device-backed [audio.Source]. It exclusively owns the
// PortAudio session and its input stream until [Source.Close].
type Source struct {
	sampleRate      int
	framesPerBuffer int
	log             *slog.Logger
	now             func() time.Time

	params pa.StreamParameters

	mu      sync.Mutex
	stream  *pa.Stream
	closed  bool
	done    chan struct{}
	pub     audio.Publisher
	events  chan captureEvent
	running bool

	published  atomic.Int64
	dropped    atomic.Int64
	overflows  atomic.Int64
	unreported atomic.Int64
}

var _ audio.Source = (*Source)(nil)

// New initialises PortAudio, resolves the default input device and checks
// that it supports mono 16-bit capture at the configured rate.
func New(opts ...Option) (*Source, error) {
	s := newSource(opts...)

	if err := pa.Initialize(); err != nil {
		return nil, &ConfigurationError{Op: "initialize", Err: err}
	}
	dev, err := pa.DefaultInputDevice()
	if err != nil {
		_ = pa.Terminate()
		return nil, &ConfigurationError{Op: "default input device", Err: err}
	}
	if dev.MaxInputChannels < 1 {
		_ = pa.Terminate()
		return nil, &ConfigurationError{Op: "default input device", Err: fmt.Errorf("%q has no input channels", dev.Name)}
	}

	p := pa.LowLatencyParameters(dev, nil)
	p.Input.Channels = 1
	p.SampleRate = float64(s.sampleRate)
	p.FramesPerBuffer = s.framesPerBuffer
	if err := pa.IsFormatSupported(p, s.process); err != nil {
		_ = pa.Terminate()
		return nil, &ConfigurationError{
			Op:  "check format",
			Err: fmt.Errorf("%q mono int16 @ %d Hz: %w", dev.Name, s.sampleRate, err),
		}
	}
	s.params = p

	s.log.Debug("portaudio: input device ready",
		"device", dev.Name,
		"sample_rate", s.sampleRate,
		"frames_per_buffer", s.framesPerBuffer,
		"latency", p.Input.Latency,
	)
	return s, nil
}

func newSource(opts ...Option) *Source {
	s := &Source{
		sampleRate:      DefaultSampleRate,
		framesPerBuffer: DefaultFramesPerBuffer,
		log:             slog.Default(),
		now:             time.Now,
		done:            make(chan struct{}),
		events:          make(chan captureEvent, eventBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Produce opens and starts the input stream and publishes every captured
// buffer to pub. It blocks until ctx is cancelled or Close is called, then
// stops the stream and returns nil.
func (s *Source) Produce(ctx context.Context, pub audio.Publisher) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.pub = pub
	stream, err := pa.OpenStream(s.params, s.process)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		s.mu.Unlock()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	s.stream = stream
	s.running = true
	s.mu.Unlock()

	s.log.Info("portaudio: capture started", "sample_rate", s.sampleRate)
	defer s.log.Info("portaudio: capture stopped", "published", s.published.Load(), "dropped", s.dropped.Load())

	for {
		select {
		case <-ctx.Done():
			return s.stop()
		case <-s.done:
			return nil
		case ev := <-s.events:
			s.logEvent(ev)
		}
	}
}

// process is the PortAudio callback. It must not block.
func (s *Source) process(in []int16, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
	s.handle(in, flags&pa.InputOverflow != 0)
}

func (s *Source) handle(in []int16, overflow bool) {
	availableAt := s.now()
	if overflow {
		s.overflows.Add(1)
		s.report(captureEvent{overflow: true})
	}

	samples := audio.Int16ToFloat32(make([]float32, len(in)), in)
	err := s.pub.Publish(audio.NewChunk(samples, s.sampleRate, availableAt))
	switch {
	case err == nil:
		s.published.Add(1)
	case errors.Is(err, eventbus.ErrNoSubscribers):
		s.dropped.Add(1)
	default:
		s.dropped.Add(1)
		s.report(captureEvent{err: err})
	}
}

func (s *Source) report(ev captureEvent) {
	select {
	case s.events <- ev:
	default:
		s.unreported.Add(1)
	}
}

func (s *Source) logEvent(ev captureEvent) {
	switch {
	case ev.overflow:
		s.log.Warn("portaudio: input overflow, samples lost", "overflows", s.overflows.Load())
	case ev.err != nil:
		s.log.Warn("portaudio: publish failed", "err", ev.err, "dropped", s.dropped.Load())
	}
}

// stop halts the running stream and leaves the source reusable.
func (s *Source) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.stream = nil
	s.running = false
	if err != nil {
		return fmt.Errorf("portaudio: stop stream: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the capture counters.
func (s *Source) Stats() Stats {
	return Stats{
		Published:  s.published.Load(),
		Dropped:    s.dropped.Load(),
		Overflows:  s.overflows.Load(),
		Unreported: s.unreported.Load(),
	}
}

// Running reports whether the input stream is currently started.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops capture, releases the stream and terminates PortAudio. It is
// safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	err := s.stop()
	if terr := pa.Terminate(); err == nil && terr != nil {
		err = fmt.Errorf("portaudio: terminate: %w", terr)
	}
	return err
}
