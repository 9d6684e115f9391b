// Package pipeline drives streaming transcription.
//
// A [Driver] connects an audio [Feed] (normally an event bus subscription)
// to a sliding-window framer and a transcriber. Run starts two activities:
// a feeder that moves chunks from the feed into the framer, and a loop that
// polls the framer and hands every complete frame to the transcriber, then
// the resulting transcript to a sink. Frames are transcribed one at a time,
// in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gwaggli/gwaggli/internal/eventbus"
	"github.com/gwaggli/gwaggli/internal/framer"
	"github.com/gwaggli/gwaggli/internal/observe"
	"github.com/gwaggli/gwaggli/internal/transcript"
	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

// DefaultPollInterval bounds how long the loop sleeps between polls when no
// wake-up arrives.
const DefaultPollInterval = time.Millisecond

// Feed yields audio chunks in order. Recv blocks until a chunk is available
// and returns [eventbus.ErrClosed] or [io.EOF] once the upstream has ended.
// It may return a [*eventbus.LaggedError] to report lost chunks; the next
// call continues with the oldest retained chunk.
type Feed interface {
	Recv(ctx context.Context) (audio.Chunk, error)
}

var _ Feed = (*eventbus.Subscription[audio.Chunk])(nil)

// ChanFeed adapts a channel to [Feed]. A closed channel reports [io.EOF].
type ChanFeed <-chan audio.Chunk

// Recv receives the next chunk from the channel.
func (c ChanFeed) Recv(ctx context.Context) (audio.Chunk, error) {
	select {
	case <-ctx.Done():
		return audio.Chunk{}, ctx.Err()
	case ch, ok := <-c:
		if !ok {
			return audio.Chunk{}, io.EOF
		}
		return ch, nil
	}
}

// Stats are cumulative counters of one [Driver].
type Stats struct {
	// Chunks accepted into the framer.
	Chunks int64 `json:"chunks"`
	// Rejected chunks whose sample rate did not match.
	Rejected int64 `json:"rejected"`
	// Lagged is the number of chunks lost to backpressure upstream.
	Lagged int64 `json:"lagged"`
	// Frames handed to the transcriber.
	Frames int64 `json:"frames"`
	// Errors from the transcriber or the sink.
	Errors int64 `json:"errors"`
}

// Option configures a [Driver].
type Option func(*Driver)

// WithSampleRate sets the expected chunk sample rate. Chunks at another rate
// are rejected. Defaults to [stt.SampleRate].
func WithSampleRate(hz int) Option {
	return func(d *Driver) { d.sampleRate = hz }
}

// WithPollInterval sets the fallback wait between polls.
func WithPollInterval(iv time.Duration) Option {
	return func(d *Driver) { d.pollInterval = iv }
}

// WithStopOnError ends the session on the first transcription or sink
// error instead of logging it and moving on to the next frame.
func WithStopOnError() Option {
	return func(d *Driver) { d.stopOnError = true }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithBacklogWarn logs a warning whenever the framer backlog rises above n
// samples. Zero disables the warning.
func WithBacklogWarn(n int) Option {
	return func(d *Driver) { d.backlogWarn = n }
}

// WithProviderName labels metrics for transcripts that do not name their
// provider. Defaults to "default".
func WithProviderName(name string) Option {
	return func(d *Driver) { d.provider = name }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// Driver runs the framer/transcriber loop for one session.
type Driver struct {
	window      *framer.Window[float32]
	transcriber stt.Transcriber
	sink        transcript.Sink

	sampleRate   int
	pollInterval time.Duration
	stopOnError  bool
	backlogWarn  int
	provider     string
	metrics      *observe.Metrics
	log          *slog.Logger

	// origin is the capture time of the first accepted sample.
	origin atomic.Pointer[time.Time]

	overBacklog bool

	chunks, rejected, lagged, frames, errs atomic.Int64

	running atomic.Bool
}

// NewDriver creates a [Driver]. window, t and sink must be non-nil.
func NewDriver(window *framer.Window[float32], t stt.Transcriber, sink transcript.Sink, opts ...Option) *Driver {
	d := &Driver{
		window:       window,
		transcriber:  t,
		sink:         sink,
		sampleRate:   stt.SampleRate,
		pollInterval: DefaultPollInterval,
		provider:     "default",
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	return d
}

// ErrRunning is returned by [Driver.Run] when the driver is already running.
var ErrRunning = errors.New("pipeline: driver already running")

// Run feeds chunks from feed into the framer and transcribes every frame
// until the feed ends and all complete frames are processed, ctx is done,
// or (with [WithStopOnError]) a frame fails. It returns nil at end of
// stream, ctx.Err() on cancellation, and the failure otherwise.
//
// Samples left in the framer at end of stream that do not fill a frame are
// not transcribed.
func (d *Driver) Run(ctx context.Context, feed Feed) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer d.running.Store(false)

	d.metrics.ActiveSessions.Add(ctx, 1)
	defer d.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	g, gctx := errgroup.WithContext(ctx)
	ended := make(chan struct{})

	g.Go(func() error {
		defer close(ended)
		return d.feed(gctx, feed)
	})
	g.Go(func() error {
		return d.loop(gctx, ended)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// feed moves chunks from feed into the framer.
func (d *Driver) feed(ctx context.Context, feed Feed) error {
	for {
		c, err := feed.Recv(ctx)
		if err != nil {
			var lag *eventbus.LaggedError
			switch {
			case errors.As(err, &lag):
				d.lagged.Add(int64(lag.Missed))
				d.log.Warn("pipeline: audio lost to backpressure", "missed", lag.Missed)
				continue
			case errors.Is(err, eventbus.ErrClosed), errors.Is(err, io.EOF):
				d.log.Debug("pipeline: upstream ended")
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return fmt.Errorf("pipeline: receive: %w", err)
			}
		}

		if c.SampleRate() != d.sampleRate {
			d.rejected.Add(1)
			d.log.Warn("pipeline: chunk rejected",
				"err", &stt.FormatError{Field: "sample_rate", Got: c.SampleRate(), Want: d.sampleRate, Err: stt.ErrUnsupportedSampleRate},
				"samples", c.Len(),
			)
			continue
		}
		if c.Len() == 0 {
			continue
		}

		if d.origin.Load() == nil {
			ts := c.Timestamp()
			d.origin.Store(&ts)
		}
		d.chunks.Add(1)
		d.window.Push(c.Samples())
	}
}

// loop polls the framer and transcribes frames until upstream has ended and
// no complete frame is left.
func (d *Driver) loop(ctx context.Context, ended <-chan struct{}) error {
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()

	for k := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		if frame, ok := d.window.Poll(); ok {
			if err := d.process(ctx, k, frame); err != nil {
				return err
			}
			k++
			continue
		}

		select {
		case <-ended:
			// The feeder pushes before it closes ended, so a final Poll
			// sees every sample.
			if d.window.Available() == 0 {
				return nil
			}
			continue
		default:
		}

		timer.Reset(d.pollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.window.Ready():
		case <-ended:
		case <-timer.C:
		}
		runtime.Gosched()
	}
}

// process transcribes frame k and emits the transcript. It returns an error
// only when the session must stop.
func (d *Driver) process(ctx context.Context, k int, frame []float32) error {
	d.frames.Add(1)
	ctx, span := observe.StartFrameSpan(ctx, k, len(frame))

	began := time.Now()
	tr, err := d.transcriber.Transcribe(ctx, audio.Buffer{Samples: frame, SampleRate: d.sampleRate, Channels: 1})
	provider := tr.Provider
	if provider == "" {
		provider = d.provider
	}
	d.metrics.RecordTranscription(ctx, provider, time.Since(began).Seconds(), err)

	backlog := d.window.Pending()
	d.metrics.RecordFrame(ctx, backlog)
	d.checkBacklog(backlog)

	if err == nil {
		tr.Frame = k
		tr.Start = d.frameStart(k)
		if tr.Duration == 0 {
			tr.Duration = audio.SamplesDuration(len(frame), d.sampleRate)
		}
		if err = d.sink.Emit(ctx, tr); err != nil {
			err = fmt.Errorf("pipeline: emit frame %d: %w", k, err)
		}
	} else {
		err = fmt.Errorf("pipeline: transcribe frame %d: %w", k, err)
	}
	observe.EndSpan(span, err)

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.errs.Add(1)
	if d.stopOnError {
		return err
	}
	observe.WithTrace(ctx, d.log).Error("pipeline: frame failed", "frame", k, "err", err)
	return nil
}

// frameStart returns the capture time of frame k's first sample.
func (d *Driver) frameStart(k int) time.Time {
	origin := d.origin.Load()
	if origin == nil {
		return time.Time{}
	}
	return origin.Add(audio.SamplesDuration(k*d.window.Hop(), d.sampleRate))
}

func (d *Driver) checkBacklog(backlog int) {
	if d.backlogWarn <= 0 {
		return
	}
	over := backlog > d.backlogWarn
	if over && !d.overBacklog {
		d.log.Warn("pipeline: transcription is falling behind",
			"backlog_samples", backlog,
			"backlog", audio.SamplesDuration(backlog, d.sampleRate),
			"threshold_samples", d.backlogWarn,
		)
	}
	d.overBacklog = over
}

// Stats returns a snapshot of the driver's counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Chunks:   d.chunks.Load(),
		Rejected: d.rejected.Load(),
		Lagged:   d.lagged.Load(),
		Frames:   d.frames.Load(),
		Errors:   d.errs.Load(),
	}
}

var (
	sharedBus     *eventbus.Bus[audio.Chunk]
	sharedBusOnce sync.Once
)

// SharedBus returns the process-wide audio bus, creating it on first use
// with default capacity and drops counted on [observe.DefaultMetrics].
func SharedBus() *eventbus.Bus[audio.Chunk] {
	sharedBusOnce.Do(func() {
		sharedBus = eventbus.New[audio.Chunk](
			eventbus.WithDropHook(observe.DefaultMetrics().BusDropHook()),
		)
	})
	return sharedBus
}
