package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/gwaggli/gwaggli/internal/eventbus"
	"github.com/gwaggli/gwaggli/internal/framer"
	"github.com/gwaggli/gwaggli/internal/observe"
	"github.com/gwaggli/gwaggli/internal/pipeline"
	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/mock"
)

const testRate = 1000

var (
	errTest = errors.New("test error")
	base    = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
)

// recorder is a transcript sink that keeps everything it receives.
type recorder struct {
	mu  sync.Mutex
	got []stt.Transcript
	err error
}

func (r *recorder) Emit(_ context.Context, t stt.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return r.err
}

func (r *recorder) transcripts() []stt.Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

// ramp returns n consecutive sample values starting at from.
func ramp(from, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(from + i)
	}
	return s
}

// chunked splits ramp(0, total) into contiguous chunks of the given sizes,
// timestamped as if captured back to back starting at base.
func chunked(sizes ...int) []audio.Chunk {
	var out []audio.Chunk
	pos := 0
	for _, n := range sizes {
		end := base.Add(audio.SamplesDuration(pos+n, testRate))
		out = append(out, audio.NewChunk(ramp(pos, n), testRate, end))
		pos += n
	}
	return out
}

func feedOf(chunks ...audio.Chunk) pipeline.ChanFeed {
	ch := make(chan audio.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func newDriver(t *testing.T, window, hop int, tr stt.Transcriber, sink *recorder, opts ...pipeline.Option) *pipeline.Driver {
	t.Helper()
	w, err := framer.New[float32](window, hop)
	if err != nil {
		t.Fatalf("framer.New: %v", err)
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]pipeline.Option{
		pipeline.WithSampleRate(testRate),
		pipeline.WithMetrics(m),
	}, opts...)
	return pipeline.NewDriver(w, tr, sink, opts...)
}

func runTimeout(t *testing.T, d *pipeline.Driver, feed pipeline.Feed) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.Run(ctx, feed)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Run did not finish")
	}
	return err
}

func TestRun_TranscribesEveryFrameInOrder(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Default: mock.Result{Text: "x"}}
	sink := &recorder{}
	d := newDriver(t, 4, 2, tr, sink)

	if err := runTimeout(t, d, feedOf(chunked(3, 1, 5, 1)...)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// floor((10-4)/2)+1 frames, frame k = input[2k, 2k+4).
	calls := tr.Calls()
	if len(calls) != 4 {
		t.Fatalf("transcribe calls = %d, want 4", len(calls))
	}
	for k, c := range calls {
		if want := ramp(2*k, 4); !slices.Equal(c.Buffer.Samples, want) {
			t.Errorf("frame %d = %v, want %v", k, c.Buffer.Samples, want)
		}
		if c.Buffer.SampleRate != testRate || c.Buffer.Channels != 1 {
			t.Errorf("frame %d format = %d Hz / %d ch", k, c.Buffer.SampleRate, c.Buffer.Channels)
		}
	}

	got := sink.transcripts()
	if len(got) != 4 {
		t.Fatalf("transcripts = %d, want 4", len(got))
	}
	for k, tr := range got {
		if tr.Frame != k {
			t.Errorf("transcript %d has frame %d", k, tr.Frame)
		}
		if want := base.Add(time.Duration(2*k) * time.Millisecond); !tr.Start.Equal(want) {
			t.Errorf("frame %d start = %v, want %v", k, tr.Start, want)
		}
		if tr.Duration != 4*time.Millisecond {
			t.Errorf("frame %d duration = %v, want 4ms", k, tr.Duration)
		}
	}

	if s := d.Stats(); s.Chunks != 4 || s.Frames != 4 || s.Errors != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRun_NoFrameBelowWindow(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{}
	d := newDriver(t, 10, 5, tr, &recorder{})

	if err := runTimeout(t, d, feedOf(chunked(4, 5)...)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := tr.CallCount(); n != 0 {
		t.Errorf("transcribe calls = %d, want 0 for 9 samples", n)
	}
}

func TestRun_SlowTranscriberKeepsOrder(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Hook: func(context.Context) { time.Sleep(time.Millisecond) }}
	d := newDriver(t, 8, 4, tr, &recorder{})

	sizes := make([]int, 50)
	for i := range sizes {
		sizes[i] = 1 + i%7
	}
	total := 0
	for _, n := range sizes {
		total += n
	}

	if err := runTimeout(t, d, feedOf(chunked(sizes...)...)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := tr.Calls()
	if want := (total-8)/4 + 1; len(calls) != want {
		t.Fatalf("frames = %d, want %d", len(calls), want)
	}
	for k, c := range calls {
		if c.Buffer.Samples[0] != float32(4*k) {
			t.Fatalf("frame %d starts at %v, want %d", k, c.Buffer.Samples[0], 4*k)
		}
	}
}

func TestRun_RejectsWrongSampleRate(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{}
	d := newDriver(t, 4, 4, tr, &recorder{})

	bad := audio.NewChunk(ramp(100, 4), 8000, base)
	chunks := append([]audio.Chunk{bad}, chunked(4)...)
	if err := runTimeout(t, d, feedOf(chunks...)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := tr.Calls()
	if len(calls) != 1 || calls[0].Buffer.Samples[0] != 0 {
		t.Errorf("calls = %+v, want one frame of good samples", calls)
	}
	if s := d.Stats(); s.Rejected != 1 || s.Chunks != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRun_ContinuesAfterFrameError(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Results: []mock.Result{{Err: errTest}, {Text: "second"}}}
	sink := &recorder{}
	d := newDriver(t, 2, 2, tr, sink)

	if err := runTimeout(t, d, feedOf(chunked(4)...)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := sink.transcripts()
	if len(got) != 1 || got[0].Text != "second" || got[0].Frame != 1 {
		t.Errorf("transcripts = %+v", got)
	}
	if s := d.Stats(); s.Errors != 1 || s.Frames != 2 {
		t.Errorf("stats = %+v", s)
	}
}

// Not parallel: installs a global tracer provider.
func TestRun_FrameFailureLogsToDriverLogger(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	var logs bytes.Buffer
	l := slog.New(slog.NewTextHandler(&logs, nil)).With("session", "studio-a")
	tr := &mock.Transcriber{Results: []mock.Result{{Err: errTest}}}
	d := newDriver(t, 2, 2, tr, &recorder{}, pipeline.WithLogger(l))

	if err := runTimeout(t, d, feedOf(chunked(2)...)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var line string
	for _, ln := range strings.Split(logs.String(), "\n") {
		if strings.Contains(ln, "pipeline: frame failed") {
			line = ln
		}
	}
	if line == "" {
		t.Fatalf("no frame failure in driver log:\n%s", logs.String())
	}
	for _, want := range []string{"session=studio-a", "frame=0", "trace_id=", "span_id=", errTest.Error()} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %q: %s", want, line)
		}
	}
}

func TestRun_StopOnError(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Default: mock.Result{Err: errTest}}
	d := newDriver(t, 2, 2, tr, &recorder{}, pipeline.WithStopOnError())

	err := runTimeout(t, d, feedOf(chunked(8)...))
	if !errors.Is(err, errTest) {
		t.Fatalf("Run error = %v, want errTest", err)
	}
	if n := tr.CallCount(); n != 1 {
		t.Errorf("transcribe calls = %d, want 1", n)
	}
}

func TestRun_SinkErrorIsCounted(t *testing.T) {
	t.Parallel()
	sink := &recorder{err: errTest}
	d := newDriver(t, 2, 2, &mock.Transcriber{}, sink)

	if err := runTimeout(t, d, feedOf(chunked(4)...)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s := d.Stats(); s.Errors != 2 {
		t.Errorf("errors = %d, want 2", s.Errors)
	}
}

func TestRun_CancelStops(t *testing.T) {
	t.Parallel()
	d := newDriver(t, 4, 2, &mock.Transcriber{}, &recorder{})
	ch := make(chan audio.Chunk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, pipeline.ChanFeed(ch)) }()

	ch <- chunked(3)[0]
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_FromEventBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New[audio.Chunk](eventbus.WithCapacity(2))
	sub := bus.Subscribe()
	defer sub.Close()

	// Five chunks into a two-slot subscription: three are lost.
	for _, c := range chunked(2, 2, 2, 2, 2) {
		if err := bus.Publish(c); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	bus.Close()

	tr := &mock.Transcriber{}
	d := newDriver(t, 4, 4, tr, &recorder{})
	if err := runTimeout(t, d, sub); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s := d.Stats()
	if s.Lagged != 3 || s.Chunks != 2 {
		t.Errorf("stats = %+v, want 3 lagged and 2 chunks", s)
	}
	calls := tr.Calls()
	if len(calls) != 1 || !slices.Equal(calls[0].Buffer.Samples, ramp(6, 4)) {
		t.Errorf("calls = %+v, want one frame of the last two chunks", calls)
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	d := newDriver(t, 2, 1, &mock.Transcriber{Provider: "whisper"}, &recorder{}, pipeline.WithMetrics(m))

	if err := runTimeout(t, d, feedOf(chunked(5)...)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var frames int64
	var latencies uint64
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			switch mt.Name {
			case "gwaggli.framer.frames":
				for _, dp := range mt.Data.(metricdata.Sum[int64]).DataPoints {
					frames += dp.Value
				}
			case "gwaggli.transcribe.duration":
				for _, dp := range mt.Data.(metricdata.Histogram[float64]).DataPoints {
					latencies += dp.Count
				}
			}
		}
	}
	if frames != 4 || latencies != 4 {
		t.Errorf("frames = %d, latencies = %d, want 4 each", frames, latencies)
	}
}

func TestChanFeed(t *testing.T) {
	t.Parallel()
	ch := make(chan audio.Chunk, 1)
	ch <- chunked(1)[0]
	close(ch)
	feed := pipeline.ChanFeed(ch)

	if c, err := feed.Recv(context.Background()); err != nil || c.Len() != 1 {
		t.Errorf("Recv = %v, %v", c, err)
	}
	if _, err := feed.Recv(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Recv after close = %v, want io.EOF", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pipeline.ChanFeed(make(chan audio.Chunk)).Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Recv on cancelled ctx = %v", err)
	}
}

func TestSharedBus_IsSingleton(t *testing.T) {
	t.Parallel()
	if pipeline.SharedBus() != pipeline.SharedBus() {
		t.Error("SharedBus returned different buses")
	}
}
