package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/gwaggli/gwaggli/internal/app"
	"github.com/gwaggli/gwaggli/internal/config"
	"github.com/gwaggli/gwaggli/internal/eventbus"
	"github.com/gwaggli/gwaggli/internal/observe"
	"github.com/gwaggli/gwaggli/internal/resilience"
	"github.com/gwaggli/gwaggli/internal/transcript"
	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/mock"
)

const testRate = 1000

// testConfig returns a small-window config so a few samples make frames.
func testConfig() *config.Config {
	return &config.Config{
		LogLevel: config.LogInfo,
		Audio: config.AudioConfig{
			Source:     config.SourceReplay,
			SampleRate: testRate,
			ReplayFile: "test.wav",
		},
		Bus:         config.BusConfig{Capacity: 100},
		Framer:      config.FramerConfig{WindowSamples: 4, HopSamples: 2},
		Driver:      config.DriverConfig{PollInterval: time.Millisecond},
		Transcriber: config.ProviderEntry{Name: "mock"},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func replay(t *testing.T, n int) *audio.ReplaySource {
	t.Helper()
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(i)
	}
	src, err := audio.NewReplaySource(audio.Buffer{Samples: samples, SampleRate: testRate, Channels: 1}, 3)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

// recorder collects emitted transcripts.
type recorder struct {
	mu  sync.Mutex
	got []stt.Transcript
}

func (r *recorder) Emit(_ context.Context, t stt.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return nil
}

func (r *recorder) transcripts() []stt.Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.Transcript(nil), r.got...)
}

// liveSource blocks like a capture device until ctx is cancelled.
func liveSource() audio.Source {
	return audio.SourceFunc(func(ctx context.Context, _ audio.Publisher) error {
		<-ctx.Done()
		return nil
	})
}

// closingTranscriber records Close calls.
type closingTranscriber struct {
	mock.Transcriber
	mu     sync.Mutex
	closed int
}

func (c *closingTranscriber) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *closingTranscriber) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func runWithTimeout(t *testing.T, a *app.App, ctx context.Context) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s")
		return nil
	}
}

func shutdown(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestRun_ReplayTranscribesEveryFrame(t *testing.T) {
	t.Parallel()

	bus := eventbus.New[audio.Chunk](eventbus.WithCapacity(100))
	tr := &mock.Transcriber{Default: mock.Result{Text: "hello"}}
	rec := &recorder{}

	a, err := app.New(testConfig(), nil,
		app.WithSource(replay(t, 10)),
		app.WithTranscriber(tr),
		app.WithSink(rec),
		app.WithBus(bus),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	if err := runWithTimeout(t, a, context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// floor((10-4)/2)+1 frames.
	got := rec.transcripts()
	if len(got) != 4 {
		t.Fatalf("got %d transcripts, want 4", len(got))
	}
	for k, tr := range got {
		if tr.Frame != k || tr.Text != "hello" || tr.Provider != "mock" {
			t.Errorf("transcript %d = %+v", k, tr)
		}
	}
	if calls := tr.Calls(); len(calls) != 4 || calls[1].Buffer.Samples[0] != 2 {
		t.Errorf("transcriber calls = %+v", calls)
	}

	if err := bus.Publish(audio.Chunk{}); !errors.Is(err, eventbus.ErrClosed) {
		t.Errorf("bus still open after source ended: %v", err)
	}
	if a.Running() {
		t.Error("Running() = true after the source ended")
	}
	if st := a.Status(); st.Active || st.Stats.Frames != 4 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestRun_ReplayLongerThanBusCapacityLosesNothing(t *testing.T) {
	t.Parallel()

	var lagged int64
	var mu sync.Mutex
	bus := eventbus.New[audio.Chunk](eventbus.WithCapacity(2), eventbus.WithDropHook(func(reason string, n int) {
		mu.Lock()
		defer mu.Unlock()
		if reason == eventbus.ReasonLagged {
			lagged += int64(n)
		}
	}))
	rec := &recorder{}
	cfg := testConfig()
	cfg.Bus.Capacity = 2

	// 1000 chunks of 3 samples, 500 times the queue bound.
	a, err := app.New(cfg, nil,
		app.WithSource(replay(t, 3000)),
		app.WithTranscriber(&mock.Transcriber{Default: mock.Result{Text: "x"}}),
		app.WithSink(rec),
		app.WithBus(bus),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	if err := runWithTimeout(t, a, context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	st := a.Status().Stats
	if st.Lagged != 0 || st.Chunks != 1000 {
		t.Errorf("stats = %+v, want 1000 chunks and none lagged", st)
	}
	// floor((3000-4)/2)+1 frames.
	if n := len(rec.transcripts()); n != 1499 {
		t.Errorf("got %d transcripts, want 1499", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if lagged != 0 {
		t.Errorf("bus dropped %d chunks", lagged)
	}
}

func TestRun_CancelStopsLiveSource(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(), nil,
		app.WithSource(liveSource()),
		app.WithTranscriber(&mock.Transcriber{}),
		app.WithSink(transcript.Discard),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	if err := runWithTimeout(t, a, ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}

func TestRun_SourceErrorIsReturned(t *testing.T) {
	t.Parallel()

	unplugged := errors.New("device unplugged")
	a, err := app.New(testConfig(), nil,
		app.WithSource(audio.SourceFunc(func(context.Context, audio.Publisher) error { return unplugged })),
		app.WithTranscriber(&mock.Transcriber{}),
		app.WithSink(transcript.Discard),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	if err := runWithTimeout(t, a, context.Background()); !errors.Is(err, unplugged) {
		t.Fatalf("Run() = %v, want %v", err, unplugged)
	}
}

func TestNew_FromRegistry(t *testing.T) {
	t.Parallel()

	primary := &closingTranscriber{}
	backup := &closingTranscriber{}
	var sourceCfg config.AudioConfig

	reg := config.NewRegistry()
	reg.RegisterTranscriber("mock", func(config.ProviderEntry) (stt.Transcriber, error) { return primary, nil })
	reg.RegisterTranscriber("backup", func(config.ProviderEntry) (stt.Transcriber, error) { return backup, nil })
	reg.RegisterSource(config.SourceReplay, func(cfg config.AudioConfig) (audio.Source, error) {
		sourceCfg = cfg
		return replay(t, 4), nil
	})

	cfg := testConfig()
	cfg.Fallbacks = []config.ProviderEntry{{Name: "backup"}}

	a, err := app.New(cfg, reg, app.WithSink(transcript.Discard), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if sourceCfg.ReplayFile != "test.wav" {
		t.Errorf("source factory got %+v", sourceCfg)
	}
	backends := a.Transcriber().Backends()
	if len(backends) != 2 || backends["mock"] != resilience.StateClosed || backends["backup"] != resilience.StateClosed {
		t.Errorf("Backends() = %v", backends)
	}

	shutdown(t, a)
	if primary.closeCount() != 1 || backup.closeCount() != 1 {
		t.Errorf("close counts = %d, %d, want 1, 1", primary.closeCount(), backup.closeCount())
	}
	// Shutdown is idempotent.
	shutdown(t, a)
	if primary.closeCount() != 1 {
		t.Errorf("second Shutdown closed again")
	}
}

func TestNew_UnregisteredProvider(t *testing.T) {
	t.Parallel()

	_, err := app.New(testConfig(), config.NewRegistry(), app.WithSource(replay(t, 4)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_FailureReleasesResources(t *testing.T) {
	t.Parallel()

	primary := &closingTranscriber{}
	reg := config.NewRegistry()
	reg.RegisterTranscriber("mock", func(config.ProviderEntry) (stt.Transcriber, error) { return primary, nil })

	cfg := testConfig()
	cfg.Framer.HopSamples = 8 // larger than the window

	if _, err := app.New(cfg, reg, app.WithSource(replay(t, 4))); err == nil {
		t.Fatal("New() succeeded with an invalid framer")
	}
	if primary.closeCount() != 1 {
		t.Errorf("transcriber not closed after failed New")
	}
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, body
}

func TestRun_ServesHTTP(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"

	a, err := app.New(cfg, nil,
		app.WithSource(liveSource()),
		app.WithTranscriber(&mock.Transcriber{}),
		app.WithSink(transcript.Discard),
		app.WithMetrics(testMetrics(t)),
		app.WithPrometheusRegistry(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	base := "http://" + a.Addr()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		code, _ := get(t, base+"/readyz")
		if code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("/readyz never became ready, last status %d", code)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code, _ := get(t, base+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code, _ := get(t, base+"/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d", code)
	}

	code, body := get(t, base+"/api/session")
	if code != http.StatusOK {
		t.Fatalf("/api/session = %d", code)
	}
	var st app.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Active || st.Session == nil || st.Session.Transcriber != "mock" || st.Backends["mock"] != "closed" {
		t.Errorf("status = %s", body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNew_ServerDisabledWithoutAddr(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(), nil,
		app.WithSource(replay(t, 4)),
		app.WithTranscriber(&mock.Transcriber{}),
		app.WithSink(transcript.Discard),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)
	if addr := a.Addr(); addr != "" {
		t.Errorf("Addr() = %q, want empty", addr)
	}
}
