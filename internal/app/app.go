// Package app wires all gwaggli subsystems into a running live
// transcription session.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run captures and transcribes until the source ends or the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject implementations via functional options (WithSource,
// WithTranscriber, WithSink, etc.). When an option is not provided, New
// creates real implementations from the config and the provider registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gwaggli/gwaggli/internal/config"
	"github.com/gwaggli/gwaggli/internal/eventbus"
	"github.com/gwaggli/gwaggli/internal/framer"
	"github.com/gwaggli/gwaggli/internal/observe"
	"github.com/gwaggli/gwaggli/internal/pipeline"
	"github.com/gwaggli/gwaggli/internal/resilience"
	"github.com/gwaggli/gwaggli/internal/transcript"
	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

// App owns all subsystem lifetimes of one live transcription session.
type App struct {
	cfg *config.Config
	reg *config.Registry

	source      audio.Source
	primary     stt.Transcriber
	transcriber *resilience.TranscriberFallback
	sink        transcript.Sink
	hub         *transcript.Hub
	bus         *eventbus.Bus[audio.Chunk]
	driver      *pipeline.Driver
	server      *server

	metrics    *observe.Metrics
	promReg    *prometheus.Registry
	level      *slog.LevelVar
	configPath string
	output     io.Writer

	capturing atomic.Bool
	session   atomic.Pointer[SessionInfo]

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects the audio source instead of creating one from the
// registry.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithTranscriber injects the primary transcriber instead of creating one
// from the registry. Configured fallbacks are still created.
func WithTranscriber(t stt.Transcriber) Option {
	return func(a *App) { a.primary = t }
}

// WithSink replaces the stdout transcript writer. Transcripts are always
// also broadcast to websocket clients.
func WithSink(s transcript.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithBus injects the audio event bus. The app closes it when the source
// ends.
func WithBus(b *eventbus.Bus[audio.Chunk]) Option {
	return func(a *App) { a.bus = b }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPrometheusRegistry sets the registry served at /metrics. Defaults to
// the global Prometheus gatherer.
func WithPrometheusRegistry(r *prometheus.Registry) Option {
	return func(a *App) { a.promReg = r }
}

// WithLevelVar hands the app the logger's level so that config reloads can
// change it.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath watches the config file at path while Run is active and
// applies hot-reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithOutput sets where the default writer sink prints transcripts.
// Defaults to os.Stdout. Ignored when [WithSink] is given.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.output = w }
}

// New creates an App by wiring all subsystems together. reg supplies the
// source and transcriber factories for everything that was not injected;
// it may be nil when both are injected and no fallbacks are configured.
//
// New performs all initialisation synchronously: transcriber construction
// (which may load a model), source construction, bus, framer, driver, and
// the HTTP listener when server.listen_addr is set.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		reg:    reg,
		output: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(); err != nil {
		a.runClosers()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	if err := a.initTranscriber(); err != nil {
		return fmt.Errorf("app: init transcriber: %w", err)
	}
	if err := a.initSource(); err != nil {
		return fmt.Errorf("app: init source: %w", err)
	}

	if a.bus == nil {
		a.bus = eventbus.New[audio.Chunk](
			eventbus.WithCapacity(a.cfg.Bus.Capacity),
			eventbus.WithDropHook(a.metrics.BusDropHook()),
		)
	}
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	window, err := framer.New[float32](a.cfg.Framer.WindowSamples, a.cfg.Framer.HopSamples)
	if err != nil {
		return fmt.Errorf("app: init framer: %w", err)
	}

	a.hub = transcript.NewHub(transcript.WithOriginPatterns(a.cfg.Server.AllowedOrigins...))
	a.closers = append(a.closers, func() error { a.hub.Close(); return nil })

	out := a.sink
	if out == nil {
		out = transcript.NewWriter(a.output, transcript.WithTimestamps())
	}
	a.sink = transcript.Multi(out, a.hub)

	a.driver = pipeline.NewDriver(window, a.transcriber, a.sink, a.driverOptions()...)

	if a.cfg.Server.ListenAddr != "" {
		srv, err := newServer(a)
		if err != nil {
			return fmt.Errorf("app: init server: %w", err)
		}
		a.server = srv
		a.closers = append(a.closers, srv.close)
	}
	return nil
}

// initTranscriber builds the primary transcriber and its fallbacks behind
// circuit breakers.
func (a *App) initTranscriber() error {
	name := a.cfg.Transcriber.Name
	if a.primary == nil {
		t, err := a.create(a.cfg.Transcriber)
		if err != nil {
			return err
		}
		a.primary = t
	}
	a.transcriber = resilience.NewTranscriberFallback(a.primary, name, resilience.FallbackConfig{})

	for _, entry := range a.cfg.Fallbacks {
		t, err := a.create(entry)
		if err != nil {
			return err
		}
		a.transcriber.AddFallback(entry.Name, t)
		slog.Info("fallback transcriber added", "name", entry.Name)
	}
	return nil
}

func (a *App) create(entry config.ProviderEntry) (stt.Transcriber, error) {
	if a.reg == nil {
		return nil, fmt.Errorf("no registry to create transcriber %q", entry.Name)
	}
	t, err := a.reg.CreateTranscriber(entry)
	if err != nil {
		return nil, fmt.Errorf("create transcriber %q: %w", entry.Name, err)
	}
	a.addCloser(t)
	slog.Info("transcriber created", "name", entry.Name, "model", entry.Model, "quality", entry.Quality)
	return t, nil
}

func (a *App) initSource() error {
	if a.source != nil {
		return nil
	}
	if a.reg == nil {
		return fmt.Errorf("no registry to create source %q", a.cfg.Audio.Source)
	}
	s, err := a.reg.CreateSource(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.source = s
	a.addCloser(s)
	return nil
}

// addCloser registers v for Shutdown if it holds resources.
func (a *App) addCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

func (a *App) driverOptions() []pipeline.Option {
	d := a.cfg.Driver
	opts := []pipeline.Option{
		pipeline.WithSampleRate(a.cfg.Audio.SampleRate),
		pipeline.WithPollInterval(d.PollInterval),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithBacklogWarn(d.BacklogWarnSamples),
		pipeline.WithProviderName(a.cfg.Transcriber.Name),
	}
	if d.StopOnError {
		opts = append(opts, pipeline.WithStopOnError())
	}
	return opts
}

// Run captures audio and transcribes it until the source ends and every
// complete frame is processed, or ctx is cancelled. Both count as a clean
// stop and return nil. Run may be called once.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var watcher *config.Watcher
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		watcher = w
	}

	// Subscribe before capture starts so no chunk is published into the void.
	sub := a.bus.Subscribe()
	defer sub.Close()

	info := newSessionInfo(a.cfg, now())
	a.session.Store(&info)
	defer a.session.Store(nil)
	slog.Info("session started",
		"session_id", info.SessionID,
		"source", info.Source,
		"transcriber", info.Transcriber,
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The session is over once the driver returns; stop everything else.
		defer cancel()
		return a.driver.Run(gctx, sub)
	})
	g.Go(func() error {
		return a.capture(gctx)
	})
	if a.server != nil {
		g.Go(func() error {
			return a.server.serve(gctx)
		})
	}
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err := g.Wait()
	stats := a.driver.Stats()
	slog.Info("session ended",
		"session_id", info.SessionID,
		"frames", stats.Frames,
		"errors", stats.Errors,
		"lagged", stats.Lagged,
		"rejected", stats.Rejected,
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// capture runs the source until it ends, then closes the bus so the driver
// drains what is left and finishes.
func (a *App) capture(ctx context.Context) error {
	a.capturing.Store(true)
	defer a.capturing.Store(false)
	defer a.bus.Close()

	pub := countingPublisher{pub: a.bus.Publisher(), metrics: a.metrics}
	if err := a.source.Produce(ctx, pub); err != nil && ctx.Err() == nil {
		return fmt.Errorf("app: capture: %w", err)
	}
	slog.Debug("capture finished")
	return nil
}

// Running reports whether the audio source is producing.
func (a *App) Running() bool { return a.capturing.Load() }

// Transcriber returns the failover transcriber the session uses.
func (a *App) Transcriber() *resilience.TranscriberFallback { return a.transcriber }

// Addr returns the address the HTTP server listens on, or "" when the
// server is disabled.
func (a *App) Addr() string {
	if a.server == nil {
		return ""
	}
	return a.server.addr()
}

// reload applies a changed config file. Only the log level takes effect
// without a restart.
func (a *App) reload(r config.Reload) {
	r.Diff.Apply(a.level)
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = err
				return
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases whatever a failed New had acquired.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
}

// countingPublisher counts accepted chunks. Drops are counted by the bus's
// drop hook. It is an [audio.WaitPublisher], so finite sources wait for the
// driver instead of dropping.
type countingPublisher struct {
	pub     eventbus.Publisher[audio.Chunk]
	metrics *observe.Metrics
}

func (p countingPublisher) Publish(c audio.Chunk) error {
	if err := p.pub.Publish(c); err != nil {
		return err
	}
	p.metrics.BusPublished.Add(context.Background(), 1)
	return nil
}

func (p countingPublisher) PublishWait(ctx context.Context, c audio.Chunk) error {
	if err := p.pub.PublishWait(ctx, c); err != nil {
		return err
	}
	p.metrics.BusPublished.Add(ctx, 1)
	return nil
}
