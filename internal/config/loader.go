package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gwaggli/gwaggli/internal/modelcache"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate      = 16000
	DefaultFramesPerBuffer = 1024
	DefaultBusCapacity     = 1000
	// DefaultWindowSamples is ten seconds at 16 kHz.
	DefaultWindowSamples = 10 * 16000
	// DefaultHopSamples is a quarter second at 16 kHz.
	DefaultHopSamples   = 4000
	DefaultPollInterval = time.Millisecond
	DefaultTranscriber  = "whisper"
	DefaultQuality      = "medium"
)

// Environment variables that override file values.
const (
	EnvLogLevel    = "GWAGGLI_LOG_LEVEL"
	EnvCacheDir    = "GWAGGLI_CACHE_DIR"
	EnvListenAddr  = "GWAGGLI_LISTEN_ADDR"
	EnvOpenAIKey   = "OPENAI_API_KEY"
	EnvDeepgramKey = "DEEPGRAM_API_KEY"
)

// ValidProviderNames lists known transcriber names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"whisper", "whisper-server", "openai", "deepgram", "fake"}

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookup func(string) (string, bool)
}

// WithLookup replaces os.LookupEnv as the source of environment overrides.
// Pass nil to disable overrides.
func WithLookup(fn func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) { o.lookup = fn }
}

// LoadDotEnv loads environment variables from the given .env files (".env"
// when none are given). Files that do not exist are ignored; variables
// already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string, opts ...LoadOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty document
// yields the defaults.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg, o)
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default(opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}
	return finish(&Config{}, o)
}

func finish(cfg *Config, o loadOptions) (*Config, error) {
	if o.lookup != nil {
		ApplyEnv(cfg, o.lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the values of the GWAGGLI_* variables and
// fills empty hosted-provider API keys from OPENAI_API_KEY and
// DEEPGRAM_API_KEY.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = LogLevel(v)
	}
	if v, ok := lookup(EnvCacheDir); ok && v != "" {
		cfg.CacheDir = v
	}
	if v, ok := lookup(EnvListenAddr); ok {
		cfg.Server.ListenAddr = v
	}
	fillKey(cfg, "openai", EnvOpenAIKey, lookup)
	fillKey(cfg, "deepgram", EnvDeepgramKey, lookup)
}

// fillKey sets the API key of every provider entry named name that has
// none from the environment variable env.
func fillKey(cfg *Config, name, env string, lookup func(string) (string, bool)) {
	key, ok := lookup(env)
	if !ok || key == "" {
		return
	}
	fill := func(e *ProviderEntry) {
		if e.Name == name && e.APIKey == "" {
			e.APIKey = key
		}
	}
	fill(&cfg.Transcriber)
	for i := range cfg.Fallbacks {
		fill(&cfg.Fallbacks[i])
	}
}

// ApplyDefaults fills every unset field with its default. The cache
// directory is resolved here once so that no other package consults the
// user's cache location.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = SourceDevice
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FramesPerBuffer == 0 {
		cfg.Audio.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if cfg.Bus.Capacity == 0 {
		cfg.Bus.Capacity = DefaultBusCapacity
	}
	if cfg.Framer.WindowSamples == 0 {
		cfg.Framer.WindowSamples = DefaultWindowSamples
	}
	if cfg.Framer.HopSamples == 0 {
		cfg.Framer.HopSamples = DefaultHopSamples
	}
	if cfg.Driver.PollInterval == 0 {
		cfg.Driver.PollInterval = DefaultPollInterval
	}
	if cfg.Transcriber.Name == "" {
		cfg.Transcriber.Name = DefaultTranscriber
	}
	if cfg.Transcriber.Name == "whisper" && cfg.Transcriber.Model == "" && cfg.Transcriber.Quality == "" {
		cfg.Transcriber.Quality = DefaultQuality
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		slog.Warn("config: no user cache directory, using temp dir", "err", err)
		dir = os.TempDir()
	}
	return filepath.Join(dir, "gwaggli")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.Source != "" && !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: device, replay", cfg.Audio.Source))
	}
	if cfg.Audio.Source == SourceReplay && cfg.Audio.ReplayFile == "" {
		errs = append(errs, errors.New("audio.replay_file is required when audio.source is replay"))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	} else if cfg.Audio.SampleRate != 0 && cfg.Audio.SampleRate != DefaultSampleRate {
		slog.Warn("audio.sample_rate differs from the 16 kHz transcribers accept; frames will be rejected",
			"sample_rate", cfg.Audio.SampleRate)
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must be positive", cfg.Audio.FramesPerBuffer))
	}

	if cfg.Bus.Capacity < 0 {
		errs = append(errs, fmt.Errorf("bus.capacity %d must be positive", cfg.Bus.Capacity))
	}

	// Framer
	w, h := cfg.Framer.WindowSamples, cfg.Framer.HopSamples
	if w < 0 {
		errs = append(errs, fmt.Errorf("framer.window_samples %d must be positive", w))
	}
	if h < 0 {
		errs = append(errs, fmt.Errorf("framer.hop_samples %d must be positive", h))
	}
	if w > 0 && h > w {
		errs = append(errs, fmt.Errorf("framer.hop_samples %d exceeds framer.window_samples %d", h, w))
	}

	if cfg.Driver.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("driver.poll_interval %v must not be negative", cfg.Driver.PollInterval))
	}
	if cfg.Driver.BacklogWarnSamples < 0 {
		errs = append(errs, fmt.Errorf("driver.backlog_warn_samples %d must not be negative", cfg.Driver.BacklogWarnSamples))
	}

	// Transcribers
	errs = append(errs, validateEntry("transcriber", cfg.Transcriber)...)
	seen := map[string]string{cfg.Transcriber.Name: "transcriber"}
	for i, fb := range cfg.Fallbacks {
		prefix := fmt.Sprintf("fallbacks[%d]", i)
		errs = append(errs, validateEntry(prefix, fb)...)
		if prev, ok := seen[fb.Name]; ok && fb.Name != "" {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
	} else {
		validateProviderName(prefix, e.Name)
	}
	if e.Quality != "" {
		if _, err := modelcache.ParseQuality(e.Quality); err != nil {
			errs = append(errs, fmt.Errorf("%s.quality: %w", prefix, err))
		}
	}
	if e.Threads < 0 {
		errs = append(errs, fmt.Errorf("%s.threads %d must not be negative", prefix, e.Threads))
	}
	if e.Name == "whisper-server" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url is required for whisper-server", prefix))
	}
	return errs
}

// validateProviderName logs a warning if name is not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
