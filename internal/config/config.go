// Package config provides the configuration schema, loader, and provider
// registry for gwaggli.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SourceKind selects where live audio comes from.
type SourceKind string

const (
	// SourceDevice captures from the default input device.
	SourceDevice SourceKind = "device"

	// SourceReplay replays a WAV or MP3 file as if it were captured live.
	SourceReplay SourceKind = "replay"
)

// IsValid reports whether s is a recognised source kind.
func (s SourceKind) IsValid() bool {
	return s == SourceDevice || s == SourceReplay
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// CacheDir is the root of the model cache. Defaults to
	// os.UserCacheDir()/gwaggli.
	CacheDir string `yaml:"cache_dir"`

	Server ServerConfig `yaml:"server"`
	Audio  AudioConfig  `yaml:"audio"`
	Bus    BusConfig    `yaml:"bus"`
	Framer FramerConfig `yaml:"framer"`
	Driver DriverConfig `yaml:"driver"`

	// Transcriber is the primary speech-to-text backend.
	Transcriber ProviderEntry `yaml:"transcriber"`

	// Fallbacks are tried in order when the primary transcriber fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedOrigins lists host patterns accepted for cross-origin websocket
	// connections to the transcript feed.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the live audio source.
type AudioConfig struct {
	Source SourceKind `yaml:"source"`

	// SampleRate is the capture rate in Hz. Transcribers require 16000.
	SampleRate int `yaml:"sample_rate"`

	// FramesPerBuffer is the device callback buffer size.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// ReplayFile is the WAV or MP3 file played by the replay source.
	ReplayFile string `yaml:"replay_file"`

	// ReplayRealtime paces the replay source at the file's real duration.
	ReplayRealtime bool `yaml:"replay_realtime"`
}

// BusConfig sizes the audio event bus.
type BusConfig struct {
	// Capacity is the per-subscription queue depth.
	Capacity int `yaml:"capacity"`
}

// FramerConfig sizes the sliding window.
type FramerConfig struct {
	// WindowSamples is the frame length W.
	WindowSamples int `yaml:"window_samples"`

	// HopSamples is the frame advance F. Must not exceed WindowSamples.
	HopSamples int `yaml:"hop_samples"`
}

// DriverConfig tunes the pipeline driver.
type DriverConfig struct {
	// PollInterval bounds the wait between framer polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StopOnError ends the session on the first failed frame.
	StopOnError bool `yaml:"stop_on_error"`

	// BacklogWarnSamples logs a warning when the framer holds more samples
	// than this. Zero disables the warning.
	BacklogWarnSamples int `yaml:"backlog_warn_samples"`
}

// ProviderEntry configures one transcriber backend. The Name field is used
// to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper",
	// "whisper-server", "openai").
	Name string `yaml:"name"`

	// Model selects a specific model within the provider (e.g., "base",
	// "whisper-1"). For the local whisper backend it may also be a path to a
	// ggml model file.
	Model string `yaml:"model"`

	// Quality picks a local model by quality ("low", "medium", "high") when
	// Model is empty.
	Quality string `yaml:"quality"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Language is the spoken language as an ISO 639-1 code.
	Language string `yaml:"language"`

	// Threads limits CPU threads for local inference. Zero lets the backend
	// decide.
	Threads int `yaml:"threads"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}
