package main

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gwaggli/gwaggli/internal/config"
	"github.com/gwaggli/gwaggli/internal/modelcache"
	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/audio/portaudio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/deepgram"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/fake"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/openai"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/whisper"
)

// registerBuiltinProviders wires all built-in transcriber and source
// factories into reg. The local whisper backend resolves its model through
// cache, downloading it on first use; ctx bounds that download.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, cache *modelcache.Cache) {
	// ── Transcribers ──────────────────────────────────────────────────────────

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		path, err := resolveModel(ctx, cache, entry)
		if err != nil {
			return nil, err
		}
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		if entry.Threads > 0 {
			opts = append(opts, whisper.WithThreads(entry.Threads))
		}
		return whisper.NewNative(path, opts...)
	})

	reg.RegisterTranscriber("whisper-server", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.NewServer(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Language != "" {
			opts = append(opts, openai.WithLanguage(entry.Language))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTranscriber(deepgram.Name, func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if kws := optStrings(entry.Options, "keywords"); len(kws) > 0 {
			opts = append(opts, deepgram.WithKeywords(kws...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTranscriber(fake.Name, func(config.ProviderEntry) (stt.Transcriber, error) {
		return fake.Transcriber{}, nil
	})

	// ── Sources ───────────────────────────────────────────────────────────────

	reg.RegisterSource(config.SourceDevice, func(cfg config.AudioConfig) (audio.Source, error) {
		return portaudio.New(
			portaudio.WithSampleRate(cfg.SampleRate),
			portaudio.WithFramesPerBuffer(cfg.FramesPerBuffer),
		)
	})

	reg.RegisterSource(config.SourceReplay, func(cfg config.AudioConfig) (audio.Source, error) {
		buf, err := loadAudio(cfg.ReplayFile, true, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		var opts []audio.ReplayOption
		if cfg.ReplayRealtime {
			opts = append(opts, audio.WithRealtime())
		}
		slog.Info("replaying audio file", "path", cfg.ReplayFile, "duration", buf.Duration(), "realtime", cfg.ReplayRealtime)
		return audio.NewReplaySource(buf, cfg.FramesPerBuffer, opts...)
	})

	for _, name := range reg.Transcribers() {
		slog.Debug("registered provider", "kind", "transcriber", "name", name)
	}
}

// resolveModel returns the ggml file for a local whisper entry. Model may be
// a catalogue name or a file path; when empty, Quality picks the model.
func resolveModel(ctx context.Context, cache *modelcache.Cache, entry config.ProviderEntry) (string, error) {
	if m := entry.Model; m != "" {
		if model, err := modelcache.Lookup(m); err == nil {
			return cache.Ensure(ctx, model)
		}
		if _, err := os.Stat(m); err != nil {
			return "", fmt.Errorf("whisper model %q is neither a known model nor a readable file: %w", m, err)
		}
		return m, nil
	}

	q, err := modelcache.ParseQuality(cmp.Or(entry.Quality, config.DefaultQuality))
	if err != nil {
		return "", err
	}
	return cache.Ensure(ctx, q.Model())
}

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	if opts == nil {
		return 0, false
	}
	n, ok := opts[key].(int)
	return n, ok
}

// optStrings extracts a string list from a provider Options map.
func optStrings(opts map[string]any, key string) []string {
	list, _ := opts[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
