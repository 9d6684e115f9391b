package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gwaggli/gwaggli/internal/config"
	"github.com/gwaggli/gwaggli/internal/modelcache"
	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/audio/mp3"
	"github.com/gwaggli/gwaggli/pkg/audio/wav"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

func cmdTranscribe(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "transcribe")
	input := fs.String("input", "", "path to the WAV or MP3 file (required)")
	quality := fs.String("quality", config.DefaultQuality, "transcription quality: low, medium or high; higher takes longer")
	provider := fs.String("provider", config.DefaultTranscriber, "transcriber to use: whisper, whisper-server, openai, deepgram or fake")
	model := fs.String("model", "", "model name or file; overrides -quality")
	baseURL := fs.String("base-url", "", "server URL for the whisper-server, openai and deepgram providers")
	language := fs.String("language", "", "spoken language as an ISO 639-1 code")
	convert := fs.Bool("convert", false, "downmix and resample the input to 16 kHz mono")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *input == "" {
		fmt.Fprintln(fs.Output(), "-input is required")
		fs.Usage()
		return errUsage
	}
	if _, err := modelcache.ParseQuality(*quality); err != nil {
		return err
	}

	cache, err := openCache(e)
	if err != nil {
		return err
	}

	slog.Info("transcribing file", "input", *input, "quality", *quality, "provider", *provider)

	buf, err := loadAudio(*input, *convert, stt.SampleRate)
	if err != nil {
		return err
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cache)

	entry := config.ProviderEntry{
		Name:     *provider,
		Model:    *model,
		Quality:  *quality,
		BaseURL:  *baseURL,
		Language: *language,
	}
	// Picks up OPENAI_API_KEY and DEEPGRAM_API_KEY for the hosted providers.
	flags := &config.Config{Transcriber: entry}
	config.ApplyEnv(flags, os.LookupEnv)

	t, err := reg.CreateTranscriber(flags.Transcriber)
	if err != nil {
		return err
	}
	defer closeIfCloser(t)

	began := time.Now()
	tr, err := t.Transcribe(ctx, buf)
	if err != nil {
		return err
	}
	slog.Debug("transcription finished", "audio", buf.Duration(), "took", time.Since(began))

	fmt.Fprintln(e.stdout, strings.TrimSpace(tr.Text))
	return nil
}

// loadAudio decodes a WAV or MP3 file, chosen by extension. With convert
// set the result is downmixed and resampled to mono at rate.
func loadAudio(path string, convert bool, rate int) (audio.Buffer, error) {
	var (
		buf audio.Buffer
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		buf, err = mp3.ReadFile(path)
	default:
		var w *wav.Wave
		if w, err = wav.ReadFile(path); err == nil {
			buf, err = w.Buffer()
		}
	}
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("read %s: %w", path, err)
	}

	if convert {
		c := &audio.FormatConverter{Target: audio.Format{SampleRate: rate, Channels: 1}}
		buf = c.Convert(buf)
	}
	return buf, nil
}

func closeIfCloser(v any) {
	if c, ok := v.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			slog.Warn("close transcriber", "err", err)
		}
	}
}
