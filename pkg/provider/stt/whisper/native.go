// This file contains the Native transcriber backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

// NativeName is the provider name reported in transcripts by [Native].
const NativeName = "whisper"

var _ stt.Transcriber = (*Native)(nil)

// NativeOption configures a [Native] transcriber.
type NativeOption func(*Native)

// WithNativeLanguage sets the language code (e.g. "en", "de"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// WithThreads sets the number of inference threads. Zero keeps the
// whisper.cpp default.
func WithThreads(threads int) NativeOption {
	return func(n *Native) { n.threads = threads }
}

// Native runs whisper.cpp in-process. The model is loaded once; every
// Transcribe call creates its own inference context, so calls may run
// concurrently.
type Native struct {
	language string
	threads  int

	mu    sync.RWMutex
	model whisperlib.Model
}

// NewNative loads the ggml model at modelPath. Call Close to release it.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	n := &Native{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Transcribe runs inference over buf and joins the resulting segments.
func (n *Native) Transcribe(ctx context.Context, buf audio.Buffer) (stt.Transcript, error) {
	if err := stt.Validate(buf); err != nil {
		return stt.Transcript{}, err
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.model == nil {
		return stt.Transcript{}, stt.ErrNotInitialized
	}

	// Contexts are not thread-safe; the model is.
	wctx, err := n.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(n.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", n.language, "err", err)
	}
	if n.threads > 0 {
		wctx.SetThreads(uint(n.threads))
	}

	if err := wctx.Process(buf.Samples, nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segs []stt.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		segs = append(segs, stt.Segment{Text: seg.Text, Start: seg.Start, End: seg.End})
	}

	return stt.Transcript{
		Text:     stt.JoinSegments(segs),
		Segments: segs,
		Duration: buf.Duration(),
		Provider: NativeName,
	}, nil
}

// Close releases the model. Transcribe returns [stt.ErrNotInitialized]
// afterwards. Close is idempotent.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.model == nil {
		return nil
	}
	err := n.model.Close()
	n.model = nil
	return err
}
