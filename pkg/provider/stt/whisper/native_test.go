package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNative_TranscribeSilence(t *testing.T) {
	n, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("en"), whisper.WithThreads(2))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	buf := audio.Buffer{Samples: make([]float32, 16000), SampleRate: 16000, Channels: 1}
	tr, err := n.Transcribe(context.Background(), buf)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Provider != whisper.NativeName {
		t.Errorf("Provider = %q", tr.Provider)
	}
}

func TestNative_RejectsStereo(t *testing.T) {
	n, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	_, err = n.Transcribe(context.Background(), audio.Buffer{SampleRate: 16000, Channels: 2})
	if !errors.Is(err, stt.ErrUnsupportedChannels) {
		t.Errorf("err = %v, want ErrUnsupportedChannels", err)
	}
}

func TestNative_AfterClose(t *testing.T) {
	n, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	buf := audio.Buffer{Samples: make([]float32, 1600), SampleRate: 16000, Channels: 1}
	if _, err := n.Transcribe(context.Background(), buf); !errors.Is(err, stt.ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}
