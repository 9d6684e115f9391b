package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/audio/wav"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
	"github.com/gwaggli/gwaggli/pkg/provider/stt/openai"
)

type seenRequest struct {
	auth     string
	model    string
	language string
	wav      *wav.Wave
}

func newTranscriptionServer(t *testing.T, status int, text string, seen *atomic.Pointer[seenRequest]) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		wv, err := wav.DecodeReader(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if seen != nil {
			seen.Store(&seenRequest{
				auth:     r.Header.Get("Authorization"),
				model:    r.FormValue("model"),
				language: r.FormValue("language"),
				wav:      wv,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mono(n int) audio.Buffer {
	return audio.Buffer{Samples: make([]float32, n), SampleRate: 16000, Channels: 1}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestTranscribe_UploadsWAV(t *testing.T) {
	t.Parallel()
	var seen atomic.Pointer[seenRequest]
	srv := newTranscriptionServer(t, http.StatusOK, " guten tag ", &seen)

	p, err := openai.New("sk-test", "", openai.WithBaseURL(srv.URL), openai.WithLanguage("de"), openai.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr, err := p.Transcribe(context.Background(), mono(8000))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "guten tag" || tr.Provider != openai.Name {
		t.Errorf("transcript = %+v", tr)
	}

	req := seen.Load()
	if req == nil {
		t.Fatal("server saw no request")
	}
	if req.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", req.auth)
	}
	if req.model != string(openai.DefaultModel) || req.language != "de" {
		t.Errorf("model/language = %q/%q", req.model, req.language)
	}
	if req.wav.SampleRate != 16000 || len(req.wav.Data) != 16000 {
		t.Errorf("uploaded wav = %d Hz, %d bytes", req.wav.SampleRate, len(req.wav.Data))
	}
}

func TestTranscribe_RejectsWrongFormat(t *testing.T) {
	t.Parallel()
	p, _ := openai.New("sk-test", "", openai.WithBaseURL("http://127.0.0.1:0"))
	_, err := p.Transcribe(context.Background(), audio.Buffer{SampleRate: 16000, Channels: 2})
	if !errors.Is(err, stt.ErrUnsupportedChannels) {
		t.Errorf("err = %v, want ErrUnsupportedChannels", err)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv := newTranscriptionServer(t, http.StatusServiceUnavailable, "", nil)
	p, _ := openai.New("sk-test", "whisper-large", openai.WithBaseURL(srv.URL), openai.WithMaxRetries(0))

	_, err := p.Transcribe(context.Background(), mono(160))
	if err == nil || !strings.Contains(err.Error(), "openai stt") {
		t.Errorf("err = %v, want wrapped API error", err)
	}
}
