package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gwaggli/gwaggli/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "log_level: loud\n", "log_level"},
		{"bad source", "audio:\n  source: radio\n", "audio.source"},
		{"replay without file", "audio:\n  source: replay\n", "replay_file"},
		{"hop exceeds window", "framer:\n  window_samples: 10\n  hop_samples: 11\n", "exceeds"},
		{"negative window", "framer:\n  window_samples: -1\n", "window_samples"},
		{"negative capacity", "bus:\n  capacity: -5\n", "bus.capacity"},
		{"bad quality", "transcriber:\n  name: whisper\n  quality: ultra\n", "quality"},
		{"server without url", "transcriber:\n  name: whisper-server\n", "base_url"},
		{"fallback without name", "fallbacks:\n  - model: x\n", "fallbacks[0].name"},
		{"duplicate fallback", "transcriber:\n  name: fake\nfallbacks:\n  - name: fake\n", "duplicates"},
		{"half tls", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
		{"negative poll", "driver:\n  poll_interval: -1s\n", "poll_interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml), noEnv())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should mention %q, got: %v", tc.want, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
log_level: loud
audio:
  source: radio
framer:
  window_samples: 4
  hop_samples: 8
`
	_, err := config.LoadFromReader(strings.NewReader(yaml), noEnv())
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "audio.source", "hop_samples"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvLogLevel:    "warn",
		config.EnvCacheDir:    "/srv/models",
		config.EnvListenAddr:  "",
		config.EnvOpenAIKey:   "sk-env",
		config.EnvDeepgramKey: "dg-env",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	yaml := `
log_level: debug
server:
  listen_addr: ":9000"
transcriber:
  name: openai
fallbacks:
  - name: openai
    api_key: sk-file
`
	// The duplicate name is rejected, so check ApplyEnv directly too.
	cfg := &config.Config{}
	cfg.LogLevel = config.LogDebug
	cfg.Server.ListenAddr = ":9000"
	cfg.Transcriber.Name = "openai"
	cfg.Fallbacks = []config.ProviderEntry{{Name: "openai", APIKey: "sk-file"}, {Name: "fake"}, {Name: "deepgram"}}
	config.ApplyEnv(cfg, lookup)

	if cfg.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q, want warn", cfg.LogLevel)
	}
	if cfg.CacheDir != "/srv/models" {
		t.Errorf("cache_dir = %q", cfg.CacheDir)
	}
	if cfg.Server.ListenAddr != "" {
		t.Errorf("listen_addr = %q, want empty (set but blank disables the server)", cfg.Server.ListenAddr)
	}
	if cfg.Transcriber.APIKey != "sk-env" {
		t.Errorf("transcriber api key = %q, want sk-env", cfg.Transcriber.APIKey)
	}
	if cfg.Fallbacks[0].APIKey != "sk-file" || cfg.Fallbacks[1].APIKey != "" || cfg.Fallbacks[2].APIKey != "dg-env" {
		t.Errorf("fallbacks = %+v", cfg.Fallbacks)
	}

	if _, err := config.LoadFromReader(strings.NewReader(yaml), config.WithLookup(lookup)); err == nil {
		t.Error("expected duplicate fallback error")
	}
}

func TestDefault_UsesLookup(t *testing.T) {
	t.Parallel()
	cfg, err := config.Default(config.WithLookup(func(k string) (string, bool) {
		if k == config.EnvCacheDir {
			return "/tmp/x", true
		}
		return "", false
	}))
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.CacheDir != "/tmp/x" || cfg.Server.ListenAddr != "" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GWAGGLI_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GWAGGLI_TEST_DOTENV", "")
	os.Unsetenv("GWAGGLI_TEST_DOTENV")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("GWAGGLI_TEST_DOTENV"); got != "from-file" {
		t.Errorf("GWAGGLI_TEST_DOTENV = %q, want from-file", got)
	}
}
