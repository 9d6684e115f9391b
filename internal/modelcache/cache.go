// Package modelcache downloads whisper.cpp models into a local cache
// directory and hands out their paths.
//
// The cache root holds two directories:
//
//	<root>/models/<file>          complete model files
//	<root>/download/<random-name> partial downloads
//
// A download is written to the staging directory and renamed into models/
// only once complete, so a file under models/ is never partial. The root is
// passed in explicitly; this package never resolves a default location.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gwaggli/gwaggli/internal/observe"
	"github.com/gwaggli/gwaggli/internal/resilience"
)

const (
	modelsDir   = "models"
	downloadDir = "download"

	// progressInterval is the minimum time between progress log lines.
	progressInterval = 5 * time.Second
)

// HTTPError reports a non-success response from the model server.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("modelcache: GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Option configures a [Cache].
type Option func(*Cache)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) Option {
	return func(c *Cache) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		c.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Cache) { c.client = hc }
}

// WithRetry sets the retry policy for downloads.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Cache) { c.retry = cfg }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// Cache is a model cache rooted at a directory. It is safe for concurrent
// use; concurrent Ensure calls for the same model download it once.
type Cache struct {
	root    string
	baseURL string
	client  *http.Client
	retry   resilience.RetryConfig
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// New creates a [Cache] rooted at root.
func New(root string, opts ...Option) (*Cache, error) {
	if root == "" {
		return nil, errors.New("modelcache: root directory must not be empty")
	}
	c := &Cache{
		root:     filepath.Clean(root),
		baseURL:  DefaultBaseURL,
		client:   http.DefaultClient,
		log:      slog.Default(),
		inflight: make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.retry.Name == "" {
		c.retry.Name = "model download"
	}
	return c, nil
}

// Root returns the cache root.
func (c *Cache) Root() string { return c.root }

// Path returns where m is stored, whether or not it has been downloaded.
func (c *Cache) Path(m Model) string {
	return filepath.Join(c.root, modelsDir, m.File)
}

// URL returns the download URL of m.
func (c *Cache) URL(m Model) string { return c.baseURL + m.File }

// Has reports whether m is present in the cache.
func (c *Cache) Has(m Model) bool {
	info, err := os.Stat(c.Path(m))
	return err == nil && info.Mode().IsRegular()
}

// Ensure returns the path of m, downloading it first if it is not cached.
// Failed attempts are retried with exponential backoff; HTTP 4xx responses
// are not retried.
func (c *Cache) Ensure(ctx context.Context, m Model) (string, error) {
	lock := c.lockFor(m.File)
	lock.Lock()
	defer lock.Unlock()

	path := c.Path(m)
	if c.Has(m) {
		c.log.Debug("model already cached", "model", m.Name, "path", path)
		c.metrics.RecordModelDownload(ctx, m.Name, "cached")
		return path, nil
	}

	for _, dir := range []string{filepath.Dir(path), filepath.Join(c.root, downloadDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("modelcache: create %s: %w", dir, err)
		}
	}

	err := resilience.Retry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		err := c.download(ctx, m, path)
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordModelDownload(ctx, m.Name, status)

		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500 {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (c *Cache) lockFor(file string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.inflight[file]
	if !ok {
		l = &sync.Mutex{}
		c.inflight[file] = l
	}
	return l
}

// download fetches m into the staging directory and renames it to dst.
func (c *Cache) download(ctx context.Context, m Model, dst string) error {
	url := c.URL(m)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("modelcache: build request: %w", err)
	}

	c.log.Info("downloading model", "model", m.Name, "url", url)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("modelcache: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Join(c.root, downloadDir), m.File+".*.part")
	if err != nil {
		return fmt.Errorf("modelcache: create staging file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	pw := &progressWriter{log: c.log, model: m.Name, total: resp.ContentLength, last: time.Now()}
	n, err := io.Copy(tmp, io.TeeReader(resp.Body, pw))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("modelcache: download %s: %w", m.Name, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return fmt.Errorf("modelcache: download %s: got %d of %d bytes", m.Name, n, resp.ContentLength)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("modelcache: install %s: %w", m.Name, err)
	}
	c.log.Info("model downloaded", "model", m.Name, "path", dst, "bytes", n)
	return nil
}

// Clear removes every cached and partially downloaded model. The root
// directory itself is kept.
func (c *Cache) Clear() error {
	var errs []error
	for _, dir := range []string{modelsDir, downloadDir} {
		if err := os.RemoveAll(filepath.Join(c.root, dir)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("modelcache: clear: %w", err)
	}
	c.log.Info("model cache cleared", "root", c.root)
	return nil
}

// progressWriter logs download progress at most every progressInterval.
type progressWriter struct {
	log   *slog.Logger
	model string
	total int64
	done  int64
	last  time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if now := time.Now(); now.Sub(p.last) >= progressInterval {
		p.last = now
		attrs := []any{"model", p.model, "bytes", p.done}
		if p.total > 0 {
			attrs = append(attrs, "percent", p.done*100/p.total)
		}
		p.log.Info("download progress", attrs...)
	}
	return len(b), nil
}
