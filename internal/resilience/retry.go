package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultAttempts   = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name labels log messages.
	Name string

	// Attempts is the total number of tries including the first. Default: 5.
	Attempts int

	// Backoff is the delay before the second attempt. It doubles after every
	// failure up to MaxBackoff. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration

	// Sleep waits for d or until ctx is done. Default: a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that [Retry] returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a [Permanent] error, the attempt
// budget is spent or ctx is done. The attempt number (starting at 1) is
// passed to fn. The final error wraps the last failure.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	backoff := cfg.Backoff
	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == cfg.Attempts {
			break
		}

		slog.Warn("operation failed, retrying",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"backoff", backoff,
			"err", err,
		)
		if serr := cfg.Sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", cfg.Name, cfg.Attempts, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
