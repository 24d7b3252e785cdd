// Package upload delivers archive members to a ranked list of endpoints with
// per-endpoint retry and failover.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/autobackup/internal/retry"
)

// ErrAllEndpointsFailed is wrapped into the error of a file that no endpoint accepted.
var ErrAllEndpointsFailed = errors.New("all upload endpoints failed")

// ErrNoEndpoints is returned when the uploader has nothing to try.
var ErrNoEndpoints = errors.New("no upload endpoints configured")

// Endpoint is one upload target.
type Endpoint interface {
	// Name identifies the endpoint in logs and results.
	Name() string
	// Upload sends the file at path and returns an opaque remote reference.
	// Any error, including a non-success response, is retryable.
	Upload(ctx context.Context, path string) (string, error)
}

// Result is the outcome of delivering one file.
type Result struct {
	Path      string        `json:"path"`
	Succeeded bool          `json:"succeeded"`
	Endpoint  string        `json:"endpoint,omitempty"`
	RemoteRef string        `json:"remote_ref,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Observer is told about every attempt. It may be nil.
type Observer interface {
	ObserveUploadAttempt(endpoint string, success bool, duration time.Duration)
}

// Observers fans every attempt out to each non-nil observer in order.
type Observers []Observer

func (o Observers) ObserveUploadAttempt(endpoint string, success bool, duration time.Duration) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveUploadAttempt(endpoint, success, duration)
		}
	}
}

// Options controls retries and timeouts.
type Options struct {
	// MaxServerRetries is the number of attempts per endpoint.
	MaxServerRetries int
	// RetryDelay is the wait between attempts on the same endpoint.
	RetryDelay time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// Uploader walks endpoints in rank order for each file.
type Uploader struct {
	endpoints []Endpoint
	opts      Options
	clock     clock.Clock
	observer  Observer
	logger    zerolog.Logger
}

// NewUploader creates an uploader over endpoints, highest rank first.
func NewUploader(endpoints []Endpoint, opts Options, logger zerolog.Logger) *Uploader {
	if opts.MaxServerRetries < 1 {
		opts.MaxServerRetries = 1
	}
	return &Uploader{
		endpoints: endpoints,
		opts:      opts,
		clock:     clock.WallClock,
		logger:    logger.With().Str("component", "uploader").Logger(),
	}
}

// SetClock replaces the clock used for retry delays.
func (u *Uploader) SetClock(clk clock.Clock) {
	u.clock = clk
}

// SetObserver registers an attempt observer.
func (u *Uploader) SetObserver(o Observer) {
	u.observer = o
}

// Endpoints returns the endpoint names in rank order.
func (u *Uploader) Endpoints() []string {
	names := make([]string, len(u.endpoints))
	for i, ep := range u.endpoints {
		names[i] = ep.Name()
	}
	return names
}

// Upload delivers each path in order. A failed file never stops its siblings.
func (u *Uploader) Upload(ctx context.Context, paths []string) []Result {
	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		results = append(results, u.UploadOne(ctx, path))
	}
	return results
}

// UploadAll reports whether every path was delivered.
func (u *Uploader) UploadAll(ctx context.Context, paths []string) bool {
	return AllSucceeded(u.Upload(ctx, paths))
}

// AllSucceeded reports whether every result succeeded.
func AllSucceeded(results []Result) bool {
	for _, r := range results {
		if !r.Succeeded {
			return false
		}
	}
	return true
}

// UploadOne delivers a single file. Each endpoint gets MaxServerRetries
// attempts; the first success wins. If every endpoint is exhausted the
// result carries the last endpoint's last error wrapped in ErrAllEndpointsFailed.
func (u *Uploader) UploadOne(ctx context.Context, path string) Result {
	start := u.clock.Now()
	result := Result{Path: path}
	logger := u.logger.With().Str("file", path).Logger()

	if len(u.endpoints) == 0 {
		result.Err = ErrNoEndpoints
		return result
	}
	if _, err := os.Stat(path); err != nil {
		result.Err = fmt.Errorf("stat upload file: %w", err)
		logger.Error().Err(err).Msg("upload file unavailable")
		return result
	}

	policy := retry.Fixed(u.opts.MaxServerRetries, u.opts.RetryDelay).WithClock(u.clock)

	var (
		lastErr      error
		lastEndpoint string
	)
	for rank, ep := range u.endpoints {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		epLogger := logger.With().Str("endpoint", ep.Name()).Int("rank", rank+1).Logger()
		epLogger.Info().Msg("attempting upload")

		var ref string
		err := policy.Do(ctx, func(attempt int) error {
			result.Attempts++
			r, err := u.attempt(ctx, ep, path)
			ref = r
			return err
		}, func(err error, attempt int) {
			epLogger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", u.opts.MaxServerRetries).
				Msg("upload attempt failed")
		})
		if err == nil {
			result.Succeeded = true
			result.Endpoint = ep.Name()
			result.RemoteRef = ref
			result.Duration = u.clock.Now().Sub(start)
			epLogger.Info().Str("remote_ref", ref).Int("attempts", result.Attempts).Msg("upload succeeded")
			return result
		}

		lastErr = lastCause(err)
		lastEndpoint = ep.Name()
		epLogger.Warn().Msg("all retry attempts failed for endpoint, trying next")
	}

	result.Duration = u.clock.Now().Sub(start)
	if lastEndpoint == "" {
		result.Err = fmt.Errorf("%w: %w", ErrAllEndpointsFailed, lastErr)
	} else {
		result.Err = fmt.Errorf("%w: %s: %w", ErrAllEndpointsFailed, lastEndpoint, lastErr)
	}
	logger.Error().Err(result.Err).Int("endpoints_tried", len(u.endpoints)).Msg("upload failed to all endpoints")
	return result
}

// attempt runs one bounded upload.
func (u *Uploader) attempt(ctx context.Context, ep Endpoint, path string) (string, error) {
	attemptCtx := ctx
	if u.opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, u.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	ref, err := ep.Upload(attemptCtx, path)
	if u.observer != nil {
		u.observer.ObserveUploadAttempt(ep.Name(), err == nil, time.Since(start))
	}
	return ref, err
}

// lastCause strips the retry wrapper and returns what the endpoint returned.
func lastCause(err error) error {
	if !errors.Is(err, retry.ErrExhausted) {
		return err
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		errs := multi.Unwrap()
		if len(errs) > 0 {
			return errs[len(errs)-1]
		}
	}
	return err
}
