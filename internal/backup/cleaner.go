package backup

import (
	"context"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/autobackup/internal/retry"
)

// Cleaner deletes delivered archives and staging trees.
type Cleaner struct {
	initialDelay time.Duration
	policy       retry.Policy
	clock        clock.Clock
	remove       func(path string) error
	logger       zerolog.Logger
}

// NewCleaner creates a cleaner that waits initialDelay before deleting and
// retries each deletion under policy.
func NewCleaner(initialDelay time.Duration, policy retry.Policy, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		initialDelay: initialDelay,
		policy:       policy,
		clock:        clock.WallClock,
		remove:       os.RemoveAll,
		logger:       logger.With().Str("component", "cleaner").Logger(),
	}
}

// SetClock replaces the clock used for the initial delay and retries.
func (c *Cleaner) SetClock(clk clock.Clock) {
	c.clock = clk
	c.policy = c.policy.WithClock(clk)
}

// RemoveAfterUpload deletes each path, file or tree. Missing paths count as
// removed. Paths still failing after retries are returned as cleanup
// warnings and left in place.
func (c *Cleaner) RemoveAfterUpload(ctx context.Context, paths []string) []ItemFailure {
	if len(paths) == 0 {
		return nil
	}

	// Let the OS release handles from the upload or copy that just finished.
	if c.initialDelay > 0 {
		select {
		case <-c.clock.After(c.initialDelay):
		case <-ctx.Done():
			return c.failAll(paths, ctx.Err())
		}
	}

	policy := c.policy
	if policy.Clock == nil {
		policy.Clock = c.clock
	}

	var failures []ItemFailure
	for _, path := range paths {
		err := policy.Do(ctx, func(attempt int) error {
			return c.remove(path)
		}, func(err error, attempt int) {
			c.logger.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("delete attempt failed")
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("could not delete, leaving in place")
			failures = append(failures, ItemFailure{Path: path, Kind: KindCleanupWarning, Err: err})
			continue
		}
		c.logger.Debug().Str("path", path).Msg("deleted")
	}
	return failures
}

func (c *Cleaner) failAll(paths []string, err error) []ItemFailure {
	failures := make([]ItemFailure, len(paths))
	for i, p := range paths {
		failures[i] = ItemFailure{Path: p, Kind: KindCleanupWarning, Err: err}
	}
	return failures
}
