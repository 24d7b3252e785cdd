// Package retry provides the bounded retry policy shared by file access,
// upload, and deletion.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Delay is the wait between attempts.
	Delay time.Duration
	// Backoff doubles the delay after each failure, capped at MaxDelay.
	Backoff  bool
	MaxDelay time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// WithClock returns a copy of p that waits on c.
func (p Policy) WithClock(c clock.Clock) Policy {
	p.Clock = c
	return p
}

// NotifyFunc is called after every failed attempt, including the last.
type NotifyFunc func(err error, attempt int)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ErrExhausted is wrapped into the error returned when every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. fn receives the 1-based attempt number.
//
// On exhaustion the returned error wraps both ErrExhausted and the last
// error returned by fn.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error, notify NotifyFunc) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		delay = time.Nanosecond
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var (
		lastErr error
		attempt int
	)
	args := jujuretry.CallArgs{
		Func: func() error {
			attempt++
			return fn(attempt)
		},
		IsFatalError: IsPermanent,
		NotifyFunc: func(err error, n int) {
			lastErr = err
			if notify != nil {
				notify(err, n)
			}
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	}
	if p.Backoff {
		args.BackoffFunc = jujuretry.DoubleDelay
		args.MaxDelay = p.MaxDelay
	}

	err := jujuretry.Call(args)
	switch {
	case err == nil:
		return nil
	case jujuretry.IsAttemptsExceeded(err):
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	case jujuretry.IsRetryStopped(err):
		if lastErr != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		}
		return ctx.Err()
	default:
		// Permanent errors come back traced; hand back the original.
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		return err
	}
}
