// Package retry wraps fallible operations, mostly persistence calls, with
// bounded exponential backoff and jitter. Permanent failures propagate
// immediately without consuming retry budget.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"

	"venture-console/internal/apperr"
)

// Options bounds a retried operation.
type Options struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultOptions matches the store's tolerance for transient hiccups:
// short waits, quick exhaustion.
func DefaultOptions() Options {
	return Options{MaxAttempts: 4, Initial: 50 * time.Millisecond, Max: 2 * time.Second}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do propagates it without further attempts, for
// failures the taxonomy cannot classify but the call site knows are final.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return !apperr.Retryable(err)
}

// Do runs fn up to opts.MaxAttempts times, sleeping with capped exponential
// backoff plus jitter between attempts. Conflict, Validation, NotFound,
// Forbidden and Permanent errors short-circuit. When the budget is exhausted
// the last error is surfaced as Permanent.
func Do(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.Initial <= 0 {
		opts.Initial = DefaultOptions().Initial
	}
	if opts.Max <= 0 {
		opts.Max = DefaultOptions().Max
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if isPermanent(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(opts.Initial, opts.Max, attempt)):
		}
	}
	return apperr.Permanent(lastErr, fmt.Sprintf("%s: retries exhausted after %d attempts", name, opts.MaxAttempts))
}

// Backoff returns the wait before retry number attempt (1-indexed):
// exponential on base, capped at max, with half-plus-jitter to spread
// concurrent retries.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
