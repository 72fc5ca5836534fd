package resilient

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
)

// Operation is a single unit of work submitted to Retry or WithTimeout. The
// context is cancelled once its result is no longer wanted.
type Operation[T any] func(ctx context.Context) (T, error)

// RetryPolicy describes how a single call is retried. It's a plain value;
// build one per call or share a copy, there's no state inside.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// operation runs at most MaxRetries+1 times
	MaxRetries int

	// BaseDelay is the wait before the first retry
	BaseDelay time.Duration

	// BackoffMultiplier grows the delay between consecutive retries
	BackoffMultiplier float64

	// ShouldRetry decides whether a failure is worth another attempt. Nil
	// means IsRetryable.
	ShouldRetry func(error) bool

	// OnRetry, if set, is told about each retry before its wait begins.
	// attempt is the one based number of the attempt which just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy returns the policy Fetch uses when none is given: two
// retries, starting at 500ms and doubling
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         500 * time.Millisecond,
		BackoffMultiplier: 2,
		ShouldRetry:       IsRetryable,
	}
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}

	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}

	if p.ShouldRetry == nil {
		p.ShouldRetry = IsRetryable
	}

	return p
}

// Retry runs op until it succeeds, it fails with an error p.ShouldRetry
// rejects, or it has run p.MaxRetries+1 times. The error returned is always
// the one from the final attempt.
//
// Attempts are strictly sequential. Waits between them end early if ctx is
// cancelled, in which case the context's error is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, op Operation[T]) (T, error) {
	p = p.normalised()

	metadata, ok := getCallMetadata(ctx)
	if !ok {
		// A context not created by NewContext is fine, we just can't report
		// anything back through it
		metadata = new(callMetadata)
	}

	metadata.attempts = 0
	metadata.successfulDuration = 0

	operation := func() (T, error) {
		metadata.attempts++

		start := time.Now()
		res, err := op(ctx)
		if err == nil {
			metadata.successfulDuration = time.Since(start)

			return res, nil
		}

		if !p.ShouldRetry(err) {
			return res, backoff.Permanent(err)
		}

		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(newGeometricBackOff(p.BaseDelay, p.BackoffMultiplier)),
		backoff.WithMaxTries(uint(p.MaxRetries) + 1),
		backoff.WithMaxElapsedTime(0),
	}

	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(metadata.attempts, err, wait)
		}))
	}

	res, err := backoff.Retry(ctx, operation, opts...)

	// backoff only unwraps a PermanentError when it decides to stop because
	// of it; hitting MaxTries on the same attempt returns it still wrapped
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	return res, err
}
