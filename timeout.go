package resilient

import (
	"context"
	"time"
)

type raceResult[T any] struct {
	value T
	err   error
}

// WithTimeout runs op against a deadline of d; whichever finishes first decides
// the outcome. If the deadline wins, a Timeout Failure is returned and the
// context passed to op is cancelled, so context-aware work stops. Work which
// ignores its context carries on in the background and its result is dropped.
//
// A d of zero or less disables the deadline.
func WithTimeout[T any](ctx context.Context, d time.Duration, op Operation[T]) (T, error) {
	if d <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an orphaned op can always deliver its result and exit
	done := make(chan raceResult[T], 1)

	go func() {
		v, err := op(opCtx)
		done <- raceResult[T]{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return zero, NewTimeoutFailure(d)
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}

// WithRetryAndTimeout retries op under p, bounding every single attempt with
// its own deadline of d. The deadline is not shared between attempts: each
// retry gets the full d again.
func WithRetryAndTimeout[T any](ctx context.Context, p RetryPolicy, d time.Duration, op Operation[T]) (T, error) {
	return Retry(ctx, p, func(ctx context.Context) (T, error) {
		return WithTimeout(ctx, d, op)
	})
}
