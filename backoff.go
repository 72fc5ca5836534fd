package resilient

import (
	"math"
	"time"
)

// Delay returns how long to wait before retry number attempt (zero based), ie:
// base * multiplier^attempt. Attempt 0 is the wait before the second call.
//
// Results which would overflow a time.Duration are clamped to the largest
// representable one.
func Delay(attempt int, base time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(base) * math.Pow(multiplier, float64(attempt))
	if d >= math.MaxInt64 || math.IsInf(d, 1) {
		return time.Duration(math.MaxInt64)
	}

	if d <= 0 || math.IsNaN(d) {
		return 0
	}

	return time.Duration(d)
}

// geometricBackOff feeds Delay into backoff.Retry. It carries no jitter and no
// cap; the retry count bounds it instead.
//
// Like the backoffs in cenkalti/backoff, it isn't thread safe, so create
// one per call.
type geometricBackOff struct {
	base       time.Duration
	multiplier float64
	attempt    int
}

func newGeometricBackOff(base time.Duration, multiplier float64) *geometricBackOff {
	return &geometricBackOff{base: base, multiplier: multiplier}
}

// NextBackOff implements backoff.BackOff
func (b *geometricBackOff) NextBackOff() time.Duration {
	d := Delay(b.attempt, b.base, b.multiplier)
	b.attempt++

	return d
}

// Reset implements backoff.BackOff
func (b *geometricBackOff) Reset() {
	b.attempt = 0
}
