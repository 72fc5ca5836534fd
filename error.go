package resilient

import (
	"errors"
	"fmt"
	"time"
)

// Category tags a Failure with the reason it happened, which in turn decides
// whether the Retry Executor may try again
type Category string

const (
	// Invalid means the call was malformed and never reached the network
	Invalid Category = "invalid"
	// NotFound means the remote end answered 404
	NotFound Category = "not_found"
	// Timeout means a single attempt ran past its deadline
	Timeout Category = "timeout"
	// Transient covers network failures and 5xx-shaped responses
	Transient Category = "transient"
	// Fatal is everything else
	Fatal Category = "fatal"
)

// A Failure is the classified error returned by this package. Message is
// returned verbatim by Error, so callers matching on text keep working.
type Failure struct {
	Category   Category
	Message    string
	HTTPStatus int
	Err        error
}

// Error implements the `Error` interface
func (f *Failure) Error() string {
	return f.Message
}

// Unwrap returns the underlying transport error, if any
func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the default retry predicate would retry f
func (f *Failure) Retryable() bool {
	return f.Category == Timeout || f.Category == Transient
}

// NewInvalidFailure is returned when a call is rejected before the network
func NewInvalidFailure(format string, args ...any) *Failure {
	return &Failure{Category: Invalid, Message: fmt.Sprintf(format, args...)}
}

// NewTimeoutFailure is returned by WithTimeout when the deadline wins the race
func NewTimeoutFailure(d time.Duration) *Failure {
	return &Failure{
		Category: Timeout,
		Message:  fmt.Sprintf("Operation timed out after %dms", d.Milliseconds()),
	}
}

// NewTransientFailure wraps a transport error which is worth retrying
func NewTransientFailure(message string, err error) *Failure {
	if err != nil {
		message = message + ": " + err.Error()
	}

	return &Failure{Category: Transient, Message: message, Err: err}
}

// NewStatusFailure builds a Failure for a non-2xx response
func NewStatusFailure(status int, message string) *Failure {
	return &Failure{Category: categoryForStatus(status), Message: message, HTTPStatus: status}
}

// IsCategory reports whether err is, or wraps, a Failure of category c
func IsCategory(err error, c Category) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Category == c
	}

	return false
}

func categoryForStatus(status int) Category {
	switch status {
	case 404:
		return NotFound
	case 408, 429, 500, 502, 503, 504:
		return Transient
	default:
		return Fatal
	}
}
