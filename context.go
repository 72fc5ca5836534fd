package resilient

import (
	"context"
	"time"
)

// callMetadata is stored as a pointer inside our contexts so that a caller can
// see what happened inside a call once it returns
type callMetadata struct {
	attempts           int
	successfulDuration time.Duration
	requestID          string
}

// callMetadataContextKey is used to key metadata within call contexts
type callMetadataContextKey struct{}

// NewContext returns a context.Context preseeded for Fetch and Retry use,
// with handy things such as metadata keys pre-created
func NewContext() context.Context {
	return WithMetadata(context.Background())
}

// WithMetadata derives a metadata-carrying context from parent
func WithMetadata(parent context.Context) context.Context {
	return context.WithValue(parent, callMetadataContextKey{}, new(callMetadata))
}

func getCallMetadata(ctx context.Context) (*callMetadata, bool) {
	v := ctx.Value(callMetadataContextKey{})

	ptr, ok := v.(*callMetadata)

	return ptr, ok
}

// NumberOfAttemptsFromContext may be used to return the number of attempts the
// last call made with ctx performed, successful or not
func NumberOfAttemptsFromContext(ctx context.Context) (int, bool) {
	md, ok := getCallMetadata(ctx)
	if !ok {
		return 0, false
	}

	return md.attempts, true
}

// SuccessfulRequestDurationFromContext may be used to return the duration of
// the attempt which succeeded, should there have been one
func SuccessfulRequestDurationFromContext(ctx context.Context) (time.Duration, bool) {
	md, ok := getCallMetadata(ctx)
	if !ok {
		return 0, false
	}

	return md.successfulDuration, true
}

// RequestIDFromContext returns the X-Request-ID sent by the last Fetch made
// with ctx
func RequestIDFromContext(ctx context.Context) (string, bool) {
	md, ok := getCallMetadata(ctx)
	if !ok || md.requestID == "" {
		return "", false
	}

	return md.requestID, true
}
