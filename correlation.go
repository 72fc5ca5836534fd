package resilient

import (
	"encoding/binary"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// HeaderXRequestID carries the per-call correlation id
	HeaderXRequestID = "X-Request-ID"
	// HeaderXRequestTimestamp carries the time the id was issued, in unix millis
	HeaderXRequestTimestamp = "X-Request-Timestamp"

	// DefaultMaxRequestAge is how long a correlation token stays fresh
	DefaultMaxRequestAge = 5 * time.Minute
)

// A Token identifies one outbound call. It is never reused.
type Token struct {
	ID       string
	IssuedAt time.Time
}

// IssuedAtMillis is IssuedAt as sent in X-Request-Timestamp
func (t Token) IssuedAtMillis() int64 {
	return t.IssuedAt.UnixMilli()
}

// NewToken returns a fresh Token issued now
func NewToken() Token {
	return Token{ID: NewRequestID(), IssuedAt: time.Now()}
}

// fastRandReader feeds uuid from math/rand/v2, which is safe for concurrent
// use and never fails
type fastRandReader struct{}

func (fastRandReader) Read(p []byte) (int, error) {
	var buf [8]byte

	for i := 0; i < len(p); i += len(buf) {
		binary.LittleEndian.PutUint64(buf[:], rand.Uint64())
		copy(p[i:], buf[:])
	}

	return len(p), nil
}

// NewRequestID returns a 36 character, 8-4-4-4-12 hex id.
//
// It comes from a non-cryptographic source: it's for tracing requests, and
// must not be used as a secret.
func NewRequestID() string {
	id, err := uuid.NewRandomFromReader(fastRandReader{})
	if err != nil {
		// fastRandReader can't fail; keep going with a crypto id regardless
		return uuid.NewString()
	}

	return id.String()
}

// ValidateRequest reports whether id and issuedAtMillis describe a fresh
// request: id is set, the timestamp isn't in the future, and it's no older
// than maxAge. A maxAge of zero or less means DefaultMaxRequestAge.
//
// This is a freshness check only. It keeps no record of ids already seen, so
// a captured request can be replayed until it goes stale.
func ValidateRequest(id string, issuedAtMillis int64, maxAge time.Duration) bool {
	return ValidateRequestAt(id, issuedAtMillis, maxAge, time.Now())
}

// ValidateRequestAt is ValidateRequest against a given clock reading
func ValidateRequestAt(id string, issuedAtMillis int64, maxAge time.Duration, now time.Time) bool {
	if id == "" {
		return false
	}

	return ValidateTimestampAt(issuedAtMillis, maxAge, now)
}

// ValidateTimestamp is ValidateRequest without the id
func ValidateTimestamp(issuedAtMillis int64, maxAge time.Duration) bool {
	return ValidateTimestampAt(issuedAtMillis, maxAge, time.Now())
}

// ValidateTimestampAt is ValidateTimestamp against a given clock reading
func ValidateTimestampAt(issuedAtMillis int64, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxRequestAge
	}

	age := now.UnixMilli() - issuedAtMillis
	if age < 0 {
		return false
	}

	return age <= maxAge.Milliseconds()
}

// ValidateHeaders runs ValidateRequestAt over the correlation headers of an
// incoming request. A missing or non-numeric timestamp fails.
func ValidateHeaders(h http.Header, maxAge time.Duration, now time.Time) bool {
	ts, err := strconv.ParseInt(h.Get(HeaderXRequestTimestamp), 10, 64)
	if err != nil {
		return false
	}

	return ValidateRequestAt(h.Get(HeaderXRequestID), ts, maxAge, now)
}

// RequireFreshRequest guards next, answering 400 Bad Request to any request
// whose correlation headers are missing or stale
func RequireFreshRequest(maxAge time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ValidateHeaders(r.Header, maxAge, time.Now()) {
			http.Error(w, `{"status":400,"message":"stale or missing request id"}`, http.StatusBadRequest)

			return
		}

		next.ServeHTTP(w, r)
	})
}
