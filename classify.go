package resilient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	// The following errors strings are used to determine whether an http
	// request has failed in an exciting way. The net/http package doesn't
	// use specific error types that we can plug into `errors.Is(err, ..)`,
	// nor does it export these strings.
	redirectErrorString      = regexp.MustCompile("stopped after 10 redirects")
	untrustedCertErrorString = regexp.MustCompile("certificate is not trusted")

	// Fallback heuristics for errors which reach Classify untagged, from
	// callers' own operations rather than our transport
	transientErrorString = regexp.MustCompile(`network|fetch|connection|offline|\b(500|502|503|504)\b`)
	timeoutErrorString   = regexp.MustCompile(`timeout|timed out`)
)

// Classify returns the Category of err. Failures carry their own; anything
// else is tagged here, from its type where the standard library gives us one
// and from its message where it doesn't. A nil error has no category.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Category
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Fatal
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, ErrPinMismatch):
		return Fatal
	}

	var (
		certErr   *tls.CertificateVerificationError
		unknownCA x509.UnknownAuthorityError
		hostErr   x509.HostnameError
	)

	if errors.As(err, &certErr) || errors.As(err, &unknownCA) || errors.As(err, &hostErr) {
		return Fatal
	}

	msg := strings.ToLower(err.Error())
	if redirectErrorString.MatchString(msg) || untrustedCertErrorString.MatchString(msg) {
		return Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}

		return Transient
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Transient
	}

	switch {
	case timeoutErrorString.MatchString(msg):
		return Timeout
	case transientErrorString.MatchString(msg):
		return Transient
	}

	return Fatal
}

// IsRetryable is the default RetryPolicy.ShouldRetry: timeouts and transient
// failures are retried, everything else isn't
func IsRetryable(err error) bool {
	switch Classify(err) {
	case Timeout, Transient:
		return true
	default:
		return false
	}
}

// toFailure tags a raw transport error at the boundary
func toFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	return &Failure{
		Category: Classify(err),
		Message:  "network request failed: " + err.Error(),
		Err:      err,
	}
}

// EnsureOK turns a non-2xx Response into a Failure, using the error body when
// the server sent one. It returns nil for successful responses.
//
// Two body shapes are understood: `{"status": 404, "message": "..."}`, as
// sent by the Notion API, and anything with a top level `message`.
func EnsureOK(resp *Response) error {
	if resp == nil {
		return &Failure{Category: Fatal, Message: "HTTP error: no response"}
	}

	if resp.OK() {
		return nil
	}

	var body map[string]any
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil && body != nil {
		message, hasMessage := messageField(body)

		if status, ok := body["status"].(float64); ok && hasMessage {
			return NewStatusFailure(resp.StatusCode, fmt.Sprintf("Notion API error: %s - %s", strconv.FormatFloat(status, 'f', -1, 64), message))
		}

		if hasMessage {
			return NewStatusFailure(resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, message))
		}
	}

	text := resp.StatusText()
	if text == "" {
		text = "HTTP error"
	}

	return NewStatusFailure(resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, text))
}

// messageField returns body["message"] when it holds something worth showing
func messageField(body map[string]any) (string, bool) {
	switch m := body["message"].(type) {
	case nil:
		return "", false
	case string:
		return m, m != ""
	case bool:
		return "", false
	default:
		return fmt.Sprint(m), true
	}
}
