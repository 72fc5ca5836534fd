package resilient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds each attempt made by Fetch unless told otherwise
const DefaultTimeout = 15 * time.Second

// Doer is the one thing we need from a transport
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// PinningPolicy decides what happens to hosts without certificate pins when
// the client runs in production
type PinningPolicy struct {
	// Enforce makes unpinned hosts fail instead of falling back to the
	// standard transport
	Enforce bool

	// AllowUnpinned lists hosts which may fall back even when Enforce is set
	AllowUnpinned []string
}

// An HttpClient wraps a standard net/http client with deadlines, retries,
// request correlation and, in production, certificate pinning
type HttpClient struct {
	// Client is the standard transport, used outside production and for
	// unpinned hosts
	Client Doer

	// Production switches on the pinned transport and switches off the
	// debug trace
	Production bool

	Pins    *PinRegistry
	Pinning PinningPolicy

	RetryPolicy RetryPolicy
	Timeout     time.Duration

	// Sink receives a MetricsEntry after every call. When nil, non
	// production clients log one debug line per call instead.
	Sink MetricsSink

	// Limiter, if set, is waited on at the start of every attempt, inside
	// that attempt's deadline
	Limiter *rate.Limiter

	Logger zerolog.Logger
}

// New returns an HttpClient with the default retry policy and deadline, and a
// pooled transport from go-cleanhttp
func New() *HttpClient {
	return &HttpClient{
		Client:      cleanhttp.DefaultPooledClient(),
		Pins:        NewPinRegistry(nil),
		RetryPolicy: DefaultRetryPolicy(),
		Timeout:     DefaultTimeout,
		Logger:      zerolog.Nop(),
	}
}

type callOptions struct {
	policy  RetryPolicy
	timeout time.Duration
}

// A CallOption overrides a client default for a single call
type CallOption func(*callOptions)

// WithRetryPolicy replaces the client's RetryPolicy for one call
func WithRetryPolicy(p RetryPolicy) CallOption {
	return func(o *callOptions) {
		o.policy = p
	}
}

// WithDeadline replaces the client's per-attempt Timeout for one call
func WithDeadline(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// Fetch sends req to address, retrying transient failures, and returns the
// response of the first attempt to get one. Any status counts as a response
// here; use EnsureOK, or FetchOK, to treat non-2xx as failure.
//
// Fetch fails early, without touching the network, if address is not an
// absolute URL. A nil req is a bodiless GET.
//
// If ctx was created by NewContext, the attempt count and request id of the
// call can be read from it afterwards. Such a context must not be shared by
// concurrent calls.
//
// On failure the last response received, if any, is returned with the error.
func (h *HttpClient) Fetch(ctx context.Context, address string, req *Request, opts ...CallOption) (*Response, error) {
	return h.do(ctx, address, req, false, opts)
}

// FetchOK is Fetch with EnsureOK run inside every attempt, so 5xx responses
// are retried and other non-2xx fail straight away
func (h *HttpClient) FetchOK(ctx context.Context, address string, req *Request, opts ...CallOption) (*Response, error) {
	return h.do(ctx, address, req, true, opts)
}

// Reachable reports whether address answers a HEAD request at all, whatever
// its status. It makes a single attempt.
func (h *HttpClient) Reachable(ctx context.Context, address string) bool {
	_, err := h.Fetch(ctx, address, &Request{Method: http.MethodHead},
		WithRetryPolicy(RetryPolicy{MaxRetries: 0}))

	return err == nil
}

func (h *HttpClient) do(ctx context.Context, address string, req *Request, ensureOK bool, opts []CallOption) (*Response, error) {
	target, err := validateAddress(address)
	if err != nil {
		return nil, err
	}

	o := callOptions{policy: h.RetryPolicy, timeout: h.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	if o.policy.OnRetry == nil {
		o.policy.OnRetry = h.logRetry(req.method(), address)
	}

	tok := NewToken()
	out := req.withCorrelation(tok)

	md, ok := getCallMetadata(ctx)
	if !ok {
		// Retry counts attempts into the metadata, and so do we
		ctx = WithMetadata(ctx)
		md, _ = getCallMetadata(ctx)
	}

	md.requestID = out.Header.Get(HeaderXRequestID)

	startedAt := time.Now()

	resp, err := WithRetryAndTimeout(ctx, o.policy, o.timeout, func(ctx context.Context) (*Response, error) {
		if h.Limiter != nil {
			if err := h.Limiter.Wait(ctx); err != nil {
				return nil, &Failure{Category: Fatal, Message: "rate limiter: " + err.Error(), Err: err}
			}
		}

		resp, err := h.attempt(ctx, target, address, out)
		if err != nil {
			return nil, err
		}

		if ensureOK {
			if err := EnsureOK(resp); err != nil {
				return resp, err
			}
		}

		return resp, nil
	})

	h.report(MetricsEntry{
		Address:  address,
		Method:   out.Method,
		Status:   statusOf(resp, err),
		Elapsed:  time.Since(startedAt),
		Attempts: md.attempts,
	})

	return resp, err
}

// attempt performs one call over whichever transport applies to target
func (h *HttpClient) attempt(ctx context.Context, target *url.URL, address string, req *Request) (*Response, error) {
	doer, err := h.transportFor(target.Hostname())
	if err != nil {
		return nil, err
	}

	httpReq, err := req.build(ctx, address)
	if err != nil {
		return nil, NewInvalidFailure("Invalid request: %v", err)
	}

	httpResp, err := doer.Do(httpReq)
	if err != nil {
		return nil, toFailure(err)
	}

	return readResponse(httpResp)
}

// transportFor picks the pinned client for host in production, falling back
// to the standard one when host has no pins, or its pins can't be used
func (h *HttpClient) transportFor(host string) (Doer, error) {
	if !h.Production || h.Pins == nil {
		return h.standard(), nil
	}

	l := h.Pins.lookup(host)

	switch {
	case l.err != nil:
		if l.fresh {
			h.Logger.Error().Err(l.err).Str("host", host).Msg("[CertificatePinning] Unusable pins, using standard HTTPS")
		}

		return h.standard(), nil
	case l.pinned:
		return l.client, nil
	case h.Pinning.Enforce && !slices.Contains(h.Pinning.AllowUnpinned, host):
		return nil, &Failure{
			Category: Fatal,
			Message:  "No certificate pin configured for " + host,
		}
	}

	h.Logger.Warn().Str("host", host).Msg("[CertificatePinning] No certificate pin configured, using standard HTTPS")

	return h.standard(), nil
}

func (h *HttpClient) standard() Doer {
	if h.Client == nil {
		return http.DefaultClient
	}

	return h.Client
}

func (h *HttpClient) report(e MetricsEntry) {
	if h.Sink != nil {
		h.Sink(e)

		return
	}

	if !h.Production {
		LogSink(h.Logger)(e)
	}
}

func (h *HttpClient) logRetry(method, address string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		h.Logger.Debug().
			Err(err).
			Str("method", method).
			Str("url", address).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying request")
	}
}

// validateAddress accepts absolute URLs only; url.Parse alone is happy with
// "not-a-valid-url" as a relative path
func validateAddress(address string) (*url.URL, error) {
	if strings.TrimSpace(address) == "" {
		return nil, NewInvalidFailure("Invalid URL: URL is required and must be a non-empty string. Received: %q", address)
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, NewInvalidFailure("Invalid URL format: %s. Error: %v", address, err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, NewInvalidFailure("Invalid URL format: %s. Error: URL must be absolute", address)
	}

	return u, nil
}

func statusOf(resp *Response, err error) int {
	if resp != nil {
		return resp.StatusCode
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.HTTPStatus
	}

	return 0
}
