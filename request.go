package resilient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// A Request describes what to send; where to send it is passed separately.
//
// The body is held in memory so that every attempt sends all of it. There's a
// special case in net/http whereby a request which fails part way through
// one attempt will only send what's left of its Body when retried; building a
// fresh *http.Request per attempt from these bytes sidesteps that.
type Request struct {
	Method string
	Header http.Header
	Body   []byte
}

// NewRequest reads body into memory and returns a Request for it. A nil body
// is fine.
//
// Large uploads will sit in memory until the call returns and the Request is
// garbage collected.
func NewRequest(method string, body io.Reader) (*Request, error) {
	req := &Request{Method: method, Header: make(http.Header)}

	if body == nil {
		return req, nil
	}

	buf := new(bytes.Buffer)

	_, err := io.Copy(buf, body)
	if err != nil {
		return nil, err
	}

	req.Body = buf.Bytes()

	return req, nil
}

func (r *Request) method() string {
	if r == nil || r.Method == "" {
		return http.MethodGet
	}

	return strings.ToUpper(r.Method)
}

// withCorrelation returns a copy of r carrying tok, without overwriting any
// correlation headers the caller already set
func (r *Request) withCorrelation(tok Token) *Request {
	out := &Request{Method: r.method(), Header: make(http.Header)}

	if r != nil {
		out.Header = r.Header.Clone()
		if out.Header == nil {
			out.Header = make(http.Header)
		}

		out.Body = r.Body
	}

	if out.Header.Get(HeaderXRequestID) == "" {
		out.Header.Set(HeaderXRequestID, tok.ID)
	}

	if out.Header.Get(HeaderXRequestTimestamp) == "" {
		out.Header.Set(HeaderXRequestTimestamp, strconv.FormatInt(tok.IssuedAtMillis(), 10))
	}

	return out
}

// build makes the *http.Request for a single attempt
func (r *Request) build(ctx context.Context, address string) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method(), address, body)
	if err != nil {
		return nil, err
	}

	req.Header = r.Header.Clone()

	if r.Body != nil {
		bb := r.Body
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bb)), nil
		}
	}

	return req, nil
}

// A Response is what came back from the attempt which succeeded. The body has
// already been read and the connection released.
type Response struct {
	StatusCode int
	// Status is the full status line, eg: "404 Not Found"
	Status string
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusText is Status without its leading code, eg: "Not Found"
func (r *Response) StatusText() string {
	code, text, found := strings.Cut(r.Status, " ")
	if _, err := strconv.Atoi(code); err != nil {
		// Hand-built responses may carry just the text
		return strings.TrimSpace(r.Status)
	}

	if !found {
		return ""
	}

	return strings.TrimSpace(text)
}

func readResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientFailure("failed to read response body", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
