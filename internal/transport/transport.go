// Package transport issues the outbound HTTP calls made by the client. The
// Caller interface lets callers substitute their own HTTP stack.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 10 << 20 // 10 MB

// ErrResponseTooLarge is returned instead of a truncated body.
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// Request is an outbound call. Method defaults to POST.
type Request struct {
	Method string
	Header http.Header
	Body   []byte
}

// Response is the raw result of a call. Non-2xx statuses are not errors:
// the body is returned as received so the caller can inspect it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Caller performs a single HTTP exchange. Implementations must honour
// cancellation of ctx.
type Caller interface {
	Call(ctx context.Context, url string, req Request) (*Response, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, url string, req Request) (*Response, error)

func (f CallerFunc) Call(ctx context.Context, url string, req Request) (*Response, error) {
	return f(ctx, url, req)
}

// FormRequest builds a form-encoded POST.
func FormRequest(values url.Values) Request {
	return Request{
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
		Body:   []byte(values.Encode()),
	}
}

// HTTPCaller is the default Caller, backed by an *http.Client.
type HTTPCaller struct {
	client *http.Client
	limit  int64
}

// NewHTTPCaller creates a caller using client, or http.DefaultClient when
// client is nil.
func NewHTTPCaller(client *http.Client) *HTTPCaller {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCaller{client: client, limit: maxResponseBytes}
}

func (c *HTTPCaller) Call(ctx context.Context, target string, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, redact(target), err)
	}
	defer resp.Body.Close()

	// one byte past the limit tells a full body from an oversized one
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(body)) > c.limit {
		return nil, fmt.Errorf("%s %s: %w (%d bytes)", method, redact(target), ErrResponseTooLarge, c.limit)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// redact drops the query string, which carries request identifiers.
func redact(target string) string {
	base, _, _ := strings.Cut(target, "?")
	return base
}
