// ABOUTME: In-memory HTTP client for tests
// ABOUTME: Serves canned responses keyed by URL and records requests

package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Request is a call recorded by Fake.
type Request struct {
	Method string
	URL    string
	Body   any
	Opts   Options
}

// Fake is a Client that returns canned responses.
type Fake struct {
	mu        sync.Mutex
	responses map[string]*Response
	Err       error
	Requests  []Request
	closed    bool
}

var _ Client = (*Fake)(nil)

// NewFake creates an empty Fake. Unknown URLs get a 404.
func NewFake() *Fake {
	return &Fake{responses: make(map[string]*Response)}
}

// Respond registers a JSON response for method and URL (before query encoding).
func (f *Fake) Respond(method, rawURL string, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("httpclient fake: %v", err))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+rawURL] = &Response{StatusCode: status, Header: http.Header{}, Body: data}
}

func (f *Fake) Get(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	return f.do(ctx, http.MethodGet, rawURL, nil, opts)
}

func (f *Fake) Post(ctx context.Context, rawURL string, body any, opts Options) (*Response, error) {
	return f.do(ctx, http.MethodPost, rawURL, body, opts)
}

// Close marks the fake closed.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) do(ctx context.Context, method, rawURL string, body any, opts Options) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.Requests = append(f.Requests, Request{Method: method, URL: rawURL, Body: body, Opts: opts})
	if f.Err != nil {
		return nil, f.Err
	}
	if resp, ok := f.responses[method+" "+rawURL]; ok {
		return resp, nil
	}
	return &Response{StatusCode: http.StatusNotFound, Header: http.Header{}, Body: []byte(`{}`)}, nil
}
