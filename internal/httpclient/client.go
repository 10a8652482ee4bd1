// ABOUTME: Outbound HTTP capability for tool handlers
// ABOUTME: Pooled net/http client with per-call query, headers, JSON body and timeout

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout applies when neither Options nor the client set one.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("http client closed")

// Options customize a single request.
type Options struct {
	Query   map[string]string
	Headers map[string]string
	Timeout time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON decodes the body into out.
func (r *Response) JSON(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// Client is the HTTP capability handlers depend on. Implementations must be
// safe for concurrent use.
type Client interface {
	Get(ctx context.Context, rawURL string, opts Options) (*Response, error)
	// Post sends body as JSON. A nil body sends no content.
	Post(ctx context.Context, rawURL string, body any, opts Options) (*Response, error)
	Close() error
}

// Pooled is the production Client backed by a shared transport.
type Pooled struct {
	client    *http.Client
	userAgent string
	closed    chan struct{}
}

var _ Client = (*Pooled)(nil)

// NewPooled creates a client with a connection-pooling transport.
func NewPooled(timeout time.Duration, userAgent string) *Pooled {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second

	return &Pooled{
		client:    &http.Client{Timeout: timeout, Transport: transport},
		userAgent: userAgent,
		closed:    make(chan struct{}),
	}
}

// Get issues a GET request.
func (p *Pooled) Get(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	return p.do(ctx, http.MethodGet, rawURL, nil, opts)
}

// Post issues a POST request with a JSON body.
func (p *Pooled) Post(ctx context.Context, rawURL string, body any, opts Options) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return p.do(ctx, http.MethodPost, rawURL, reader, opts)
}

// Close releases idle connections. Further calls fail with ErrClosed.
func (p *Pooled) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}
	p.client.CloseIdleConnections()
	return nil
}

func (p *Pooled) do(ctx context.Context, method, rawURL string, body io.Reader, opts Options) (*Response, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}

	target, err := withQuery(rawURL, opts.Query)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func withQuery(rawURL string, query map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if len(query) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
