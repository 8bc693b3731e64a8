// Package httprpc implements JSON-RPC 2.0 request/response over HTTP
// POST: one envelope per request, same envelope back.
package httprpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

const (
	// maxResponseBodySize caps upstream response bodies to prevent OOM
	// from a misbehaving backend.
	maxResponseBodySize = 10 * 1024 * 1024

	defaultConnectTimeout = 10 * time.Second
	defaultTimeout        = 30 * time.Second
)

// StatusError reports a non-200 HTTP status from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
}

// Client speaks JSON-RPC over HTTP POST to one endpoint.
type Client struct {
	endpoint   string
	bearer     string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithBearerToken sets the Authorization header value for every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithTimeout sets the overall per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the given JSON-RPC endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   defaultConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends one request and returns the classified response frame.
// The returned raw bytes are the wire response for recording.
func (c *Client) Call(ctx context.Context, method string, params any) (*jsonrpc.Frame, []byte, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	raw, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, raw, id)
}

// CallRaw sends pre-encoded request bytes (the gateway's passthrough
// path). The caller supplies the wire id for correlation checking.
func (c *Client) CallRaw(ctx context.Context, raw []byte, id string) (*jsonrpc.Frame, []byte, error) {
	return c.do(ctx, raw, id)
}

// Notify sends a notification; any response body is discarded.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := c.newRequest(ctx, raw)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
	return nil
}

func (c *Client) do(ctx context.Context, raw []byte, id string) (*jsonrpc.Frame, []byte, error) {
	req, err := c.newRequest(ctx, raw)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("post request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, body, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	frame := jsonrpc.Classify(body)
	if !frame.IsResponse() {
		return nil, body, fmt.Errorf("upstream returned non-response frame")
	}
	if frame.ID != id {
		return nil, body, fmt.Errorf("response id %q does not match request id %q", frame.ID, id)
	}
	return frame, body, nil
}

func (c *Client) newRequest(ctx context.Context, raw []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	return req, nil
}
