// Package a2a implements the outbound Agent-to-Agent client: agent card
// fetching and streaming task execution over Server-Sent Events.
package a2a

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/proofscan/proofscan/internal/transport/sse"
	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultIdleTimeout = 30 * time.Second

	streamPath = "/message/stream"
)

// Client talks to one A2A agent endpoint.
type Client struct {
	baseURL     string
	bearer      string
	idleTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
	nextID      atomic.Int64
}

// Option configures a Client.
type Option func(*options)

type options struct {
	bearer       string
	timeout      time.Duration
	idleTimeout  time.Duration
	allowPrivate bool
	httpClient   *http.Client
	logger       *slog.Logger
}

// WithBearerToken sets the Authorization header for every request.
func WithBearerToken(token string) Option {
	return func(o *options) { o.bearer = token }
}

// WithTimeout sets the overall request deadline for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithIdleTimeout bounds the silence between stream events.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithAllowPrivateHosts disables the private-address guard (tests only).
func WithAllowPrivateHosts() Option {
	return func(o *options) { o.allowPrivate = true }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a client for the agent at baseURL. The URL is screened
// against private and local addresses before any request is made.
func New(baseURL string, opts ...Option) (*Client, error) {
	o := options{
		timeout:     defaultTimeout,
		idleTimeout: defaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.allowPrivate {
		if err := checkURL(baseURL); err != nil {
			return nil, err
		}
	}

	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{
			// No overall timeout: streams stay open until the idle
			// deadline or a terminal event. Non-streaming paths apply
			// o.timeout through the request context.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearer:      o.bearer,
		idleTimeout: o.idleTimeout,
		httpClient:  hc,
		logger:      o.logger,
	}, nil
}

// Stream posts a message to the agent and delivers decoded events until
// the stream terminates. A status event with final=true ends the stream
// immediately; remaining bytes are not delivered.
func (c *Client) Stream(ctx context.Context, msg *Message, onEvent func(*Event) error) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	raw, err := jsonrpc.NewRequest(id, "message/stream", map[string]any{"message": msg})
	if err != nil {
		return fmt.Errorf("encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent returned HTTP %d: %.200s", resp.StatusCode, body)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return fmt.Errorf("agent returned content type %q, want text/event-stream", resp.Header.Get("Content-Type"))
	}

	return sse.Scan(ctx, resp.Body, sse.ScanConfig{
		IdleTimeout: c.idleTimeout,
		OnError: func(err error) {
			c.logger.Warn("skipping malformed stream event", "agent", c.baseURL, "error", err)
		},
		OnEvent: func(data json.RawMessage) error {
			frame := jsonrpc.Classify(data)
			if frame.Err != nil {
				return fmt.Errorf("agent stream error: %w", frame.Err)
			}
			if !frame.IsResponse() {
				c.logger.Warn("ignoring non-response stream frame", "agent", c.baseURL)
				return nil
			}
			ev, err := decodeEvent(frame.Result)
			if err != nil {
				c.logger.Warn("skipping undecodable stream event", "agent", c.baseURL, "error", err)
				return nil
			}
			if err := onEvent(ev); err != nil {
				return err
			}
			if ev.Kind == EventStatus && ev.Final {
				return sse.ErrStop
			}
			return nil
		},
	})
}

// Run streams a message and collects the result into a final task view.
func (c *Client) Run(ctx context.Context, msg *Message) (*Collector, error) {
	var col Collector
	err := c.Stream(ctx, msg, func(ev *Event) error {
		col.Observe(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &col, nil
}
