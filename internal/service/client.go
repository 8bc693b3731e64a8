// Package service implements the ProofScan core: connector supervision,
// the aggregating proxy, one-shot tool operations, and the agent card
// cache.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/proofscan/proofscan/internal/adapter/outbound/secret"
	"github.com/proofscan/proofscan/internal/domain/target"
	"github.com/proofscan/proofscan/internal/transport/httprpc"
	"github.com/proofscan/proofscan/internal/transport/stdio"
	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

// Client is one live connection to a connector backend.
type Client interface {
	Call(ctx context.Context, method string, params any) (*jsonrpc.Frame, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// FrameHook observes raw frames in both directions; the recorder hangs
// off this. outgoing=true means proxy-to-backend.
type FrameHook func(raw []byte, outgoing bool)

// ClientFactory creates a Client for a target. hook and onNotification
// may be nil.
type ClientFactory func(t *target.Target, hook FrameHook, onNotification func(*jsonrpc.Frame)) (Client, error)

// NewClientFactory returns the default factory: stdio targets spawn a
// subprocess, rpc-http and rpc-sse targets get an HTTP client. Secret
// placeholders in env values and bearer tokens are resolved here, so
// transports never see placeholder syntax.
func NewClientFactory(secrets *secret.Store, logger *slog.Logger) ClientFactory {
	return func(t *target.Target, hook FrameHook, onNotification func(*jsonrpc.Frame)) (Client, error) {
		switch t.Type {
		case target.TransportStdio:
			env, err := resolveEnv(secrets, t.Env)
			if err != nil {
				return nil, fmt.Errorf("connector %q: %w", t.ID, err)
			}
			conn := stdio.New(stdio.Config{
				Command:        t.Command,
				Args:           t.Args,
				Env:            env,
				Cwd:            t.Cwd,
				OnFrame:        hook,
				OnNotification: onNotification,
				Logger:         logger.With("connector", t.ID),
			})
			if err := conn.Start(context.Background()); err != nil {
				return nil, fmt.Errorf("connector %q: %w", t.ID, err)
			}
			return conn, nil

		case target.TransportRPCHTTP, target.TransportRPCSSE:
			bearer, err := resolveBearer(secrets, t.BearerToken)
			if err != nil {
				return nil, fmt.Errorf("connector %q: %w", t.ID, err)
			}
			var opts []httprpc.Option
			if bearer != "" {
				opts = append(opts, httprpc.WithBearerToken(bearer))
			}
			if t.TimeoutMS > 0 {
				opts = append(opts, httprpc.WithTimeout(time.Duration(t.TimeoutMS)*time.Millisecond))
			}
			return &httpClient{
				inner: httprpc.New(t.URL, opts...),
				hook:  hook,
			}, nil
		}
		return nil, fmt.Errorf("connector %q: unsupported transport %q", t.ID, t.Type)
	}
}

// resolveEnv builds the subprocess environment: the parent environment
// with the target's entries overlaid, secret references resolved. The
// subprocess keeps PATH, HOME and the rest of the parent env either
// way; a nil return lets exec inherit directly.
func resolveEnv(secrets *secret.Store, env map[string]string) ([]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := os.Environ()
	index := make(map[string]int, len(out))
	for i, kv := range out {
		if eq := strings.IndexByte(kv, '='); eq > 0 {
			index[kv[:eq]] = i
		}
	}
	for k, v := range env {
		resolved := v
		if secrets != nil {
			r, err := secrets.ResolveString(v)
			if err != nil {
				return nil, err
			}
			resolved = r
		}
		if i, ok := index[k]; ok {
			out[i] = k + "=" + resolved
		} else {
			out = append(out, k+"="+resolved)
		}
	}
	return out, nil
}

func resolveBearer(secrets *secret.Store, token string) (string, error) {
	if token == "" || secrets == nil {
		return token, nil
	}
	return secrets.ResolveString(token)
}

// httpClient adapts the httprpc transport to the Client interface and
// feeds the frame hook with the exact wire bytes.
type httpClient struct {
	inner  *httprpc.Client
	hook   FrameHook
	nextID atomic.Int64
}

func (c *httpClient) Call(ctx context.Context, method string, params any) (*jsonrpc.Frame, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	raw, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if c.hook != nil {
		c.hook(raw, true)
	}
	frame, respRaw, err := c.inner.CallRaw(ctx, raw, id)
	if len(respRaw) > 0 && c.hook != nil {
		c.hook(respRaw, false)
	}
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *httpClient) Notify(ctx context.Context, method string, params any) error {
	raw, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if c.hook != nil {
		c.hook(raw, true)
	}
	return c.inner.Notify(ctx, method, params)
}

func (c *httpClient) Close() error { return nil }

var _ Client = (*httpClient)(nil)
var _ Client = (*stdio.Conn)(nil)
