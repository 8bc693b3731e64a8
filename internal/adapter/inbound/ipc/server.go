// Package ipc provides the proxy's local control socket: line-delimited
// JSON commands (status, reload, stop) over a unix stream socket under
// the config directory.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// SocketName is the socket file created under the config directory.
const SocketName = "proxy.sock"

// SocketPath returns the control socket path for a config directory.
func SocketPath(dir string) string {
	return filepath.Join(dir, SocketName)
}

// command is one inbound control request.
type command struct {
	Cmd string `json:"cmd"`
}

// response is the uniform reply envelope.
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handlers binds control commands to proxy operations. A nil handler
// reports the command as unsupported.
type Handlers struct {
	Status func(ctx context.Context) (any, error)
	Reload func(ctx context.Context) (any, error)
	Stop   func(ctx context.Context) (any, error)
}

// Server accepts control connections on the proxy socket.
type Server struct {
	path     string
	handlers Handlers
	logger   *slog.Logger

	ln     net.Listener
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer creates a control server for the given config directory.
func NewServer(dir string, handlers Handlers, logger *slog.Logger) *Server {
	return &Server{path: SocketPath(dir), handlers: handlers, logger: logger}
}

// Start begins accepting connections. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	s.logger.Info("control socket listening", "path", s.path)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Accept fails with a closed-listener error at shutdown.
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control socket accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn handles one client: a line per command, a line per reply,
// until the client disconnects.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd command
		if err := json.Unmarshal(line, &cmd); err != nil {
			_ = enc.Encode(response{Success: false, Error: "malformed command"})
			continue
		}
		_ = enc.Encode(s.dispatch(ctx, cmd.Cmd))
	}
}

func (s *Server) dispatch(ctx context.Context, cmd string) response {
	var fn func(ctx context.Context) (any, error)
	switch cmd {
	case "status":
		fn = s.handlers.Status
	case "reload":
		fn = s.handlers.Reload
	case "stop":
		fn = s.handlers.Stop
	default:
		return response{Success: false, Error: fmt.Sprintf("unknown command %q", cmd)}
	}
	if fn == nil {
		return response{Success: false, Error: fmt.Sprintf("command %q is not supported", cmd)}
	}

	data, err := fn(ctx)
	if err != nil {
		return response{Success: false, Error: err.Error()}
	}
	return response{Success: true, Data: data}
}

// Close stops accepting, waits for in-flight connections, and removes
// the socket file.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
