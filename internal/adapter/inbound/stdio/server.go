// Package stdio serves the aggregated MCP surface over stdin/stdout for
// desktop clients.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/proofscan/proofscan/internal/service"
	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

// maxLineBytes caps a single inbound frame (10 MiB).
const maxLineBytes = 10 << 20

// Server pumps line-delimited JSON-RPC between a client stream and the
// aggregator. One reader handles requests; a single writer serializes
// responses and forwarded backend notifications.
type Server struct {
	agg    *service.Aggregator
	logger *slog.Logger

	mu     sync.Mutex
	out    chan []byte
	closed bool
}

// NewServer creates a stdio server over an aggregator.
func NewServer(agg *service.Aggregator, logger *slog.Logger) *Server {
	return &Server{agg: agg, logger: logger}
}

// Start runs the server over the process's stdin and stdout. It blocks
// until the client closes stdin or the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return s.Run(ctx, os.Stdin, os.Stdout)
}

// Run pumps frames between r and w until r is exhausted or ctx ends.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.out = make(chan []byte, 64)
	s.closed = false
	s.mu.Unlock()

	s.agg.SetForward(s.send)
	defer s.agg.SetForward(nil)

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		bw := bufio.NewWriter(w)
		for msg := range s.out {
			if _, err := bw.Write(msg); err != nil {
				s.logger.Error("stdout write failed", "error", err)
				return
			}
			if err := bw.WriteByte('\n'); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var handlerWG sync.WaitGroup
	err := s.readLoop(ctx, r, &handlerWG)

	handlerWG.Wait()
	s.closeOut()
	writerWG.Wait()
	return err
}

// readLoop dispatches inbound lines until EOF or cancellation. Each
// request runs in its own goroutine so a slow backend does not stall
// the stream; JSON-RPC permits out-of-order responses.
func (s *Server) readLoop(ctx context.Context, r io.Reader, wg *sync.WaitGroup) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		frame := jsonrpc.Classify(raw)
		if frame.Kind == jsonrpc.KindUnknown {
			s.answerParseError(raw)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := s.agg.Handle(ctx, raw); resp != nil {
				s.send(resp)
			}
		}()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read client stream: %w", err)
	}
	return nil
}

// answerParseError responds with -32700 when the broken frame still
// carries a usable id; frames with no id are logged and dropped.
func (s *Server) answerParseError(raw []byte) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && len(probe.ID) > 0 && string(probe.ID) != "null" {
		var id string
		if json.Unmarshal(probe.ID, &id) != nil {
			id = string(probe.ID)
		}
		if resp, err := jsonrpc.NewErrorResponse(id, jsonrpc.CodeParseError, "parse error"); err == nil {
			s.send(resp)
			return
		}
	}
	s.logger.Warn("discarding unparseable client frame", "size", len(raw), "preview", preview(raw))
}

// send queues one outbound frame. Safe from any goroutine; frames
// arriving after shutdown are dropped.
func (s *Server) send(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.logger.Warn("outbound frame dropped, writer backlogged", "size", len(msg))
	}
}

func (s *Server) closeOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

func preview(raw []byte) string {
	const n = 120
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
