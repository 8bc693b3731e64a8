// Package sse implements an incremental Server-Sent-Events parser for
// streams where each event carries one JSON payload in its data field.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// doneSentinel terminates a stream cleanly.
const doneSentinel = "[DONE]"

// ErrIdleTimeout is returned when no event arrives within the idle window.
var ErrIdleTimeout = errors.New("sse stream idle timeout")

// ErrStop can be returned by an event handler to end the stream without
// surfacing an error to the caller.
var ErrStop = errors.New("sse stream stopped by consumer")

// Parser accumulates wire bytes and emits complete event payloads.
// Chunk boundaries may fall anywhere, including mid-line.
type Parser struct {
	buf  bytes.Buffer
	data []byte
	done bool
}

// Feed appends a chunk and returns the data payloads of any events
// completed by it. The second return is true once the [DONE] sentinel
// has been seen; no payloads are emitted past that point.
func (p *Parser) Feed(chunk []byte) ([][]byte, bool) {
	if p.done {
		return nil, true
	}
	p.buf.Write(chunk)

	var events [][]byte
	for {
		raw := p.buf.Bytes()
		nl := bytes.IndexByte(raw, '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimSuffix(raw[:nl], []byte("\r"))
		p.consumeLine(line, &events)
		p.buf.Next(nl + 1)
		if p.done {
			return events, true
		}
	}
	return events, false
}

// consumeLine applies one complete line to the parser state.
func (p *Parser) consumeLine(line []byte, events *[][]byte) {
	if len(line) == 0 {
		// Blank line dispatches the accumulated event, if any.
		if p.data != nil {
			if string(p.data) == doneSentinel {
				p.done = true
				p.data = nil
				return
			}
			*events = append(*events, p.data)
			p.data = nil
		}
		return
	}
	if line[0] == ':' {
		// Comment line, ignored.
		return
	}
	value, ok := fieldValue(line, "data")
	if !ok {
		// event:, id:, retry: and unknown fields are tolerated.
		return
	}
	if p.data == nil {
		p.data = append([]byte(nil), value...)
		return
	}
	// Multiple data lines in one event join with a newline.
	p.data = append(p.data, '\n')
	p.data = append(p.data, value...)
}

// fieldValue extracts the value of a "name: value" line, stripping at
// most one leading space after the colon.
func fieldValue(line []byte, name string) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte(name)) {
		return nil, false
	}
	rest := line[len(name):]
	if len(rest) == 0 || rest[0] != ':' {
		return nil, false
	}
	rest = rest[1:]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return rest, true
}

// ScanConfig controls Scan.
type ScanConfig struct {
	// IdleTimeout bounds the gap between events. Zero disables it.
	IdleTimeout time.Duration
	// OnEvent receives each valid JSON payload. Returning ErrStop ends
	// the stream cleanly; any other error aborts it.
	OnEvent func(data json.RawMessage) error
	// OnError receives per-event JSON validation failures. The stream
	// continues after the callback.
	OnError func(err error)
}

// Scan drives a Parser over r until the stream ends: [DONE], EOF,
// handler stop, context cancellation, or idle timeout. The caller
// retains ownership of r and must close it; closing r is also how a
// blocked read is released after Scan returns on timeout or cancel.
func Scan(ctx context.Context, r io.Reader, cfg ScanConfig) error {
	// The derived context releases the reader goroutine when Scan
	// returns for any reason.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		buf := make([]byte, 16*1024)
		for {
			n, err := r.Read(buf)
			var c chunk
			if n > 0 {
				c.data = append([]byte(nil), buf[:n]...)
			}
			c.err = err
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var p Parser
	var idle *time.Timer
	var idleCh <-chan time.Time
	if cfg.IdleTimeout > 0 {
		idle = time.NewTimer(cfg.IdleTimeout)
		defer idle.Stop()
		idleCh = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idleCh:
			return ErrIdleTimeout
		case c, ok := <-chunks:
			if !ok {
				return ctx.Err()
			}
			events, done := p.Feed(c.data)
			for _, ev := range events {
				if !json.Valid(ev) {
					if cfg.OnError != nil {
						cfg.OnError(fmt.Errorf("invalid JSON in event: %.80s", ev))
					}
					continue
				}
				if idle != nil {
					if !idle.Stop() {
						<-idle.C
					}
					idle.Reset(cfg.IdleTimeout)
				}
				if cfg.OnEvent != nil {
					if err := cfg.OnEvent(ev); err != nil {
						if errors.Is(err, ErrStop) {
							return nil
						}
						return err
					}
				}
			}
			if done {
				return nil
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("read stream: %w", c.err)
			}
		}
	}
}
