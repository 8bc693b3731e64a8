package jsonrpc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"
)

const (
	// readerInitialBufSize is the initial line buffer for the frame reader.
	readerInitialBufSize = 64 * 1024
	// readerMaxFrameSize caps a single line-delimited frame. Frames beyond
	// this size fail the read with bufio.ErrTooLong.
	readerMaxFrameSize = 10 * 1024 * 1024
)

// Reader reads line-delimited JSON-RPC frames from a stream. Each line is
// one complete JSON document; empty lines are skipped. Reader is not safe
// for concurrent use; a transport owns exactly one reader goroutine.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, readerInitialBufSize), readerMaxFrameSize)
	return &Reader{scanner: sc}
}

// Next returns the raw bytes of the next non-empty line. It returns
// io.EOF when the stream ends cleanly.
func (r *Reader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; copy before handing out.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Writer writes line-delimited JSON-RPC frames to a stream. Writes are
// serialized with a mutex so multiple senders share one stdin pipe.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one frame followed by a newline. The raw bytes must
// not themselves contain a newline.
func (w *Writer) WriteFrame(raw []byte) error {
	if bytes.IndexByte(raw, '\n') >= 0 {
		return fmt.Errorf("frame contains embedded newline")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(raw); err != nil {
		return err
	}
	_, err := w.w.Write([]byte{'\n'})
	return err
}
