// Package stdio implements the JSON-RPC transport over a child process:
// line-delimited frames on stdin/stdout, a pending-request table keyed by
// wire id, and a supervised process lifecycle.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

// ErrClosed is returned to pending waiters when the transport closes
// underneath them.
var ErrClosed = errors.New("stdio transport closed")

// State is the connection lifecycle phase.
type State int

const (
	// StateStarting covers spawn until the first successful frame parse
	// or the startup grace window.
	StateStarting State = iota
	// StateReady accepts calls.
	StateReady
	// StateClosing is entered on explicit close.
	StateClosing
	// StateClosed is terminal after process exit.
	StateClosed
	// StateFailed is terminal: spawn error, abnormal exit during
	// starting, or framing errors beyond tolerance.
	StateFailed
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "failed"
	}
}

const (
	// framingErrorTolerance is the number of unparseable stdout lines
	// allowed while starting before the connection fails.
	framingErrorTolerance = 3

	defaultStartupGrace = 2 * time.Second
	defaultTermGrace    = 5 * time.Second
)

// Config describes the child process. Env must already have secret
// references resolved; this package never sees placeholder syntax.
type Config struct {
	Command string
	Args    []string
	Env     []string
	Cwd     string

	// StartupGrace promotes starting->ready even before the first frame.
	StartupGrace time.Duration
	// TermGrace is the SIGTERM-to-SIGKILL window on close.
	TermGrace time.Duration

	// OnFrame observes every frame in both directions; the recorder
	// hangs off this hook. outgoing=true means proxy-to-child.
	OnFrame func(raw []byte, outgoing bool)
	// OnNotification receives child-originated frames that correlate to
	// no pending call (notifications and server-side requests).
	OnNotification func(frame *jsonrpc.Frame)
	// OnStderr receives each stderr line from the child.
	OnStderr func(line string)

	Logger *slog.Logger
}

// Conn is one live stdio connection. One writer goroutine serializes
// stdin; one reader goroutine consumes stdout; stderr drains
// independently. Safe for concurrent Call/Notify.
type Conn struct {
	cfg Config

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	state   State
	failErr error
	pending map[string]chan *jsonrpc.Frame

	nextID        atomic.Int64
	framingErrors atomic.Int64

	started bool
	writeCh chan []byte
	// exited closes when the process has been reaped.
	exited chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New creates an unstarted connection.
func New(cfg Config) *Conn {
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = defaultStartupGrace
	}
	if cfg.TermGrace <= 0 {
		cfg.TermGrace = defaultTermGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Conn{
		cfg:     cfg,
		state:   StateStarting,
		pending: make(map[string]chan *jsonrpc.Frame),
		writeCh: make(chan []byte, 16),
		exited:  make(chan struct{}),
	}
}

// Start spawns the child and begins the reader, writer, and stderr
// goroutines. A spawn failure moves the connection to failed.
func (c *Conn) Start(ctx context.Context) error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = c.cfg.Env
	cmd.Dir = c.cfg.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.fail(fmt.Errorf("stdin pipe: %w", err))
		return c.failErr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		c.fail(fmt.Errorf("stdout pipe: %w", err))
		return c.failErr
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		c.fail(fmt.Errorf("stderr pipe: %w", err))
		return c.failErr
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		c.fail(fmt.Errorf("spawn %s: %w", c.cfg.Command, err))
		return c.failErr
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.started = true
	c.mu.Unlock()

	c.wg.Add(3)
	go c.writeLoop(stdin)
	go c.readLoop(stdout)
	go c.drainStderr(stderr)

	// Reap the process exactly once; everything else watches c.exited.
	go func() {
		err := cmd.Wait()
		c.onExit(err)
		close(c.exited)
	}()

	// Startup grace: if no frame has promoted the connection by then,
	// promote it anyway so the first call does not race the child's
	// startup logging.
	grace := time.AfterFunc(c.cfg.StartupGrace, func() { c.promote() })
	go func() {
		<-c.exited
		grace.Stop()
	}()

	return nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal failure cause, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// PID returns the child's pid, or 0 before start.
func (c *Conn) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Call sends a request and blocks until the matching response, the
// context deadline, or transport close. Context cancellation abandons
// the waiter without killing the child.
func (c *Conn) Call(ctx context.Context, method string, params any) (*jsonrpc.Frame, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)

	raw, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan *jsonrpc.Frame, 1)
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(ctx, raw); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return c.send(ctx, raw)
}

// send hands a frame to the writer goroutine.
func (c *Conn) send(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == StateClosed || st == StateFailed || st == StateClosing {
		return ErrClosed
	}

	select {
	case c.writeCh <- raw:
		return nil
	case <-c.exited:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the child: stdin closes first to signal EOF, then
// SIGTERM, then SIGKILL after the grace window. All pending waiters
// fail with ErrClosed. Close is idempotent and waits for process exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.setClosed()
		c.failPending()
		return nil
	}

	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state == StateStarting || c.state == StateReady {
			c.state = StateClosing
		}
		cmd := c.cmd
		stdin := c.stdin
		c.mu.Unlock()

		c.failPending()

		if stdin != nil {
			_ = stdin.Close()
		}

		_ = terminate(cmd.Process)
		select {
		case <-c.exited:
		case <-time.After(c.cfg.TermGrace):
			c.cfg.Logger.Warn("child did not exit after SIGTERM, killing",
				"command", c.cfg.Command, "pid", cmd.Process.Pid)
			_ = kill(cmd.Process)
			<-c.exited
		}
	})

	<-c.exited
	c.wg.Wait()
	return nil
}

// writeLoop is the single stdin writer.
func (c *Conn) writeLoop(stdin io.Writer) {
	defer c.wg.Done()
	w := jsonrpc.NewWriter(stdin)
	for {
		select {
		case raw := <-c.writeCh:
			if err := w.WriteFrame(raw); err != nil {
				c.cfg.Logger.Debug("stdin write failed", "error", err)
				return
			}
			if c.cfg.OnFrame != nil {
				c.cfg.OnFrame(raw, true)
			}
		case <-c.exited:
			return
		}
	}
}

// readLoop consumes stdout frames and routes responses to waiters.
func (c *Conn) readLoop(stdout io.Reader) {
	defer c.wg.Done()
	r := jsonrpc.NewReader(stdout)
	for {
		raw, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.cfg.Logger.Debug("stdout read failed", "error", err)
			}
			return
		}

		frame := jsonrpc.Classify(raw)
		if frame.Kind == jsonrpc.KindUnknown {
			if c.tallyFramingError() {
				return
			}
			// Past starting, garbage lines are surfaced but tolerated.
			if c.cfg.OnStderr != nil {
				c.cfg.OnStderr(string(raw))
			}
			continue
		}

		c.promote()
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(raw, false)
		}

		if frame.IsResponse() {
			if ch := c.takePending(frame.ID); ch != nil {
				ch <- frame
				continue
			}
			c.cfg.Logger.Warn("response with no pending request", "id", frame.ID)
			continue
		}
		if c.cfg.OnNotification != nil {
			c.cfg.OnNotification(frame)
		}
	}
}

// drainStderr surfaces child stderr lines.
func (c *Conn) drainStderr(stderr io.Reader) {
	defer c.wg.Done()
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 16*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if c.cfg.OnStderr != nil {
			c.cfg.OnStderr(line)
		}
	}
}

// promote moves starting->ready.
func (c *Conn) promote() {
	c.mu.Lock()
	if c.state == StateStarting {
		c.state = StateReady
	}
	c.mu.Unlock()
}

// tallyFramingError counts a bad frame; during starting, exceeding the
// tolerance fails the connection. Returns true when the reader should
// stop.
func (c *Conn) tallyFramingError() bool {
	c.mu.Lock()
	starting := c.state == StateStarting
	c.mu.Unlock()
	if !starting {
		return false
	}
	n := c.framingErrors.Add(1)
	if n >= framingErrorTolerance {
		c.fail(fmt.Errorf("protocol framing errors during startup (%d lines)", n))
		return true
	}
	return false
}

// onExit records the terminal state when the process is reaped.
func (c *Conn) onExit(waitErr error) {
	c.mu.Lock()
	prev := c.state
	switch prev {
	case StateStarting:
		c.state = StateFailed
		if waitErr != nil {
			c.failErr = fmt.Errorf("child exited during startup: %w", waitErr)
		} else {
			c.failErr = errors.New("child exited during startup")
		}
	case StateFailed:
		// keep the original cause
	default:
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.failPending()
	if waitErr != nil && prev != StateClosing {
		c.cfg.Logger.Debug("child exited", "command", c.cfg.Command, "error", waitErr)
	}
}

// fail marks the connection failed with a cause.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.state != StateClosed && c.state != StateFailed {
		c.state = StateFailed
		c.failErr = err
	}
	c.mu.Unlock()
	c.failPending()
}

func (c *Conn) setClosed() {
	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateClosed
	}
	c.mu.Unlock()
}

// failPending closes all waiter channels; receivers observe ErrClosed.
func (c *Conn) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *jsonrpc.Frame)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Conn) takePending(id string) chan *jsonrpc.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.pending[id]
	delete(c.pending, id)
	return ch
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
