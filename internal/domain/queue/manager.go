// Package queue enforces per-connector admission control: a bounded FIFO
// of pending requests, a small inflight cap, and a single combined
// wait+execute deadline per request. A slow or stuck backend saturates
// only its own queue; other connectors are never delayed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when a connector's queue and inflight slots
	// are all occupied. Retryable by the caller.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueTimeout is returned when the combined wait+execute budget
	// elapses. Retryable by the caller.
	ErrQueueTimeout = errors.New("queue timeout")
	// ErrShutdown is returned for requests aborted by manager shutdown.
	ErrShutdown = errors.New("queue manager shut down")
)

// ExecFunc performs the upstream call for a picked request. The context
// carries the remaining deadline budget and is cancelled on shutdown;
// implementations should return promptly when it fires.
type ExecFunc func(ctx context.Context) (json.RawMessage, error)

// Result carries the upstream payload plus the timing split the gateway
// and proxy report to callers.
type Result struct {
	Payload           json.RawMessage
	QueueWaitMS       int64
	UpstreamLatencyMS int64
}

// Options configures one connector's queue.
type Options struct {
	// MaxInflight is the number of requests executing concurrently.
	MaxInflight int
	// MaxQueueDepth is the number of requests allowed to wait.
	MaxQueueDepth int
	// Timeout is the combined wait+execute budget per request.
	Timeout time.Duration
}

// DefaultOptions are applied where a connector does not override.
var DefaultOptions = Options{
	MaxInflight:   1,
	MaxQueueDepth: 16,
	Timeout:       30 * time.Second,
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultOptions.MaxInflight
	}
	if o.MaxQueueDepth <= 0 {
		o.MaxQueueDepth = DefaultOptions.MaxQueueDepth
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultOptions.Timeout
	}
	return o
}

type outcome struct {
	res Result
	err error
}

type waiter struct {
	enqueuedAt time.Time
	deadline   time.Time
	exec       ExecFunc
	done       chan outcome
	callerCtx  context.Context
}

type connectorQueue struct {
	mu       sync.Mutex
	opts     Options
	waiting  []*waiter
	inflight int
	cancels  map[*waiter]context.CancelFunc
	closed   bool
}

// Manager owns one queue per connector. Queues are created lazily on
// first enqueue and reconfigured on demand at reload boundaries.
type Manager struct {
	mu       sync.Mutex
	queues   map[string]*connectorQueue
	defaults Options
	closed   bool
}

// NewManager creates a Manager with the given default options. Zero
// fields fall back to DefaultOptions.
func NewManager(defaults Options) *Manager {
	return &Manager{
		queues:   make(map[string]*connectorQueue),
		defaults: defaults.withDefaults(),
	}
}

// Configure sets per-connector options, applied to subsequent enqueues.
// Requests already waiting keep the deadline they were stamped with.
func (m *Manager) Configure(connectorID string, opts Options) {
	q := m.queue(connectorID)
	q.mu.Lock()
	q.opts = mergeOptions(opts, m.defaults)
	q.mu.Unlock()
}

// mergeOptions overlays non-zero fields of opts onto base.
func mergeOptions(opts, base Options) Options {
	out := base
	if opts.MaxInflight > 0 {
		out.MaxInflight = opts.MaxInflight
	}
	if opts.MaxQueueDepth > 0 {
		out.MaxQueueDepth = opts.MaxQueueDepth
	}
	if opts.Timeout > 0 {
		out.Timeout = opts.Timeout
	}
	return out
}

// Remove drops a connector's queue, aborting anything still pending.
// Used when a reload disables or replaces a connector.
func (m *Manager) Remove(connectorID string) {
	m.mu.Lock()
	q := m.queues[connectorID]
	delete(m.queues, connectorID)
	m.mu.Unlock()
	if q != nil {
		q.abort()
	}
}

// Drain waits until a connector's queue is empty and nothing is inflight,
// or the context expires. New enqueues may still arrive during the wait;
// callers stop routing to the connector before draining.
func (m *Manager) Drain(ctx context.Context, connectorID string) error {
	q := m.queue(connectorID)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		q.mu.Lock()
		idle := len(q.waiting) == 0 && q.inflight == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Depth returns the current (waiting, inflight) counts for a connector.
func (m *Manager) Depth(connectorID string) (waiting, inflight int) {
	q := m.queue(connectorID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting), q.inflight
}

// Close aborts all waiting and inflight requests across all connectors.
// Each pending request receives a terminal ErrShutdown; inflight exec
// contexts are cancelled so ExecFuncs can return promptly.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queues := make([]*connectorQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()
	for _, q := range queues {
		q.abort()
	}
}

// Enqueue submits a request for a connector and blocks until it finishes,
// times out, is rejected, or is aborted. Strict FIFO within a connector.
//
// The request is stamped with deadline = now + timeout at enqueue time; a
// waiter whose deadline has already elapsed when picked is rejected with
// ErrQueueTimeout without ever invoking exec.
func (m *Manager) Enqueue(ctx context.Context, connectorID string, exec ExecFunc) (Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Result{}, ErrShutdown
	}
	m.mu.Unlock()

	q := m.queue(connectorID)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Result{}, ErrShutdown
	}
	if len(q.waiting)+q.inflight >= q.opts.MaxQueueDepth+q.opts.MaxInflight {
		q.mu.Unlock()
		return Result{}, ErrQueueFull
	}
	now := time.Now()
	w := &waiter{
		enqueuedAt: now,
		deadline:   now.Add(q.opts.Timeout),
		exec:       exec,
		done:       make(chan outcome, 1),
		callerCtx:  ctx,
	}
	q.waiting = append(q.waiting, w)
	q.mu.Unlock()

	q.pump()

	select {
	case out := <-w.done:
		return out.res, out.err
	case <-ctx.Done():
		// The waiter stays queued; the pump discards it at pick time via
		// callerCtx. The caller stops waiting now.
		return Result{}, ctx.Err()
	}
}

// queue returns (creating if needed) the queue for a connector.
func (m *Manager) queue(connectorID string) *connectorQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[connectorID]
	if !ok {
		q = &connectorQueue{
			opts:    m.defaults,
			cancels: make(map[*waiter]context.CancelFunc),
		}
		m.queues[connectorID] = q
	}
	return q
}

// pump starts execution for queued waiters while inflight capacity
// remains. Runs opportunistically after every enqueue and completion.
func (q *connectorQueue) pump() {
	for {
		q.mu.Lock()
		if q.closed || q.inflight >= q.opts.MaxInflight || len(q.waiting) == 0 {
			q.mu.Unlock()
			return
		}
		w := q.waiting[0]
		q.waiting = q.waiting[1:]

		// Caller gave up while the request was waiting; skip silently,
		// nobody is listening on done.
		if w.callerCtx.Err() != nil {
			q.mu.Unlock()
			continue
		}

		pickedAt := time.Now()
		if !pickedAt.Before(w.deadline) {
			q.mu.Unlock()
			w.done <- outcome{
				res: Result{QueueWaitMS: pickedAt.Sub(w.enqueuedAt).Milliseconds()},
				err: ErrQueueTimeout,
			}
			continue
		}

		q.inflight++
		execCtx, cancel := context.WithDeadline(context.Background(), w.deadline)
		q.cancels[w] = cancel
		q.mu.Unlock()

		go q.run(w, execCtx, cancel, pickedAt)
	}
}

// run executes a picked waiter and re-pumps on completion.
func (q *connectorQueue) run(w *waiter, ctx context.Context, cancel context.CancelFunc, pickedAt time.Time) {
	payload, err := w.exec(ctx)
	finishedAt := time.Now()
	cancel()

	q.mu.Lock()
	q.inflight--
	closed := q.closed
	delete(q.cancels, w)
	q.mu.Unlock()

	res := Result{
		Payload:           payload,
		QueueWaitMS:       pickedAt.Sub(w.enqueuedAt).Milliseconds(),
		UpstreamLatencyMS: finishedAt.Sub(pickedAt).Milliseconds(),
	}
	switch {
	case closed && err != nil:
		w.done <- outcome{err: ErrShutdown}
	case errors.Is(err, context.DeadlineExceeded) || (err != nil && ctx.Err() == context.DeadlineExceeded):
		w.done <- outcome{res: Result{QueueWaitMS: res.QueueWaitMS}, err: ErrQueueTimeout}
	case err != nil:
		w.done <- outcome{res: res, err: err}
	default:
		w.done <- outcome{res: res}
	}

	q.pump()
}

// abort rejects all waiting requests and cancels inflight contexts.
func (q *connectorQueue) abort() {
	q.mu.Lock()
	q.closed = true
	waiting := q.waiting
	q.waiting = nil
	cancels := make([]context.CancelFunc, 0, len(q.cancels))
	for _, c := range q.cancels {
		cancels = append(cancels, c)
	}
	q.mu.Unlock()

	for _, w := range waiting {
		w.done <- outcome{err: ErrShutdown}
	}
	for _, cancel := range cancels {
		cancel()
	}
}
