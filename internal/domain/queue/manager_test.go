package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sleepExec(d time.Duration, payload string) ExecFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		select {
		case <-time.After(d):
			return json.RawMessage(payload), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ---------------------------------------------------------------------------
// FIFO ordering
// ---------------------------------------------------------------------------

func TestEnqueue_FIFOWithinConnector(t *testing.T) {
	m := NewManager(Options{MaxInflight: 1, MaxQueueDepth: 3, Timeout: 5 * time.Second})
	defer m.Close()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	var waitB int64

	run := func(name string, d time.Duration) {
		defer wg.Done()
		res, err := m.Enqueue(context.Background(), "c1", func(ctx context.Context) (json.RawMessage, error) {
			time.Sleep(d)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		})
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
		}
		if name == "B" {
			mu.Lock()
			waitB = res.QueueWaitMS
			mu.Unlock()
		}
	}

	wg.Add(3)
	go run("A", 50*time.Millisecond)
	time.Sleep(10 * time.Millisecond) // A must be picked first
	go run("B", 0)
	time.Sleep(5 * time.Millisecond)
	go run("C", 0)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Errorf("expected completion order A,B,C, got %v", order)
	}
	if waitB < 30 {
		t.Errorf("expected B.queue_wait_ms >= ~50 (behind A), got %d", waitB)
	}
}

// ---------------------------------------------------------------------------
// Overflow
// ---------------------------------------------------------------------------

func TestEnqueue_QueueFull(t *testing.T) {
	m := NewManager(Options{MaxInflight: 1, MaxQueueDepth: 3, Timeout: 5 * time.Second})
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Enqueue(context.Background(), "c1", sleepExec(200*time.Millisecond, `{}`))
		}()
	}
	// Let the 4 occupants land (1 inflight + 3 waiting).
	time.Sleep(50 * time.Millisecond)

	_, err := m.Enqueue(context.Background(), "c1", sleepExec(0, `{}`))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull for 5th request, got %v", err)
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Timeouts
// ---------------------------------------------------------------------------

func TestEnqueue_ExecTimeout(t *testing.T) {
	m := NewManager(Options{MaxInflight: 1, MaxQueueDepth: 3, Timeout: 100 * time.Millisecond})
	defer m.Close()

	start := time.Now()
	_, err := m.Enqueue(context.Background(), "c1", sleepExec(500*time.Millisecond, `{}`))
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("timeout did not cut execution short, took %v", elapsed)
	}
}

func TestEnqueue_ExpiredAtPickRejectedWithoutExec(t *testing.T) {
	m := NewManager(Options{MaxInflight: 1, MaxQueueDepth: 3, Timeout: 50 * time.Millisecond})
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Occupies the single inflight slot past the second request's deadline.
		_, _ = m.Enqueue(context.Background(), "c1", func(ctx context.Context) (json.RawMessage, error) {
			time.Sleep(150 * time.Millisecond)
			return nil, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	executed := false
	_, err := m.Enqueue(context.Background(), "c1", func(ctx context.Context) (json.RawMessage, error) {
		executed = true
		return nil, nil
	})
	wg.Wait()

	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	if executed {
		t.Error("exec must not run for a waiter whose deadline elapsed before pick")
	}
}

// ---------------------------------------------------------------------------
// Isolation and budget accounting
// ---------------------------------------------------------------------------

func TestEnqueue_ConnectorsAreIndependent(t *testing.T) {
	m := NewManager(Options{MaxInflight: 1, MaxQueueDepth: 1, Timeout: 5 * time.Second})
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Enqueue(context.Background(), "slow", sleepExec(300*time.Millisecond, `{}`))
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	res, err := m.Enqueue(context.Background(), "fast", sleepExec(0, `"ok"`))
	wg.Wait()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("congestion on one connector delayed another: %v", elapsed)
	}
	if string(res.Payload) != `"ok"` {
		t.Errorf("unexpected payload: %s", res.Payload)
	}
}

func TestEnqueue_BudgetSplit(t *testing.T) {
	m := NewManager(Options{MaxInflight: 1, MaxQueueDepth: 3, Timeout: time.Second})
	defer m.Close()

	res, err := m.Enqueue(context.Background(), "c1", sleepExec(50*time.Millisecond, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.UpstreamLatencyMS < 40 {
		t.Errorf("expected upstream latency >= ~50ms, got %d", res.UpstreamLatencyMS)
	}
	// Allow scheduler slack.
	if res.QueueWaitMS+res.UpstreamLatencyMS > 1000+100 {
		t.Errorf("wait+latency %d exceeds budget", res.QueueWaitMS+res.UpstreamLatencyMS)
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestClose_AbortsWaitingAndInflight(t *testing.T) {
	m := NewManager(Options{MaxInflight: 1, MaxQueueDepth: 3, Timeout: 5 * time.Second})

	started := make(chan struct{})
	results := make(chan error, 2)

	go func() {
		_, err := m.Enqueue(context.Background(), "c1", func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		results <- err
	}()
	<-started
	go func() {
		_, err := m.Enqueue(context.Background(), "c1", sleepExec(0, `{}`))
		results <- err
	}()
	time.Sleep(20 * time.Millisecond)

	m.Close()

	for i := 0; i < 2; i++ {
		if err := <-results; !errors.Is(err, ErrShutdown) {
			t.Errorf("expected ErrShutdown, got %v", err)
		}
	}

	if _, err := m.Enqueue(context.Background(), "c1", sleepExec(0, `{}`)); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown after close, got %v", err)
	}
}

func TestRemove_AbortsConnectorOnly(t *testing.T) {
	m := NewManager(Options{MaxInflight: 1, MaxQueueDepth: 3, Timeout: 5 * time.Second})
	defer m.Close()

	errs := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		_, err := m.Enqueue(context.Background(), "dying", func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errs <- err
	}()
	<-started

	m.Remove("dying")
	if err := <-errs; !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown from removed connector, got %v", err)
	}

	if _, err := m.Enqueue(context.Background(), "alive", sleepExec(0, `{}`)); err != nil {
		t.Errorf("other connector should keep working, got %v", err)
	}
}
