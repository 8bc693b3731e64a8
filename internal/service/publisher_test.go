package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/proofscan/proofscan/internal/adapter/outbound/state"
)

func TestStatePublisher_PublishAndCleanup(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{"alpha": {}})
	sup, _ := newSupervisor(t, testConfig("alpha"), ff)

	path := t.TempDir() + "/runtime_state.json"
	fs := state.NewFileStore(path, testLogger())
	pub := NewStatePublisher(fs, sup, nil, "proxy", "info", 50*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pub.Run(ctx)
	}()

	// First snapshot is written before the first tick.
	deadline := time.Now().Add(2 * time.Second)
	var snapshot *state.RuntimeState
	for time.Now().Before(deadline) {
		st, err := fs.Load()
		if err == nil && st != nil {
			snapshot = st
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snapshot == nil {
		t.Fatal("runtime state was never published")
	}
	if snapshot.Proxy.PID != os.Getpid() || snapshot.Proxy.State != state.ProxyRunning {
		t.Errorf("unexpected proxy info %+v", snapshot.Proxy)
	}
	if len(snapshot.Connectors) != 1 || snapshot.Connectors[0].ID != "alpha" {
		t.Errorf("unexpected connectors %+v", snapshot.Connectors)
	}
	if snapshot.Proxy.Heartbeat.IsZero() {
		t.Error("heartbeat not stamped")
	}

	cancel()
	wg.Wait()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("state file must be removed on shutdown, stat err = %v", err)
	}
}
