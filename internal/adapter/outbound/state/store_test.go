package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleState() *RuntimeState {
	return &RuntimeState{
		Proxy: ProxyInfo{
			PID: os.Getpid(), Mode: "stdio", State: ProxyRunning,
			StartedAt: time.Now().UTC(), Heartbeat: time.Now().UTC(),
		},
		Connectors: []ConnectorStatus{{ID: "fs", Healthy: true, ToolCount: 4}},
		Clients:    map[string]ClientStatus{"claude": {Name: "claude", Sessions: 1}},
		Logging:    LoggingInfo{Level: "info", MaxLines: 1000},
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "runtime_state.json"), testLogger())
	if err := s.Save(sampleState()); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected state, got nil")
	}
	if got.Proxy.State != ProxyRunning || got.Proxy.PID != os.Getpid() {
		t.Errorf("unexpected proxy info: %+v", got.Proxy)
	}
	if len(got.Connectors) != 1 || got.Connectors[0].ID != "fs" {
		t.Errorf("unexpected connectors: %+v", got.Connectors)
	}
}

func TestLoad_MissingFileReturnsNil(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "runtime_state.json"), testLogger())
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for missing file, got %+v", got)
	}
}

func TestTouch_RefreshesHeartbeat(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "runtime_state.json"), testLogger())
	st := sampleState()
	st.Proxy.Heartbeat = time.Now().UTC().Add(-time.Minute)
	if err := s.Save(st); err != nil {
		t.Fatal(err)
	}

	if err := s.Touch(); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(got.Proxy.Heartbeat) > 10*time.Second {
		t.Errorf("heartbeat not refreshed: %v", got.Proxy.Heartbeat)
	}
}

func TestIsAlive(t *testing.T) {
	alive := func(int) bool { return true }
	dead := func(int) bool { return false }

	st := sampleState()
	if !st.IsAlive(alive, DefaultStaleness) {
		t.Error("running pid + fresh heartbeat must be alive")
	}
	if st.IsAlive(dead, DefaultStaleness) {
		t.Error("dead pid must not be alive")
	}

	st.Proxy.Heartbeat = time.Now().Add(-time.Minute)
	if st.IsAlive(alive, DefaultStaleness) {
		t.Error("stale heartbeat must not be alive even with running pid")
	}
}

func TestSave_AtomicLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "runtime_state.json"), testLogger())
	if err := s.Save(sampleState()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "runtime_state.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file must not survive a successful save")
	}
}
