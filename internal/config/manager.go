package config

import (
	"sync"
	"time"
)

// DefaultTTL is how long a loaded config stays cached.
const DefaultTTL = 5 * time.Second

// LoadFunc produces a fresh config from disk.
type LoadFunc func() (*Config, error)

// Manager caches the loaded config with a TTL. Concurrent callers
// during a cold window share one in-flight load; only a single disk
// read happens no matter how many goroutines ask.
type Manager struct {
	load LoadFunc
	ttl  time.Duration

	mu       sync.Mutex
	cached   *Config
	loadedAt time.Time
	inflight *loadCall
}

type loadCall struct {
	done chan struct{}
	cfg  *Config
	err  error
}

// NewManager creates a Manager around a load function. ttl <= 0 uses
// DefaultTTL.
func NewManager(load LoadFunc, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{load: load, ttl: ttl}
}

// Get returns the cached config, loading it when the cache is cold or
// expired. All waiters of one cold load observe the same object.
func (m *Manager) Get() (*Config, error) {
	m.mu.Lock()
	if m.cached != nil && time.Since(m.loadedAt) < m.ttl {
		cfg := m.cached
		m.mu.Unlock()
		return cfg, nil
	}
	if m.inflight != nil {
		call := m.inflight
		m.mu.Unlock()
		<-call.done
		return call.cfg, call.err
	}
	call := &loadCall{done: make(chan struct{})}
	m.inflight = call
	m.mu.Unlock()

	call.cfg, call.err = m.load()

	m.mu.Lock()
	m.inflight = nil
	if call.err == nil {
		m.cached = call.cfg
		m.loadedAt = time.Now()
	}
	m.mu.Unlock()

	close(call.done)
	return call.cfg, call.err
}

// Invalidate discards the cached config; the next Get hits disk.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.loadedAt = time.Time{}
	m.mu.Unlock()
}

// Diff describes how the target set changed between two configs.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether nothing changed.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffTargets compares the target sets of two configs by id and
// per-target hash.
func DiffTargets(old, next *Config) (*Diff, error) {
	oldHashes := make(map[string]uint64, len(old.Targets))
	for i := range old.Targets {
		h, err := TargetHash(&old.Targets[i])
		if err != nil {
			return nil, err
		}
		oldHashes[old.Targets[i].ID] = h
	}

	var d Diff
	seen := make(map[string]bool, len(next.Targets))
	for i := range next.Targets {
		t := &next.Targets[i]
		seen[t.ID] = true
		h, err := TargetHash(t)
		if err != nil {
			return nil, err
		}
		prev, existed := oldHashes[t.ID]
		switch {
		case !existed:
			d.Added = append(d.Added, t.ID)
		case prev != h:
			d.Changed = append(d.Changed, t.ID)
		}
	}
	for i := range old.Targets {
		if !seen[old.Targets[i].ID] {
			d.Removed = append(d.Removed, old.Targets[i].ID)
		}
	}
	return &d, nil
}
