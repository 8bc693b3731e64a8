// Package state persists the proxy's runtime state snapshot to
// runtime_state.json: live topology, per-client activity, and the
// heartbeat that status tooling uses for liveness.
package state

import "time"

// ProxyState is the proxy's lifecycle phase.
type ProxyState string

const (
	ProxyStarting ProxyState = "STARTING"
	ProxyRunning  ProxyState = "RUNNING"
	ProxyStopping ProxyState = "STOPPING"
)

// RuntimeState is the top-level structure persisted in runtime_state.json.
type RuntimeState struct {
	Proxy      ProxyInfo               `json:"proxy"`
	Connectors []ConnectorStatus       `json:"connectors"`
	Clients    map[string]ClientStatus `json:"clients"`
	Logging    LoggingInfo             `json:"logging"`
}

// ProxyInfo identifies the running proxy process.
type ProxyInfo struct {
	PID       int        `json:"pid"`
	Mode      string     `json:"mode"`
	State     ProxyState `json:"state"`
	StartedAt time.Time  `json:"startedAt"`
	// Heartbeat is refreshed on every successful tick of the publisher
	// cadence; consumers treat a stale heartbeat as a dead proxy even
	// when the pid still exists.
	Heartbeat time.Time `json:"heartbeat"`
}

// ConnectorStatus is one backend's health as seen by the proxy.
type ConnectorStatus struct {
	ID        string `json:"id"`
	Healthy   bool   `json:"healthy"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// ClientStatus tracks one external client's activity.
type ClientStatus struct {
	Name      string    `json:"name"`
	LastSeen  time.Time `json:"lastSeen"`
	Sessions  int       `json:"sessions"`
	ToolCalls int       `json:"toolCalls"`
}

// LoggingInfo reports the proxy's in-memory log buffer and how many
// events the recorder failed to persist.
type LoggingInfo struct {
	Level         string `json:"level"`
	BufferedLines int    `json:"bufferedLines"`
	MaxLines      int    `json:"maxLines"`
	DroppedEvents int64  `json:"droppedEvents"`
}

// DefaultStaleness is the heartbeat window beyond which a proxy is
// considered dead regardless of its pid.
const DefaultStaleness = 30 * time.Second

// IsAlive reports proxy liveness: the pid must be running AND the
// heartbeat must be within the staleness window.
func (r *RuntimeState) IsAlive(pidRunning func(pid int) bool, staleness time.Duration) bool {
	if r.Proxy.PID <= 0 || !pidRunning(r.Proxy.PID) {
		return false
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return time.Since(r.Proxy.Heartbeat) < staleness
}
