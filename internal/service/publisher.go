package service

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/proofscan/proofscan/internal/adapter/outbound/state"
	"github.com/proofscan/proofscan/internal/recorder"
)

// StatePublisher periodically serializes the proxy's live topology into
// the runtime state file. Status tooling reads the file and combines the
// pid with heartbeat freshness to decide liveness.
type StatePublisher struct {
	store    *state.FileStore
	sup      *ConnectorSupervisor
	agg      *Aggregator
	logger   *slog.Logger
	mode     string
	logLevel string
	interval time.Duration

	startedAt time.Time
}

// NewStatePublisher creates a publisher. interval defaults to 5s.
func NewStatePublisher(st *state.FileStore, sup *ConnectorSupervisor, agg *Aggregator, mode, logLevel string, interval time.Duration, logger *slog.Logger) *StatePublisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatePublisher{
		store:     st,
		sup:       sup,
		agg:       agg,
		logger:    logger,
		mode:      mode,
		logLevel:  logLevel,
		interval:  interval,
		startedAt: time.Now().UTC(),
	}
}

// Run publishes on a fixed cadence until ctx ends, then writes a final
// STOPPING snapshot and removes the file.
func (p *StatePublisher) Run(ctx context.Context) {
	p.publish(state.ProxyRunning)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.publish(state.ProxyStopping)
			if err := p.store.Remove(); err != nil {
				p.logger.Warn("failed to remove runtime state", "error", err)
			}
			return
		case <-ticker.C:
			p.publish(state.ProxyRunning)
		}
	}
}

// publish writes one snapshot. Failures are logged and skipped; the
// next tick retries.
func (p *StatePublisher) publish(phase state.ProxyState) {
	snapshot := &state.RuntimeState{
		Proxy: state.ProxyInfo{
			PID:       os.Getpid(),
			Mode:      p.mode,
			State:     phase,
			StartedAt: p.startedAt,
			Heartbeat: time.Now().UTC(),
		},
		Clients: make(map[string]state.ClientStatus),
		Logging: state.LoggingInfo{
			Level:         p.logLevel,
			DroppedEvents: recorder.Drops(),
		},
	}

	for _, h := range p.sup.Health() {
		snapshot.Connectors = append(snapshot.Connectors, state.ConnectorStatus{
			ID:        h.ID,
			Healthy:   h.Healthy,
			ToolCount: h.ToolCount,
			Error:     h.Error,
		})
	}
	if p.agg != nil {
		for _, c := range p.agg.Clients() {
			snapshot.Clients[c.Name] = state.ClientStatus{
				Name:      c.Name,
				LastSeen:  c.LastSeen,
				Sessions:  c.Sessions,
				ToolCalls: c.ToolCalls,
			}
		}
	}

	if err := p.store.Save(snapshot); err != nil {
		p.logger.Warn("failed to publish runtime state", "error", err)
	}
}
