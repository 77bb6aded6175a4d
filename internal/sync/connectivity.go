package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// Prober checks whether the upstream answers. *Client satisfies it.
type Prober interface {
	Health(ctx context.Context) error
}

// ConnectivityMonitor tracks upstream reachability and fires
// TriggerConnectivity on every offline to online transition
type ConnectivityMonitor struct {
	prober   Prober
	interval time.Duration
	onOnline func()
	logger   *loggy.Logger

	online atomic.Bool
}

// NewConnectivityMonitor creates a monitor. It starts out offline until the
// first probe succeeds.
func NewConnectivityMonitor(prober Prober, interval time.Duration, onOnline func(), logger *loggy.Logger) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		prober:   prober,
		interval: interval,
		onOnline: onOnline,
		logger:   logger,
	}
}

// Online reports the last known state
func (m *ConnectivityMonitor) Online() bool {
	return m.online.Load()
}

// Report records an observation made outside the probe loop, such as a
// transport error on a direct write
func (m *ConnectivityMonitor) Report(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}

	if online {
		m.logger.Info("Upstream reachable")
		if m.onOnline != nil {
			m.onOnline()
		}
		return
	}
	m.logger.Warn("Upstream unreachable, working offline")
}

// Probe runs a single health check and records the result
func (m *ConnectivityMonitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout())
	defer cancel()

	err := m.prober.Health(probeCtx)
	if err != nil {
		m.logger.Debug("Health probe failed", "error", err)
	}
	m.Report(err == nil)
	return err == nil
}

func (m *ConnectivityMonitor) probeTimeout() time.Duration {
	if m.interval > 0 && m.interval < 10*time.Second {
		return m.interval
	}
	return 10 * time.Second
}

// Run probes immediately and then every interval until ctx is done
func (m *ConnectivityMonitor) Run(ctx context.Context) {
	m.Probe(ctx)
	if m.interval <= 0 {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
