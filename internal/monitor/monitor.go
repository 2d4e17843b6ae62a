package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StatsSource produces a point-in-time stats snapshot for one
// component. Registered under the component's name.
type StatsSource func() any

// Monitor periodically snapshots every registered component's stats,
// logs the snapshot, and broadcasts it over the hub. It runs as an
// explicit task: Start launches the loop, Stop (or context
// cancellation) halts it.
type Monitor struct {
	interval time.Duration
	hub      *Hub
	logger   *slog.Logger

	mu      sync.Mutex
	sources map[string]StatsSource
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(interval time.Duration, hub *Hub, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		interval: interval,
		hub:      hub,
		logger:   logger,
		sources:  make(map[string]StatsSource),
	}
}

// Register adds a component's stats source. Must be called before Start.
func (m *Monitor) Register(name string, source StatsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = source
}

// Snapshot collects the current stats of every registered component.
func (m *Monitor) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]any, len(m.sources))
	for name, source := range m.sources {
		out[name] = source()
	}
	return out
}

// Start launches the monitoring loop. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
	m.logger.Info("monitoring started", "interval", m.interval)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report()
		}
	}
}

func (m *Monitor) report() {
	snapshot := m.Snapshot()
	m.logger.Info("component stats", "stats", snapshot)
	if m.hub != nil {
		m.hub.Broadcast("monitor.stats", snapshot)
	}
}

// Stop halts the monitoring loop and waits for it to exit. Safe to
// call on a monitor that was never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("monitoring stopped")
}
