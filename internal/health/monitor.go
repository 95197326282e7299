// Package health runs the periodic liveness check over registered
// nodes and piggybacks the stores' sweeps on the same tick.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/registry"
)

// NodeSource is the registry view the monitor inspects each tick.
type NodeSource interface {
	List() []registry.Node
}

// Hooks are the gateway actions the monitor drives. Ping sends a
// heartbeat.ping frame; Suspend parks the node's session with queues
// retained; Deregister tears the node down; Sweep runs the
// conversation, pairing, and delegation sweeps.
type Hooks struct {
	Ping       func(ctx context.Context, nodeID string)
	Suspend    func(nodeID string)
	Deregister func(nodeID, reason string)
	Sweep      func(now time.Time)
}

// Monitor pings every registered node at a fixed interval. A node
// silent for more than twice the interval is suspended; past three
// times the interval it is deregistered.
type Monitor struct {
	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	nodes NodeSource
	hooks Hooks
	log   *slog.Logger
	now   func() time.Time
}

// NewMonitor wires the check loop; call Start to run it.
func NewMonitor(interval time.Duration, nodes NodeSource, hooks Hooks, log *slog.Logger) *Monitor {
	return &Monitor{
		interval: interval,
		nodes:    nodes,
		hooks:    hooks,
		log:      log,
		now:      time.Now,
	}
}

// SetInterval applies a reloaded check interval; the next arm uses it.
func (m *Monitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

// Start launches the tick loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.log.Debug("health.started", "interval", m.interval)
}

// Stop cancels in-flight pings and waits for the loop to exit.
// Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		m.mu.Lock()
		d := m.interval
		m.mu.Unlock()
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.tick(ctx)
		}
	}
}

// tick inspects every node once and runs the sweeps.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	interval := m.interval
	m.mu.Unlock()
	now := m.now()

	for _, n := range m.nodes.List() {
		// Suspended nodes have no connection to ping; the suspend
		// timer owns their fate.
		if n.ConnID == "" {
			continue
		}
		elapsed := now.Sub(n.LastSeenAt)
		switch {
		case elapsed > 3*interval:
			m.log.Warn("health.node_expired", "node_id", n.NodeID, "silent_for", elapsed.Round(time.Millisecond))
			if m.hooks.Deregister != nil {
				m.hooks.Deregister(n.NodeID, "heartbeat timeout")
			}
			continue
		case elapsed > 2*interval:
			if n.IsAlive {
				m.log.Warn("health.node_unreachable", "node_id", n.NodeID, "silent_for", elapsed.Round(time.Millisecond))
				if m.hooks.Suspend != nil {
					m.hooks.Suspend(n.NodeID)
				}
			}
		}
		if m.hooks.Ping != nil {
			m.hooks.Ping(ctx, n.NodeID)
		}
	}

	if m.hooks.Sweep != nil {
		m.hooks.Sweep(now)
	}
}
