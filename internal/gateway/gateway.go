// Package gateway wires transport, auth, registry, sessions, dispatch,
// routing, pairing, and health into the running node gateway. Frame
// handling is serialized per connection; shared state lives in the
// subsystem packages behind their own locks.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/auth"
	"github.com/nextlevelbuilder/nodegate/internal/bus"
	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/conversation"
	"github.com/nextlevelbuilder/nodegate/internal/dispatch"
	"github.com/nextlevelbuilder/nodegate/internal/health"
	"github.com/nextlevelbuilder/nodegate/internal/nexus"
	"github.com/nextlevelbuilder/nodegate/internal/pairing"
	"github.com/nextlevelbuilder/nodegate/internal/registry"
	"github.com/nextlevelbuilder/nodegate/internal/routing"
	"github.com/nextlevelbuilder/nodegate/internal/schedule"
	"github.com/nextlevelbuilder/nodegate/internal/session"
	"github.com/nextlevelbuilder/nodegate/internal/store"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// Gateway owns every subsystem and the connection table. One instance
// per process.
type Gateway struct {
	cfg *config.Config
	log *slog.Logger

	keys          *auth.KeyStore
	verifier      *auth.Verifier
	registry      *registry.Registry
	sessions      *session.Manager
	dispatchers   *dispatch.Set
	tracker       *dispatch.Tracker
	router        *routing.Router
	conversations *conversation.Store
	guard         *pairing.Guard
	monitor       *health.Monitor
	runner        *schedule.Runner
	delegations   *delegationTable
	events        bus.EventPublisher
	stores        *store.Stores // nil when persistence is not wired

	// Upstream collaborators; each nil when unconfigured.
	memory        nexus.MemoryStore
	manifests     nexus.ManifestProvider
	identity      nexus.IdentityUpstream
	observer      *nexus.Observer
	fileManifests *nexus.FileManifests

	server *Server

	mu    sync.RWMutex
	conns map[string]*Client       // connId → client
	pumps map[string]*deliveryPump // nodeId → pump

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New assembles a gateway from cfg. Pass nil events for a private bus
// and nil stores to run without persistence (tests, dry runs).
func New(cfg *config.Config, events bus.EventPublisher, stores *store.Stores, log *slog.Logger) *Gateway {
	if events == nil {
		events = bus.New()
	}
	g := &Gateway{
		cfg:     cfg,
		log:     log,
		events:  events,
		stores:  stores,
		conns:   make(map[string]*Client),
		pumps:   make(map[string]*deliveryPump),
		stopped: make(chan struct{}),
	}

	g.keys = auth.NewKeyStore(cfg.Auth, log)
	g.verifier = auth.NewVerifier(cfg.Auth, cfg.Gateway.Token, g.keys, log)
	g.registry = registry.New(log)
	g.keys.SetActiveFunc(g.registry.IsConnected)

	g.sessions = session.NewManager(cfg.Sessions.IdleTimeout(), cfg.Sessions.SuspendTimeout(), log)
	g.sessions.OnUpdate(g.onSessionUpdate)
	g.sessions.OnExpired(g.onSessionExpired)

	g.dispatchers = dispatch.NewSet(cfg.Dispatch.LaneCapacity, g.onLaneOverflow)
	g.tracker = dispatch.NewTracker(cfg.Dispatch.MaxPending, log)

	resolver := routing.NewResolver(cfg.Bindings)
	g.router = routing.NewRouter(resolver, g.dispatchers, log)
	g.router.SetAgentNodeResolver(g.registry.AgentNode)
	g.router.SetScopeResolver(cfg.ResolveScope)
	g.router.OnDegraded(func(agentID string, warnings []string) {
		g.events.Broadcast(bus.Event{
			Name:    bus.EventScopeDegraded,
			Payload: bus.ScopeDegradedPayload{AgentID: agentID, Warnings: warnings},
		})
	})
	g.router.SetChannelBindings(cfg.ChannelBinds)

	g.conversations = conversation.NewStore(cfg.Conversations.MaxEntries, cfg.Conversations.Ttl(), log)
	g.router.SetConversationStore(g.conversations)

	g.guard = pairing.NewGuard(cfg.Pairing, log)
	g.delegations = newDelegationTable()
	g.wireCollaborators(cfg)

	g.monitor = health.NewMonitor(cfg.Health.CheckInterval(), g.registry, health.Hooks{
		Ping:       g.pingNode,
		Suspend:    g.suspendNode,
		Deregister: g.expireNode,
		Sweep:      g.sweep,
	}, log)

	g.runner = schedule.NewRunner(cfg.Schedules, g.injectScheduled, log)

	if stores != nil {
		g.keys.SetSink(stores.DeviceKeys)
		g.guard.SetSink(stores.Pairing)
	}

	g.server = newServer(g)
	return g
}

// Server returns the transport listener for mux composition and tests.
func (g *Gateway) Server() *Server { return g.server }

// Events returns the gateway's event bus.
func (g *Gateway) Events() bus.EventPublisher { return g.events }

// Registry exposes the node table (admin surface, doctor command).
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Router exposes the routing table for the admin surface.
func (g *Gateway) Router() *routing.Router { return g.router }

// Guard exposes the pairing guard for the admin surface.
func (g *Gateway) Guard() *pairing.Guard { return g.guard }

// Tracker exposes the delivery tracker (tests, admin surface).
func (g *Gateway) Tracker() *dispatch.Tracker { return g.tracker }

// Conversations exposes the affinity store (tests, doctor command).
func (g *Gateway) Conversations() *conversation.Store { return g.conversations }

// Warmup loads persisted device keys and pairing approvals and checks
// the nexus API key out of band. Call before Start so reconnecting
// nodes hit their pins.
func (g *Gateway) Warmup(ctx context.Context) error {
	if g.stores != nil {
		if err := g.keys.LoadFrom(ctx, g.stores.DeviceKeys); err != nil {
			return err
		}
		if err := g.guard.LoadFrom(ctx, g.stores.Pairing); err != nil {
			return err
		}
	}
	g.validateUpstreamKey(ctx)
	return nil
}

// Start runs the background tasks (health monitor, schedule runner,
// memory observer) and serves the listener until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.monitor.Start()
	g.runner.Start()
	if g.observer != nil {
		g.observer.Start(g.events)
	}
	err := g.server.Start(ctx)
	g.Stop()
	return err
}

// Stop is idempotent: halts background tasks, closes every connection
// with 1001, waits for in-flight frame handling, and clears state.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopped)
		g.monitor.Stop()
		g.runner.Stop()

		g.mu.Lock()
		clients := make([]*Client, 0, len(g.conns))
		for _, c := range g.conns {
			clients = append(clients, c)
		}
		pumps := make([]*deliveryPump, 0, len(g.pumps))
		for _, p := range g.pumps {
			pumps = append(pumps, p)
		}
		g.pumps = make(map[string]*deliveryPump)
		g.mu.Unlock()
		for _, c := range clients {
			c.CloseWithCode(protocol.CloseGoingAway, "gateway stopping")
		}
		for _, p := range pumps {
			p.halt()
		}

		g.wg.Wait()
		g.sessions.Stop()
		g.tracker.Clear()
		g.conversations.Clear()
		// Last out, so the teardown's own events make the final flush.
		if g.observer != nil {
			g.observer.Stop()
		}
		g.log.Info("gateway.stopped")
	})
}

// stopping reports whether Stop has begun; late sends are dropped.
func (g *Gateway) stopping() bool {
	select {
	case <-g.stopped:
		return true
	default:
		return false
	}
}

// addConn installs a client in the connection table and claims its
// waitgroup slot (released at the end of Client.run). Returns false when
// the gateway is stopping and the client should be turned away; the
// stopping check shares g.mu with Stop's snapshot so a connection is
// either refused or included in the shutdown sweep, never neither.
func (g *Gateway) addConn(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping() {
		return false
	}
	g.conns[c.id] = c
	g.wg.Add(1)
	return true
}

// connCount returns the number of live connections.
func (g *Gateway) connCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// dropConn runs the per-connection cleanup exactly once, regardless of
// whether a deregister frame, a health expiry, or the transport close
// arrives first. A node whose registry entry still points at this
// connection is suspended with its queues retained.
func (g *Gateway) dropConn(c *Client) {
	g.mu.Lock()
	if _, ok := g.conns[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c.id)
	g.mu.Unlock()

	nodeID := c.NodeID()
	if nodeID == "" {
		g.log.Debug("gateway.conn_closed", "conn_id", c.id)
		return
	}

	n, ok := g.registry.Get(nodeID)
	if !ok || n.ConnID != c.id {
		// The node re-registered elsewhere or is already gone; this
		// close has nothing left to clean.
		return
	}
	g.registry.DetachConn(nodeID)
	if g.sessions.Suspend(nodeID) {
		g.events.Broadcast(bus.Event{
			Name:    bus.EventNodeSuspended,
			Payload: bus.NodeLifecyclePayload{NodeID: nodeID, Reason: "transport closed"},
		})
	}
	g.log.Info("gateway.node_suspended", "node_id", nodeID, "conn_id", c.id)
}

// clientForNode resolves the live client for a node, nil when the node
// is unknown or suspended.
func (g *Gateway) clientForNode(nodeID string) *Client {
	n, ok := g.registry.Get(nodeID)
	if !ok || n.ConnID == "" {
		return nil
	}
	g.mu.RLock()
	c := g.conns[n.ConnID]
	g.mu.RUnlock()
	return c
}

// sendFrame delivers one frame to a node, serializing once. No-op (false)
// for unknown or suspended nodes and after Stop.
func (g *Gateway) sendFrame(nodeID string, f *protocol.Frame) bool {
	if g.stopping() {
		return false
	}
	c := g.clientForNode(nodeID)
	if c == nil {
		return false
	}
	data, err := protocol.Encode(f)
	if err != nil {
		g.log.Error("gateway.encode_failed", "kind", f.Kind, "error", err)
		return false
	}
	return c.Send(data)
}

// cleanupNode tears down all per-node state: registry entry, session,
// queues, pending deliveries, conversation bindings. Safe to call twice;
// the registry delete is the once-guard.
func (g *Gateway) cleanupNode(nodeID, reason string) {
	n, ok := g.registry.Deregister(nodeID)
	if !ok {
		return
	}
	g.stopPump(nodeID)
	g.sessions.Destroy(nodeID)
	dropped := g.dispatchers.Remove(nodeID)
	g.tracker.RemoveNode(nodeID)
	evicted := g.conversations.EvictNode(nodeID)

	g.log.Info("gateway.node_deregistered",
		"node_id", nodeID,
		"reason", reason,
		"dropped_messages", len(dropped),
		"evicted_conversations", evicted)
	g.events.Broadcast(bus.Event{
		Name:    bus.EventNodeDeregistered,
		Payload: bus.NodeLifecyclePayload{NodeID: nodeID, Reason: reason},
	})

	if n.ConnID != "" {
		g.mu.RLock()
		c := g.conns[n.ConnID]
		g.mu.RUnlock()
		if c != nil {
			c.ClearNode()
		}
	}
}

// onSessionUpdate forwards manager state changes to the node as a
// session.update frame.
func (g *Gateway) onSessionUpdate(nodeID, sessionID, state string) {
	g.sendFrame(nodeID, protocol.NewSessionUpdate(nodeID, sessionID, state))
}

// onSessionExpired fires when the suspend window lapses with no
// reconnect: the node is gone for good.
func (g *Gateway) onSessionExpired(nodeID string) {
	g.cleanupNode(nodeID, "suspend timeout")
}

// onLaneOverflow mirrors a dropped-oldest queue event onto the bus.
func (g *Gateway) onLaneOverflow(lane, nodeID string, capacity int) {
	g.log.Warn("dispatch.lane_overflow", "lane", lane, "node_id", nodeID, "capacity", capacity)
	g.events.Broadcast(bus.Event{
		Name:    bus.EventLaneOverflow,
		Payload: bus.LaneOverflowPayload{NodeID: nodeID, Lane: lane, Capacity: capacity},
	})
}

// pingNode is the health monitor's ping hook.
func (g *Gateway) pingNode(ctx context.Context, nodeID string) {
	g.sendFrame(nodeID, protocol.NewPing(time.Now().UnixMilli()))
}

// suspendNode is the health monitor's 2x-interval hook: the transport is
// still attached but the node has stopped answering.
func (g *Gateway) suspendNode(nodeID string) {
	g.registry.SetAlive(nodeID, false)
	if g.sessions.Suspend(nodeID) {
		g.events.Broadcast(bus.Event{
			Name:    bus.EventNodeSuspended,
			Payload: bus.NodeLifecyclePayload{NodeID: nodeID, Reason: "heartbeat silence"},
		})
	}
}

// expireNode is the health monitor's 3x-interval hook.
func (g *Gateway) expireNode(nodeID, reason string) {
	c := g.clientForNode(nodeID)
	g.cleanupNode(nodeID, reason)
	if c != nil {
		c.CloseWithCode(protocol.CloseNormal, reason)
	}
}

// sweep runs the piggybacked maintenance on each health tick.
func (g *Gateway) sweep(now time.Time) {
	g.conversations.Sweep(now)
	g.guard.Sweep(now)
	g.sweepDelegations(now)
}

// injectScheduled is the schedule runner's sink: cron-fired messages
// enter the router exactly like inbound lane traffic.
func (g *Gateway) injectScheduled(msg *protocol.LaneMessage) error {
	_, err := g.routeMessage(msg)
	return err
}

// routeMessage routes one lane message, scoped when an agent binding
// matches, falling back to the channel-binding table otherwise.
func (g *Gateway) routeMessage(msg *protocol.LaneMessage) (string, error) {
	if agentID, ok := g.router.ResolveAgent(msg); ok {
		res, err := g.router.RouteWithScope(msg, agentID)
		if err != nil {
			return "", err
		}
		return res.NodeID, nil
	}
	return g.router.Route(msg)
}

// ApplyConfig reconciles every subsystem with a reloaded config. prev is
// the snapshot from before the swap; cfg itself already holds the new
// values.
func (g *Gateway) ApplyConfig(prev *config.Config) {
	cfg := g.cfg

	g.verifier.Update(cfg.Auth, cfg.Gateway.Token)
	g.keys.Update(cfg.Auth)
	g.sessions.SetTimeouts(cfg.Sessions.IdleTimeout(), cfg.Sessions.SuspendTimeout())
	g.dispatchers.SetCapacity(cfg.Dispatch.LaneCapacity)
	g.tracker.SetMaxPending(cfg.Dispatch.MaxPending)
	g.router.UpdateBindings(cfg.Bindings)
	g.router.SetChannelBindings(cfg.ChannelBinds)
	g.conversations.SetLimits(cfg.Conversations.MaxEntries, cfg.Conversations.Ttl())
	g.guard.Update(cfg.Pairing)
	g.monitor.SetInterval(cfg.Health.CheckInterval())
	g.runner.Update(cfg.Schedules)
	if g.observer != nil {
		g.observer.SetBudget(cfg.Memory.MaxObserverCalls)
	}
	if g.fileManifests != nil {
		if err := g.fileManifests.Reload(); err != nil {
			g.log.Warn("nexus.manifest_reload_failed", "error", err)
		}
	}

	// A scope change invalidates every existing conversation key shape.
	if prev != nil && scopesChanged(prev, cfg) {
		cleared := g.conversations.Clear()
		g.log.Info("gateway.scope_changed", "cleared_conversations", cleared)
	}
}

func scopesChanged(prev, cur *config.Config) bool {
	if prev.Sessions.Scope != cur.Sessions.Scope {
		return true
	}
	if len(prev.Sessions.AgentScopes) != len(cur.Sessions.AgentScopes) {
		return true
	}
	for agentID, scope := range cur.Sessions.AgentScopes {
		if prev.Sessions.AgentScopes[agentID] != scope {
			return true
		}
	}
	return false
}

// closeCodeFor maps an auth failure status to the WS close code.
func closeCodeFor(status int) int {
	if status == 403 {
		return protocol.CloseAuthForbidden
	}
	return protocol.CloseAuthInvalid
}
