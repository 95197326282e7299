// Package session tracks per-node lifecycle state independently of the
// transport connection: connected → idle on inactivity, suspended on
// transport loss with queues held, disconnected when the suspend window
// runs out.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nodegate/internal/errcode"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// Session is the per-node lifecycle record. SessionID is a UUID v4
// assigned at register and kept across suspend/resume.
type Session struct {
	SessionID      string             `json:"sessionId"`
	NodeID         string             `json:"nodeId"`
	State          string             `json:"state"`
	Identity       *protocol.Identity `json:"identity,omitempty"`
	ConnectedAt    time.Time          `json:"connectedAt"`
	LastActivityAt time.Time          `json:"lastActivityAt"`
}

type entry struct {
	s            Session
	idleTimer    *time.Timer
	suspendTimer *time.Timer
}

// Manager owns the session map and its timers. Callbacks are invoked
// without the manager lock held, so they may acquire downstream locks.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*entry
	idleTimeout    time.Duration
	suspendTimeout time.Duration

	// onUpdate fires on state changes after creation (connected → idle,
	// idle → connected, resume). The gateway forwards it downstream as a
	// session.update frame.
	onUpdate func(nodeID, sessionID, state string)
	// onExpired fires when the suspend window lapses; the gateway
	// deregisters the node and drops its queues.
	onExpired func(nodeID string)

	log *slog.Logger
	now func() time.Time
}

func NewManager(idleTimeout, suspendTimeout time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		sessions:       make(map[string]*entry),
		idleTimeout:    idleTimeout,
		suspendTimeout: suspendTimeout,
		log:            log,
		now:            time.Now,
	}
}

// OnUpdate wires the state-change callback.
func (m *Manager) OnUpdate(fn func(nodeID, sessionID, state string)) {
	m.mu.Lock()
	m.onUpdate = fn
	m.mu.Unlock()
}

// OnExpired wires the suspend-expiry callback.
func (m *Manager) OnExpired(fn func(nodeID string)) {
	m.mu.Lock()
	m.onExpired = fn
	m.mu.Unlock()
}

// SetTimeouts applies hot-reloaded timer bases. Running timers keep their
// old deadline; new and rescheduled timers use the new values.
func (m *Manager) SetTimeouts(idle, suspend time.Duration) {
	m.mu.Lock()
	m.idleTimeout = idle
	m.suspendTimeout = suspend
	m.mu.Unlock()
}

// Create starts a session in the connected state and arms the idle timer.
func (m *Manager) Create(nodeID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := &entry{s: Session{
		SessionID:      uuid.New().String(),
		NodeID:         nodeID,
		State:          protocol.StateConnected,
		ConnectedAt:    now,
		LastActivityAt: now,
	}}
	m.sessions[nodeID] = e
	m.armIdleLocked(e, m.idleTimeout)
	return e.s
}

// armIdleLocked (re)schedules the idle check d from now. The fire handler
// re-checks lastActivityAt, so a stale timer just reschedules itself.
func (m *Manager) armIdleLocked(e *entry, d time.Duration) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	if d <= 0 {
		return
	}
	nodeID := e.s.NodeID
	e.idleTimer = time.AfterFunc(d, func() { m.idleFired(nodeID) })
}

func (m *Manager) idleFired(nodeID string) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok || e.s.State != protocol.StateConnected {
		m.mu.Unlock()
		return
	}
	remaining := m.idleTimeout - m.now().Sub(e.s.LastActivityAt)
	if remaining > 0 {
		m.armIdleLocked(e, remaining)
		m.mu.Unlock()
		return
	}
	e.s.State = protocol.StateIdle
	s := e.s
	onUpdate := m.onUpdate
	m.mu.Unlock()

	m.log.Debug("session.idle", "node_id", nodeID, "session_id", s.SessionID)
	if onUpdate != nil {
		onUpdate(s.NodeID, s.SessionID, s.State)
	}
}

// Touch records node activity. An idle session returns to connected and
// the change is emitted; a connected session just refreshes the timer base.
func (m *Manager) Touch(nodeID string) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.s.LastActivityAt = m.now()
	if e.s.State != protocol.StateIdle {
		m.mu.Unlock()
		return
	}
	e.s.State = protocol.StateConnected
	m.armIdleLocked(e, m.idleTimeout)
	s := e.s
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(s.NodeID, s.SessionID, s.State)
	}
}

// Suspend moves a connected or idle session to suspended on transport
// loss, holding queues and arming the suspend timer. Idempotent.
func (m *Manager) Suspend(nodeID string) bool {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok || e.s.State == protocol.StateSuspended {
		m.mu.Unlock()
		return false
	}
	e.s.State = protocol.StateSuspended
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	if e.suspendTimer != nil {
		e.suspendTimer.Stop()
	}
	if m.suspendTimeout > 0 {
		e.suspendTimer = time.AfterFunc(m.suspendTimeout, func() { m.suspendFired(nodeID) })
	}
	sessionID := e.s.SessionID
	m.mu.Unlock()

	m.log.Info("session.suspended", "node_id", nodeID, "session_id", sessionID)
	return true
}

func (m *Manager) suspendFired(nodeID string) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok || e.s.State != protocol.StateSuspended {
		m.mu.Unlock()
		return
	}
	e.s.State = protocol.StateDisconnected
	m.removeLocked(nodeID)
	onExpired := m.onExpired
	m.mu.Unlock()

	m.log.Info("session.suspend_expired", "node_id", nodeID)
	if onExpired != nil {
		onExpired(nodeID)
	}
}

// Resume reconnects a suspended session: same sessionId, state back to
// connected, suspend timer cancelled, idle timer rearmed.
func (m *Manager) Resume(nodeID string) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[nodeID]
	if !ok {
		m.mu.Unlock()
		return Session{}, errcode.New(errcode.SessionExpired, nodeID)
	}
	if e.s.State != protocol.StateSuspended {
		state := e.s.State
		m.mu.Unlock()
		return Session{}, errcode.Newf(errcode.InvalidTransition, "resume from %s", state)
	}
	if e.suspendTimer != nil {
		e.suspendTimer.Stop()
		e.suspendTimer = nil
	}
	e.s.State = protocol.StateConnected
	e.s.LastActivityAt = m.now()
	m.armIdleLocked(e, m.idleTimeout)
	s := e.s
	onUpdate := m.onUpdate
	m.mu.Unlock()

	m.log.Info("session.resumed", "node_id", nodeID, "session_id", s.SessionID)
	if onUpdate != nil {
		onUpdate(s.NodeID, s.SessionID, s.State)
	}
	return s, nil
}

// Destroy tears the session down (deregister path). Idempotent.
func (m *Manager) Destroy(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[nodeID]; !ok {
		return false
	}
	m.removeLocked(nodeID)
	return true
}

func (m *Manager) removeLocked(nodeID string) {
	e := m.sessions[nodeID]
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	if e.suspendTimer != nil {
		e.suspendTimer.Stop()
	}
	delete(m.sessions, nodeID)
}

// UpdateIdentity stores the identity record and reports whether it
// changed. Equal records are a no-op so downstream frames are not
// emitted gratuitously.
func (m *Manager) UpdateIdentity(nodeID string, identity *protocol.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[nodeID]
	if !ok {
		return false
	}
	if e.s.Identity.Equal(identity) {
		return false
	}
	e.s.Identity = identity
	return true
}

// Get returns a snapshot of the session.
func (m *Manager) Get(nodeID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[nodeID]
	if !ok {
		return Session{}, false
	}
	return e.s, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns session snapshots sorted by node id.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Stop cancels every timer and clears the map. Used by gateway shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for nodeID := range m.sessions {
		m.removeLocked(nodeID)
	}
}
