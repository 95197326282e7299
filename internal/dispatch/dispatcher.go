// Package dispatch owns the per-node outbound machinery: three bounded
// priority lanes per node and the at-least-once delivery tracker.
package dispatch

import (
	"sync"

	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// OverflowFunc is invoked when a full lane drops its oldest message.
type OverflowFunc func(lane, nodeID string, capacity int)

// Dispatcher is the lane-queue set for one node. Queues survive
// suspension; they are only dropped on deregistration.
type Dispatcher struct {
	mu       sync.Mutex
	nodeID   string
	capacity int
	queues   map[string][]*protocol.LaneMessage
	notify   chan struct{}
	closed   bool

	onOverflow OverflowFunc
}

func newDispatcher(nodeID string, capacity int, onOverflow OverflowFunc) *Dispatcher {
	queues := make(map[string][]*protocol.LaneMessage, len(protocol.Lanes))
	for _, lane := range protocol.Lanes {
		queues[lane] = nil
	}
	return &Dispatcher{
		nodeID:     nodeID,
		capacity:   capacity,
		queues:     queues,
		notify:     make(chan struct{}, 1),
		onOverflow: onOverflow,
	}
}

// Enqueue appends the message to its lane. At capacity the oldest message
// in that lane is dropped so the queue size stays put, and the overflow
// callback fires. Returns the dropped message (nil if none) and whether
// the lane was valid.
func (d *Dispatcher) Enqueue(msg *protocol.LaneMessage) (*protocol.LaneMessage, bool) {
	if msg == nil || !protocol.ValidLane(msg.Lane) {
		return nil, false
	}

	d.mu.Lock()
	var dropped *protocol.LaneMessage
	q := d.queues[msg.Lane]
	overflow := len(q) >= d.capacity
	if overflow {
		dropped = q[0]
		q = q[1:]
	}
	d.queues[msg.Lane] = append(q, msg)
	capacity := d.capacity
	closed := d.closed
	d.mu.Unlock()

	if overflow && d.onOverflow != nil {
		d.onOverflow(msg.Lane, d.nodeID, capacity)
	}
	if !closed {
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}
	return dropped, true
}

// Pop removes and returns the next message in strict lane priority
// (steer before collect before followup), or nil when all lanes are empty.
func (d *Dispatcher) Pop() *protocol.LaneMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, lane := range protocol.Lanes {
		if q := d.queues[lane]; len(q) > 0 {
			msg := q[0]
			d.queues[lane] = q[1:]
			return msg
		}
	}
	return nil
}

// Requeue puts a popped message back at the head of its lane so the next
// pump sees it first. Used when a send fails mid-delivery; the slot was
// just vacated by Pop, so there is no overflow check.
func (d *Dispatcher) Requeue(msg *protocol.LaneMessage) {
	if msg == nil || !protocol.ValidLane(msg.Lane) {
		return
	}
	d.mu.Lock()
	d.queues[msg.Lane] = append([]*protocol.LaneMessage{msg}, d.queues[msg.Lane]...)
	d.mu.Unlock()
}

// QueueSize returns the depth of one lane.
func (d *Dispatcher) QueueSize(lane string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[lane])
}

// TotalQueued returns the depth across all lanes.
func (d *Dispatcher) TotalQueued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, q := range d.queues {
		total += len(q)
	}
	return total
}

// Drain removes and returns every queued message, lanes in priority
// order, FIFO within each lane. Used on deregistration.
func (d *Dispatcher) Drain() []*protocol.LaneMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*protocol.LaneMessage
	for _, lane := range protocol.Lanes {
		out = append(out, d.queues[lane]...)
		d.queues[lane] = nil
	}
	return out
}

// Notify signals the delivery pump that new work arrived. The channel is
// never closed while the dispatcher is in its set.
func (d *Dispatcher) Notify() <-chan struct{} {
	return d.notify
}

// setCapacity applies a hot-reloaded lane capacity to future enqueues.
// Queues deeper than the new cap shrink as they drain.
func (d *Dispatcher) setCapacity(capacity int) {
	d.mu.Lock()
	d.capacity = capacity
	d.mu.Unlock()
}

// Set is the process-wide collection of per-node dispatchers.
type Set struct {
	mu       sync.RWMutex
	nodes    map[string]*Dispatcher
	capacity int

	onOverflow OverflowFunc
}

func NewSet(capacity int, onOverflow OverflowFunc) *Set {
	return &Set{
		nodes:      make(map[string]*Dispatcher),
		capacity:   capacity,
		onOverflow: onOverflow,
	}
}

// Ensure returns the node's dispatcher, creating it on first use.
func (s *Set) Ensure(nodeID string) *Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.nodes[nodeID]
	if !ok {
		d = newDispatcher(nodeID, s.capacity, s.onOverflow)
		s.nodes[nodeID] = d
	}
	return d
}

// Get returns the node's dispatcher if one is wired.
func (s *Set) Get(nodeID string) (*Dispatcher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.nodes[nodeID]
	return d, ok
}

// Remove drains and deletes the node's dispatcher, returning whatever was
// still queued.
func (s *Set) Remove(nodeID string) []*protocol.LaneMessage {
	s.mu.Lock()
	d, ok := s.nodes[nodeID]
	delete(s.nodes, nodeID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Drain()
}

// SetCapacity applies a hot-reloaded lane capacity to all dispatchers.
func (s *Set) SetCapacity(capacity int) {
	s.mu.Lock()
	s.capacity = capacity
	nodes := make([]*Dispatcher, 0, len(s.nodes))
	for _, d := range s.nodes {
		nodes = append(nodes, d)
	}
	s.mu.Unlock()
	for _, d := range nodes {
		d.setCapacity(capacity)
	}
}

// Len returns the number of nodes with dispatchers.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
