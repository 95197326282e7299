package gateway

import (
	"sync"

	"github.com/nextlevelbuilder/nodegate/internal/dispatch"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// deliveryPump drains one node's dispatcher in lane-priority order and
// writes each message to whichever connection the registry currently
// maps the node to. One pump per node, started at registration and kept
// across suspend/resume so per-lane FIFO survives reconnects.
type deliveryPump struct {
	nodeID   string
	wake     chan struct{}
	stop     chan struct{}
	haltOnce sync.Once
}

func (p *deliveryPump) halt() {
	p.haltOnce.Do(func() { close(p.stop) })
}

// startPump spins up the delivery pump for nodeID. No-op when one is
// already running or the gateway is stopping; the stopping check shares
// g.mu with Stop's snapshot so a pump is either refused or halted.
func (g *Gateway) startPump(nodeID string) {
	g.mu.Lock()
	if g.stopping() {
		g.mu.Unlock()
		return
	}
	if _, ok := g.pumps[nodeID]; ok {
		g.mu.Unlock()
		return
	}
	p := &deliveryPump{
		nodeID: nodeID,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	g.pumps[nodeID] = p
	g.mu.Unlock()

	d := g.dispatchers.Ensure(nodeID)
	g.wg.Add(1)
	go g.runPump(p, d)
}

// wakePump nudges a parked pump after a resume so messages queued during
// the suspension drain immediately.
func (g *Gateway) wakePump(nodeID string) {
	g.mu.RLock()
	p := g.pumps[nodeID]
	g.mu.RUnlock()
	if p == nil {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (g *Gateway) stopPump(nodeID string) {
	g.mu.Lock()
	p := g.pumps[nodeID]
	delete(g.pumps, nodeID)
	g.mu.Unlock()
	if p != nil {
		p.halt()
	}
}

// runPump delivers while the node is connected and parks otherwise. A
// message whose send fails goes back to the front of its lane, so the
// retry after reconnect sees the same order the producer did.
func (g *Gateway) runPump(p *deliveryPump, d *dispatch.Dispatcher) {
	defer g.wg.Done()
	for {
		for g.registry.IsConnected(p.nodeID) {
			msg := d.Pop()
			if msg == nil {
				break
			}
			if !g.sendFrame(p.nodeID, protocol.NewLaneMessage(msg)) {
				d.Requeue(msg)
				break
			}
			g.tracker.Track(p.nodeID, msg.ID)
		}
		select {
		case <-p.stop:
			return
		case <-p.wake:
		case <-d.Notify():
		}
	}
}
