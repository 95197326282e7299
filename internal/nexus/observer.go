package nexus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/bus"
	"github.com/nextlevelbuilder/nodegate/internal/config"
)

const (
	observerSub        = "memory-observer"
	observerBufferMax  = 256
	observerBatchSize  = 20
	observerFlushEvery = 5 * time.Second
)

// Observer mirrors gateway events into the upstream memory store.
// Events buffer in memory and ship in batches on a fixed tick; each
// tick spends at most the configured call budget on BatchStore, so a
// slow upstream never amplifies gateway load. A budget of zero turns
// the observer off. Expected operational errors are dropped at intake;
// only conditions outside normal operation are worth an upstream row.
type Observer struct {
	store   MemoryStore
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	budget  int
	pending []MemoryEntry
	dropped int

	events bus.EventPublisher
	cancel context.CancelFunc
	done   chan struct{}
}

// NewObserver builds an observer over store with cfg's budget and
// per-call deadline. Call Start to attach it to a bus.
func NewObserver(store MemoryStore, cfg config.MemoryConfig, log *slog.Logger) *Observer {
	return &Observer{
		store:   store,
		log:     log,
		timeout: cfg.Timeout(),
		budget:  cfg.MaxObserverCalls,
	}
}

// Start subscribes to events and begins the flush loop. Idempotent.
func (o *Observer) Start(events bus.EventPublisher) {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	o.events = events
	done := o.done
	o.mu.Unlock()

	events.Subscribe(observerSub, o.observe)
	go o.run(ctx, done)
	o.log.Debug("nexus.observer_started", "budget", o.Budget())
}

// Stop detaches from the bus, ships whatever is buffered, and waits for
// the flush loop to exit. Idempotent.
func (o *Observer) Stop() {
	o.mu.Lock()
	cancel, done, events := o.cancel, o.done, o.events
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	if events != nil {
		events.Unsubscribe(observerSub)
	}
	cancel()
	<-done
}

// SetBudget applies a reloaded per-tick call budget. Zero disables the
// observer and discards anything still buffered.
func (o *Observer) SetBudget(n int) {
	o.mu.Lock()
	o.budget = n
	if n <= 0 {
		o.pending = nil
	}
	o.mu.Unlock()
}

// Budget returns the current per-tick call budget.
func (o *Observer) Budget() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.budget
}

func (o *Observer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(observerFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final flush rides its own context; ctx is already dead.
			o.flush(context.Background())
			return
		case <-ticker.C:
			o.flush(ctx)
		}
	}
}

// observe is the bus handler. It must not block: convert, append, done.
func (o *Observer) observe(e bus.Event) {
	entry, ok := entryFor(e)
	if !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.budget <= 0 {
		return
	}
	if len(o.pending) >= observerBufferMax {
		o.pending = o.pending[1:]
		o.dropped++
	}
	o.pending = append(o.pending, entry)
}

// flush ships up to budget batches. On upstream failure the remainder
// of this tick's take is dropped rather than retried; the next tick
// starts fresh with whatever accumulated meanwhile.
func (o *Observer) flush(ctx context.Context) {
	o.mu.Lock()
	take := o.budget * observerBatchSize
	if take > len(o.pending) {
		take = len(o.pending)
	}
	var taken []MemoryEntry
	if take > 0 {
		taken = o.pending[:take:take]
		o.pending = append([]MemoryEntry(nil), o.pending[take:]...)
	}
	dropped := o.dropped
	o.dropped = 0
	o.mu.Unlock()

	if dropped > 0 {
		o.log.Warn("nexus.observations_dropped", "count", dropped)
	}
	for len(taken) > 0 {
		n := observerBatchSize
		if n > len(taken) {
			n = len(taken)
		}
		batch := taken[:n]
		taken = taken[n:]
		err := SafeDo(ctx, o.timeout, "memory batch store", func(ctx context.Context) error {
			return o.store.BatchStore(ctx, batch)
		})
		if err != nil {
			o.log.Warn("nexus.observe_failed", "discarded", len(batch)+len(taken), "error", err)
			return
		}
	}
}

// entryFor maps a bus event onto an upstream observation. Expected
// operational errors report nothing.
func entryFor(e bus.Event) (MemoryEntry, bool) {
	entry := MemoryEntry{
		Kind:      e.Name,
		Tags:      []string{"gateway"},
		CreatedAt: time.Now(),
	}
	switch p := e.Payload.(type) {
	case bus.ScopeDegradedPayload:
		entry.AgentID = p.AgentID
	case bus.DelegationPayload:
		entry.AgentID = p.FromAgentID
	case bus.PairingApprovedPayload:
		entry.PeerID = p.PeerID
	case bus.OpErrorPayload:
		if p.Expected {
			return MemoryEntry{}, false
		}
	}
	content, err := json.Marshal(e.Payload)
	if err != nil {
		return MemoryEntry{}, false
	}
	entry.Content = string(content)
	return entry, true
}
