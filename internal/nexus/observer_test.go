package nexus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/bus"
	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/errcode"
)

type recordingStore struct {
	mu      sync.Mutex
	batches [][]MemoryEntry
	fail    bool
}

func (r *recordingStore) Query(context.Context, MemoryFilter) ([]MemoryEntry, error) {
	return nil, nil
}

func (r *recordingStore) BatchStore(_ context.Context, entries []MemoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("upstream down")
	}
	r.batches = append(r.batches, append([]MemoryEntry(nil), entries...))
	return nil
}

func (r *recordingStore) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingStore) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func newTestObserver(store MemoryStore, budget int) *Observer {
	return NewObserver(store, config.MemoryConfig{TimeoutMs: 1000, MaxObserverCalls: budget},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func nodeEvent(name, nodeID string) bus.Event {
	return bus.Event{Name: name, Payload: bus.NodeLifecyclePayload{NodeID: nodeID}}
}

func TestObserverBatchesEvents(t *testing.T) {
	store := &recordingStore{}
	o := newTestObserver(store, 2)

	for i := 0; i < 5; i++ {
		o.observe(nodeEvent(bus.EventNodeRegistered, fmt.Sprintf("node-%d", i)))
	}
	o.flush(context.Background())

	if store.calls() != 1 || store.total() != 5 {
		t.Fatalf("calls = %d, entries = %d, want 1 call of 5", store.calls(), store.total())
	}
	got := store.batches[0][0]
	if got.Kind != bus.EventNodeRegistered {
		t.Fatalf("kind = %q", got.Kind)
	}
	if !strings.Contains(got.Content, "node-0") {
		t.Fatalf("content = %q", got.Content)
	}
}

func TestObserverZeroBudgetMakesNoCalls(t *testing.T) {
	store := &recordingStore{}
	o := newTestObserver(store, 0)

	for i := 0; i < 3; i++ {
		o.observe(nodeEvent(bus.EventNodeSuspended, "n"))
	}
	o.flush(context.Background())

	if store.calls() != 0 {
		t.Fatalf("calls = %d, want 0", store.calls())
	}
	o.mu.Lock()
	buffered := len(o.pending)
	o.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("buffered = %d, disabled observer should not accumulate", buffered)
	}
}

func TestObserverBudgetCapsCallsPerFlush(t *testing.T) {
	store := &recordingStore{}
	o := newTestObserver(store, 1)

	for i := 0; i < observerBatchSize+5; i++ {
		o.observe(nodeEvent(bus.EventNodeResumed, fmt.Sprintf("n%d", i)))
	}
	o.flush(context.Background())
	if store.calls() != 1 || store.total() != observerBatchSize {
		t.Fatalf("first flush: calls = %d, entries = %d", store.calls(), store.total())
	}

	// The remainder waits for the next tick.
	o.flush(context.Background())
	if store.calls() != 2 || store.total() != observerBatchSize+5 {
		t.Fatalf("second flush: calls = %d, entries = %d", store.calls(), store.total())
	}
}

func TestObserverSkipsExpectedErrors(t *testing.T) {
	store := &recordingStore{}
	o := newTestObserver(store, 5)

	o.observe(bus.Event{Name: bus.EventOpError, Payload: bus.OpErrorPayload{
		Code: "PAIRING_REQUIRED", Expected: true,
	}})
	o.observe(bus.Event{Name: bus.EventOpError, Payload: bus.OpErrorPayload{
		Code: "MESSAGE_ROUTING_FAILED", Expected: false,
	}})
	o.flush(context.Background())

	if store.total() != 1 {
		t.Fatalf("entries = %d, want only the unexpected error", store.total())
	}
	if !strings.Contains(store.batches[0][0].Content, "MESSAGE_ROUTING_FAILED") {
		t.Fatalf("content = %q", store.batches[0][0].Content)
	}
}

func TestObserverDropsOldestWhenFull(t *testing.T) {
	store := &recordingStore{}
	o := newTestObserver(store, 50)

	for i := 0; i < observerBufferMax+3; i++ {
		o.observe(nodeEvent(bus.EventNodeRegistered, fmt.Sprintf("node-%d", i)))
	}
	o.flush(context.Background())

	if store.total() != observerBufferMax {
		t.Fatalf("entries = %d, want %d", store.total(), observerBufferMax)
	}
	// The three oldest made way; the first surviving entry is node-3.
	if !strings.Contains(store.batches[0][0].Content, `"node-3"`) {
		t.Fatalf("first survivor = %q", store.batches[0][0].Content)
	}
}

func TestObserverUpstreamFailureDropsTake(t *testing.T) {
	store := &recordingStore{fail: true}
	o := newTestObserver(store, 5)

	o.observe(nodeEvent(bus.EventNodeDeregistered, "n1"))
	o.observe(nodeEvent(bus.EventNodeDeregistered, "n2"))
	o.flush(context.Background())

	o.mu.Lock()
	buffered := len(o.pending)
	o.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("buffered = %d, failed take should be discarded, not retried", buffered)
	}

	// Later events flow once the upstream recovers.
	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	o.observe(nodeEvent(bus.EventNodeDeregistered, "n3"))
	o.flush(context.Background())
	if store.total() != 1 {
		t.Fatalf("entries = %d after recovery", store.total())
	}
}

func TestObserverStopFlushesBuffered(t *testing.T) {
	store := &recordingStore{}
	o := newTestObserver(store, 5)
	events := bus.New()

	o.Start(events)
	events.Broadcast(nodeEvent(bus.EventNodeRegistered, "worker-1"))
	events.Broadcast(bus.Event{Name: bus.EventScopeDegraded, Payload: bus.ScopeDegradedPayload{
		AgentID: "bot", Warnings: []string{"missing peerId"},
	}})
	o.Stop()

	if store.total() != 2 {
		t.Fatalf("entries = %d, want the final flush to ship both", store.total())
	}
	var agents []string
	for _, b := range store.batches {
		for _, e := range b {
			agents = append(agents, e.AgentID)
		}
	}
	if agents[len(agents)-1] != "bot" {
		t.Fatalf("agent ids = %v", agents)
	}

	// Broadcast is synchronous, so a detached observer would have
	// recorded this by the time Broadcast returns.
	events.Broadcast(nodeEvent(bus.EventNodeRegistered, "worker-2"))
	if store.total() != 2 {
		t.Fatalf("entries = %d, detached observer still receiving", store.total())
	}
}

func TestObserverSetBudgetZeroDiscards(t *testing.T) {
	store := &recordingStore{}
	o := newTestObserver(store, 5)

	o.observe(nodeEvent(bus.EventNodeRegistered, "n1"))
	o.SetBudget(0)
	o.flush(context.Background())
	if store.calls() != 0 {
		t.Fatalf("calls = %d after budget cut", store.calls())
	}

	o.SetBudget(3)
	o.observe(nodeEvent(bus.EventNodeRegistered, "n2"))
	o.flush(context.Background())
	if store.total() != 1 {
		t.Fatalf("entries = %d, want only the post-reload event", store.total())
	}
}

func TestSafeDoTimeout(t *testing.T) {
	err := SafeDo(context.Background(), 20*time.Millisecond, "memory batch store",
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	wantCode(t, err, errcode.UpstreamTimeout)
}
