// Package schedule turns cron-style config entries into followup-lane
// messages, so agents can receive timed wakeups through the same
// routing path as channel traffic.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

// Sink receives the lane messages produced by due schedules. Wired to
// the router's scoped route.
type Sink func(msg *protocol.LaneMessage) error

// Runner evaluates the schedule table once per minute.
type Runner struct {
	mu      sync.Mutex
	entries []config.ScheduleConfig
	cancel  context.CancelFunc
	done    chan struct{}

	sink Sink
	log  *slog.Logger
	now  func() time.Time
}

// NewRunner validates and installs the schedule table; call Start to
// begin firing.
func NewRunner(entries []config.ScheduleConfig, sink Sink, log *slog.Logger) *Runner {
	r := &Runner{sink: sink, log: log, now: time.Now}
	r.Update(entries)
	return r
}

// Update swaps in a reloaded schedule table. Entries with a cron
// expression gronx cannot parse are logged and dropped.
func (r *Runner) Update(entries []config.ScheduleConfig) {
	gron := gronx.New()
	kept := make([]config.ScheduleConfig, 0, len(entries))
	for _, e := range entries {
		if !gron.IsValid(e.Cron) {
			r.log.Warn("schedule.invalid_cron", "name", e.Name, "cron", e.Cron)
			continue
		}
		kept = append(kept, e)
	}
	r.mu.Lock()
	r.entries = kept
	r.mu.Unlock()
}

// Len reports the number of installed (valid) entries.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Start launches the minute loop. No-op when already running.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

// Stop halts the loop. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := r.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.fire(next)
		}
	}
}

// fire routes a message for every entry due at the given minute and
// reports how many were sent.
func (r *Runner) fire(at time.Time) int {
	r.mu.Lock()
	entries := append([]config.ScheduleConfig(nil), r.entries...)
	r.mu.Unlock()

	gron := gronx.New()
	fired := 0
	for _, e := range entries {
		if e.Disabled {
			continue
		}
		due, err := gron.IsDue(e.Cron, at)
		if err != nil || !due {
			continue
		}
		msg := buildMessage(e, at)
		if err := r.sink(msg); err != nil {
			r.log.Warn("schedule.route_failed", "name", e.Name, "channel_id", e.ChannelID, "error", err)
			continue
		}
		fired++
		r.log.Info("schedule.fired", "name", e.Name, "channel_id", e.ChannelID, "lane", msg.Lane)
	}
	return fired
}

func buildMessage(e config.ScheduleConfig, at time.Time) *protocol.LaneMessage {
	lane := e.Lane
	if lane == "" {
		lane = protocol.LaneFollowup
	}
	msg := &protocol.LaneMessage{
		ID:        uuid.New().String(),
		Lane:      lane,
		ChannelID: e.ChannelID,
		Payload:   e.Payload,
		Timestamp: at.UnixMilli(),
	}
	if e.PeerID != "" {
		msg.Routing = &protocol.RoutingContext{PeerID: e.PeerID, MessageType: protocol.MessageTypeDM}
	}
	return msg
}
