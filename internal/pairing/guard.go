// Package pairing gates direct messages on configured channels behind a
// one-shot code exchange. Unknown peers are blocked until a human
// relays the generated code back through the channel; approvals are
// remembered per (channel, peer).
package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/config"
)

// Status is the outcome of a sender check.
type Status string

const (
	StatusNotRequired Status = "not_required"
	StatusApproved    Status = "approved"
	StatusPaired      Status = "paired"
	StatusExpiredCode Status = "expired_code"
	StatusRateLimited Status = "rate_limited"
	StatusBlocked     Status = "blocked"
)

// Code is one outstanding pairing code.
type Code struct {
	NodeID    string    `json:"nodeId"`
	ChannelID string    `json:"channelId"`
	Code      string    `json:"code"`
	Formatted string    `json:"formatted"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Approval records a peer cleared to DM on a channel.
type Approval struct {
	ChannelID  string    `json:"channelId"`
	PeerID     string    `json:"peerId"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// ApprovalSink persists approvals as they are granted.
type ApprovalSink interface {
	PutApproval(ctx context.Context, ap Approval) error
}

// ApprovalSource lists persisted approvals for reload at boot.
type ApprovalSource interface {
	ListApprovals(ctx context.Context) ([]Approval, error)
}

// Excludes I, L, O, 0 and 1; codes get read aloud to humans.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

type attemptWindow struct {
	count   int
	startAt time.Time
}

// Guard holds the pairing state for every gated channel.
type Guard struct {
	mu          sync.Mutex
	enabled     bool
	channels    map[string]struct{}
	expiry      time.Duration
	window      time.Duration
	maxAttempts int

	codes    map[string]*Code               // raw code → entry
	approved map[string]map[string]Approval // channelId → peerId → approval
	attempts map[string]*attemptWindow      // channelId\x00peerId

	sink ApprovalSink
	log  *slog.Logger
	now  func() time.Time
}

// NewGuard builds a guard from the pairing config section.
func NewGuard(pcfg config.PairingConfig, log *slog.Logger) *Guard {
	g := &Guard{
		codes:    make(map[string]*Code),
		approved: make(map[string]map[string]Approval),
		attempts: make(map[string]*attemptWindow),
		log:      log,
		now:      time.Now,
	}
	g.Update(pcfg)
	return g
}

// Update applies a reloaded pairing config. Approvals, codes, and
// attempt windows survive the reload.
func (g *Guard) Update(pcfg config.PairingConfig) {
	channels := make(map[string]struct{}, len(pcfg.Channels))
	for _, ch := range pcfg.Channels {
		channels[ch] = struct{}{}
	}
	g.mu.Lock()
	g.enabled = pcfg.Enabled
	g.channels = channels
	g.expiry = pcfg.Expiry()
	g.window = pcfg.AttemptWindow()
	g.maxAttempts = pcfg.MaxAttempts
	g.mu.Unlock()
}

// SetSink wires approval persistence.
func (g *Guard) SetSink(sink ApprovalSink) {
	g.mu.Lock()
	g.sink = sink
	g.mu.Unlock()
}

// LoadFrom seeds approvals from persistence at boot.
func (g *Guard) LoadFrom(ctx context.Context, src ApprovalSource) error {
	aps, err := src.ListApprovals(ctx)
	if err != nil {
		return fmt.Errorf("load approvals: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ap := range aps {
		g.approveLocked(ap)
	}
	return nil
}

// GenerateCode mints a one-shot code for pairing a peer with the given
// node's channel. The formatted form reads XXXX-XXXX.
func (g *Guard) GenerateCode(nodeID, channelID string) (Code, error) {
	raw, err := randomCode()
	if err != nil {
		return Code{}, fmt.Errorf("generate pairing code: %w", err)
	}
	g.mu.Lock()
	c := &Code{
		NodeID:    nodeID,
		ChannelID: channelID,
		Code:      raw,
		Formatted: raw[:4] + "-" + raw[4:],
		ExpiresAt: g.now().Add(g.expiry),
	}
	g.codes[raw] = c
	g.mu.Unlock()

	g.log.Info("pairing.code_generated", "node_id", nodeID, "channel_id", channelID, "expires_at", c.ExpiresAt)
	return *c, nil
}

// CheckSender decides whether a DM from peerID on channelID may pass.
// Group traffic carries no peerId and is never gated. The payload is
// scanned for an outstanding code; a match consumes the code and
// approves the peer.
func (g *Guard) CheckSender(nodeID, channelID, peerID, payload string) Status {
	g.mu.Lock()

	if !g.enabled || peerID == "" {
		g.mu.Unlock()
		return StatusNotRequired
	}
	if _, gated := g.channels[channelID]; !gated {
		g.mu.Unlock()
		return StatusNotRequired
	}
	if _, ok := g.approved[channelID][peerID]; ok {
		g.mu.Unlock()
		return StatusApproved
	}

	now := g.now()
	if g.rateLimitedLocked(channelID, peerID, now) {
		g.mu.Unlock()
		return StatusRateLimited
	}

	code, found := g.matchCodeLocked(nodeID, channelID, payload)
	if found && !now.After(code.ExpiresAt) {
		delete(g.codes, code.Code)
		ap := Approval{ChannelID: channelID, PeerID: peerID, ApprovedAt: now}
		g.approveLocked(ap)
		delete(g.attempts, attemptKey(channelID, peerID))
		sink := g.sink
		g.mu.Unlock()

		g.log.Info("pairing.peer_approved", "channel_id", channelID, "peer_id", peerID, "node_id", nodeID)
		if sink != nil {
			if err := sink.PutApproval(context.Background(), ap); err != nil {
				g.log.Warn("pairing.persist_failed", "channel_id", channelID, "peer_id", peerID, "error", err)
			}
		}
		return StatusPaired
	}

	g.recordAttemptLocked(channelID, peerID, now)
	g.mu.Unlock()

	if found {
		g.log.Debug("pairing.code_expired", "channel_id", channelID, "peer_id", peerID)
		return StatusExpiredCode
	}
	g.log.Debug("pairing.blocked", "channel_id", channelID, "peer_id", peerID)
	return StatusBlocked
}

// Sweep drops expired codes and attempt windows that have aged out.
// Approvals are durable and never swept.
func (g *Guard) Sweep(now time.Time) (codes, windows int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for raw, c := range g.codes {
		if now.After(c.ExpiresAt) {
			delete(g.codes, raw)
			codes++
		}
	}
	for key, w := range g.attempts {
		if g.window > 0 && now.Sub(w.startAt) > g.window {
			delete(g.attempts, key)
			windows++
		}
	}
	return codes, windows
}

// Approved lists cleared peers for a channel, or every channel when
// channelID is empty.
func (g *Guard) Approved(channelID string) []Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Approval
	for ch, peers := range g.approved {
		if channelID != "" && ch != channelID {
			continue
		}
		for _, ap := range peers {
			out = append(out, ap)
		}
	}
	return out
}

// Revoke removes a peer's approval; true if one existed.
func (g *Guard) Revoke(channelID, peerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	peers, ok := g.approved[channelID]
	if !ok {
		return false
	}
	if _, ok := peers[peerID]; !ok {
		return false
	}
	delete(peers, peerID)
	if len(peers) == 0 {
		delete(g.approved, channelID)
	}
	return true
}

// Codes snapshots the outstanding codes.
func (g *Guard) Codes() []Code {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Code, 0, len(g.codes))
	for _, c := range g.codes {
		out = append(out, *c)
	}
	return out
}

func (g *Guard) approveLocked(ap Approval) {
	peers, ok := g.approved[ap.ChannelID]
	if !ok {
		peers = make(map[string]Approval)
		g.approved[ap.ChannelID] = peers
	}
	peers[ap.PeerID] = ap
}

func (g *Guard) rateLimitedLocked(channelID, peerID string, now time.Time) bool {
	if g.maxAttempts <= 0 {
		return false
	}
	w, ok := g.attempts[attemptKey(channelID, peerID)]
	if !ok {
		return false
	}
	if g.window > 0 && now.Sub(w.startAt) > g.window {
		delete(g.attempts, attemptKey(channelID, peerID))
		return false
	}
	return w.count >= g.maxAttempts
}

func (g *Guard) recordAttemptLocked(channelID, peerID string, now time.Time) {
	key := attemptKey(channelID, peerID)
	w, ok := g.attempts[key]
	if !ok {
		g.attempts[key] = &attemptWindow{count: 1, startAt: now}
		return
	}
	w.count++
}

// matchCodeLocked scans the payload for any outstanding code bound to
// (nodeID, channelID). Payload is normalized so "abcd-efgh" matches the
// raw code ABCDEFGH.
func (g *Guard) matchCodeLocked(nodeID, channelID, payload string) (*Code, bool) {
	norm := normalizePayload(payload)
	if norm == "" {
		return nil, false
	}
	for raw, c := range g.codes {
		if c.NodeID != nodeID || c.ChannelID != channelID {
			continue
		}
		if strings.Contains(norm, raw) {
			return c, true
		}
	}
	return nil, false
}

func normalizePayload(payload string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(payload) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func attemptKey(channelID, peerID string) string {
	return channelID + "\x00" + peerID
}
