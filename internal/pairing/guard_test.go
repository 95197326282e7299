package pairing

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/config"
)

func testPairingConfig() config.PairingConfig {
	return config.PairingConfig{
		Enabled:         true,
		Channels:        config.FlexibleStringSlice{"telegram"},
		ExpiryMs:        60_000,
		MaxAttempts:     3,
		AttemptWindowMs: 60_000,
	}
}

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	return NewGuard(testPairingConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeApprovalStore struct {
	mu   sync.Mutex
	puts []Approval
}

func (f *fakeApprovalStore) PutApproval(_ context.Context, ap Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, ap)
	return nil
}

func (f *fakeApprovalStore) ListApprovals(context.Context) ([]Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Approval(nil), f.puts...), nil
}

func TestNotRequired(t *testing.T) {
	g := newTestGuard(t)

	t.Run("channel not gated", func(t *testing.T) {
		if st := g.CheckSender("n1", "whatsapp", "p1", "hi"); st != StatusNotRequired {
			t.Fatalf("status = %s", st)
		}
	})
	t.Run("group traffic has no peer", func(t *testing.T) {
		if st := g.CheckSender("n1", "telegram", "", "hi"); st != StatusNotRequired {
			t.Fatalf("status = %s", st)
		}
	})
	t.Run("guard disabled", func(t *testing.T) {
		cfg := testPairingConfig()
		cfg.Enabled = false
		g.Update(cfg)
		if st := g.CheckSender("n1", "telegram", "p1", "hi"); st != StatusNotRequired {
			t.Fatalf("status = %s", st)
		}
	})
}

func TestPairingFlow(t *testing.T) {
	g := newTestGuard(t)

	if st := g.CheckSender("n1", "telegram", "p1", "hello there"); st != StatusBlocked {
		t.Fatalf("unknown peer = %s, want blocked", st)
	}

	code, err := g.GenerateCode("n1", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if st := g.CheckSender("n1", "telegram", "p1", "my code is "+code.Formatted); st != StatusPaired {
		t.Fatalf("code delivery = %s, want paired", st)
	}
	if st := g.CheckSender("n1", "telegram", "p1", "hello again"); st != StatusApproved {
		t.Fatalf("follow-up = %s, want approved", st)
	}

	// One-shot: the code died with the pairing.
	if st := g.CheckSender("n1", "telegram", "p2", code.Formatted); st != StatusBlocked {
		t.Fatalf("reused code = %s, want blocked", st)
	}
}

func TestCodeScopedToNodeAndChannel(t *testing.T) {
	g := newTestGuard(t)
	cfg := testPairingConfig()
	cfg.Channels = config.FlexibleStringSlice{"telegram", "discord"}
	g.Update(cfg)

	code, err := g.GenerateCode("n1", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if st := g.CheckSender("n1", "discord", "p1", code.Formatted); st != StatusBlocked {
		t.Fatalf("wrong channel = %s, want blocked", st)
	}
	if st := g.CheckSender("n2", "telegram", "p1", code.Formatted); st != StatusBlocked {
		t.Fatalf("wrong node = %s, want blocked", st)
	}
	if st := g.CheckSender("n1", "telegram", "p1", code.Formatted); st != StatusPaired {
		t.Fatalf("matching node and channel = %s, want paired", st)
	}
}

func TestCodeExpiryBoundary(t *testing.T) {
	g := newTestGuard(t)
	base := time.Now()
	g.now = func() time.Time { return base }

	code, err := g.GenerateCode("n1", "telegram")
	if err != nil {
		t.Fatal(err)
	}

	// Exactly at expiresAt the code still works.
	g.now = func() time.Time { return code.ExpiresAt }
	if st := g.CheckSender("n1", "telegram", "p1", code.Formatted); st != StatusPaired {
		t.Fatalf("at boundary = %s, want paired", st)
	}

	code2, err := g.GenerateCode("n1", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	g.now = func() time.Time { return code2.ExpiresAt.Add(time.Millisecond) }
	if st := g.CheckSender("n1", "telegram", "p2", code2.Formatted); st != StatusExpiredCode {
		t.Fatalf("past boundary = %s, want expired_code", st)
	}
}

func TestRateLimiting(t *testing.T) {
	g := newTestGuard(t)
	base := time.Now()
	g.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if st := g.CheckSender("n1", "telegram", "p1", "guess"); st != StatusBlocked {
			t.Fatalf("attempt %d = %s, want blocked", i+1, st)
		}
	}

	// Over the attempt budget even a valid code is refused.
	code, err := g.GenerateCode("n1", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if st := g.CheckSender("n1", "telegram", "p1", code.Formatted); st != StatusRateLimited {
		t.Fatalf("over budget = %s, want rate_limited", st)
	}

	// A fresh window lets the peer try again. The first code has
	// expired by now, so mint another.
	g.now = func() time.Time { return base.Add(61 * time.Second) }
	code, err = g.GenerateCode("n1", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if st := g.CheckSender("n1", "telegram", "p1", code.Formatted); st != StatusPaired {
		t.Fatalf("after window = %s, want paired", st)
	}

	// Other peers are unaffected by p1's window.
	if st := g.CheckSender("n1", "telegram", "p9", "guess"); st != StatusBlocked {
		t.Fatalf("other peer = %s, want blocked", st)
	}
}

func TestPairingClearsAttempts(t *testing.T) {
	g := newTestGuard(t)
	g.CheckSender("n1", "telegram", "p1", "guess")
	g.CheckSender("n1", "telegram", "p1", "guess")

	code, err := g.GenerateCode("n1", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if st := g.CheckSender("n1", "telegram", "p1", code.Formatted); st != StatusPaired {
		t.Fatalf("status = %s", st)
	}
	g.mu.Lock()
	_, ok := g.attempts[attemptKey("telegram", "p1")]
	g.mu.Unlock()
	if ok {
		t.Fatal("pairing should clear the attempt window")
	}
}

func TestPayloadNormalization(t *testing.T) {
	g := newTestGuard(t)
	cases := []struct {
		name    string
		payload func(c Code) string
	}{
		{"formatted with dash", func(c Code) string { return c.Formatted }},
		{"raw code", func(c Code) string { return c.Code }},
		{"lowercased", func(c Code) string { return strings.ToLower(c.Formatted) }},
		{"surrounded by prose", func(c Code) string { return "ok, the code: " + c.Formatted + "." }},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, err := g.GenerateCode("n1", "telegram")
			if err != nil {
				t.Fatal(err)
			}
			peer := string(rune('a' + i))
			if st := g.CheckSender("n1", "telegram", peer, tc.payload(code)); st != StatusPaired {
				t.Fatalf("status = %s", st)
			}
		})
	}
}

func TestGenerateCodeShape(t *testing.T) {
	g := newTestGuard(t)
	code, err := g.GenerateCode("n1", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(code.Code) != 8 {
		t.Fatalf("code length = %d", len(code.Code))
	}
	if len(code.Formatted) != 9 || code.Formatted[4] != '-' {
		t.Fatalf("formatted = %q", code.Formatted)
	}
	for _, r := range code.Code {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Fatalf("code %q contains %q outside the alphabet", code.Code, r)
		}
	}
	if got := len(g.Codes()); got != 1 {
		t.Fatalf("outstanding codes = %d", got)
	}
}

func TestSweep(t *testing.T) {
	g := newTestGuard(t)
	base := time.Now()
	g.now = func() time.Time { return base }

	if _, err := g.GenerateCode("n1", "telegram"); err != nil {
		t.Fatal(err)
	}
	g.CheckSender("n1", "telegram", "p1", "guess")

	codes, windows := g.Sweep(base.Add(30 * time.Second))
	if codes != 0 || windows != 0 {
		t.Fatalf("early sweep removed %d codes, %d windows", codes, windows)
	}

	codes, windows = g.Sweep(base.Add(2 * time.Minute))
	if codes != 1 || windows != 1 {
		t.Fatalf("sweep removed %d codes, %d windows; want 1, 1", codes, windows)
	}
	if len(g.Codes()) != 0 {
		t.Fatal("expired code should be gone")
	}

	codes, windows = g.Sweep(base.Add(2 * time.Minute))
	if codes != 0 || windows != 0 {
		t.Fatalf("second sweep removed %d codes, %d windows", codes, windows)
	}
}

func TestApprovedAndRevoke(t *testing.T) {
	g := newTestGuard(t)
	code, _ := g.GenerateCode("n1", "telegram")
	g.CheckSender("n1", "telegram", "p1", code.Formatted)

	aps := g.Approved("telegram")
	if len(aps) != 1 || aps[0].PeerID != "p1" || aps[0].ChannelID != "telegram" {
		t.Fatalf("approved = %+v", aps)
	}
	if len(g.Approved("")) != 1 {
		t.Fatal("empty channel filter should list everything")
	}
	if len(g.Approved("discord")) != 0 {
		t.Fatal("other channel should be empty")
	}

	if !g.Revoke("telegram", "p1") {
		t.Fatal("revoke existing should report true")
	}
	if g.Revoke("telegram", "p1") {
		t.Fatal("second revoke should report false")
	}
	if st := g.CheckSender("n1", "telegram", "p1", "hi"); st != StatusBlocked {
		t.Fatalf("revoked peer = %s, want blocked", st)
	}
}

func TestApprovalPersistence(t *testing.T) {
	store := &fakeApprovalStore{}
	g := newTestGuard(t)
	g.SetSink(store)

	code, _ := g.GenerateCode("n1", "telegram")
	g.CheckSender("n1", "telegram", "p1", code.Formatted)

	store.mu.Lock()
	puts := len(store.puts)
	store.mu.Unlock()
	if puts != 1 {
		t.Fatalf("persisted %d approvals, want 1", puts)
	}

	// A fresh guard reloads the approval at boot.
	g2 := newTestGuard(t)
	if err := g2.LoadFrom(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	if st := g2.CheckSender("n1", "telegram", "p1", "hello"); st != StatusApproved {
		t.Fatalf("reloaded peer = %s, want approved", st)
	}
}
