package nodeclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/gateway"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway boots a real gateway on a loopback listener; the client
// under test talks to it over an actual socket.
func startGateway(t *testing.T, mutate func(*config.Config)) (*gateway.Gateway, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Token = "secret"
	cfg.Gateway.MaxFramesPerSecond = 0
	if mutate != nil {
		mutate(cfg)
	}

	g := gateway.New(cfg, nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	addr, start := gateway.StartTestServer(g.Server(), ctx)
	go start()
	t.Cleanup(func() {
		cancel()
		g.Stop()
	})
	return g, addr
}

func dialClient(t *testing.T, addr, nodeID string, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:    "ws://" + addr + "/ws",
		NodeID: nodeID,
		Token:  "secret",
		Logger: testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("dial %s: %v", nodeID, err)
	}
	t.Cleanup(c.Close)
	return c
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestClientProduceDeliverAck(t *testing.T) {
	g, addr := startGateway(t, nil)

	producer := dialClient(t, addr, "producer", nil)
	worker := dialClient(t, addr, "worker", nil)
	g.Router().BindChannel("webchat", "worker")

	err := producer.SendMessage(context.Background(), &protocol.LaneMessage{
		ID:        "m1",
		Lane:      protocol.LaneCollect,
		ChannelID: "webchat",
		Payload:   "hello",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got := recv(t, worker.Messages(), "delivered message")
	if got.ID != "m1" || got.Payload != "hello" {
		t.Fatalf("delivered %+v, want id m1 payload hello", got)
	}

	ack := recv(t, producer.Frames(), "producer ack")
	if ack.Kind != protocol.KindLaneMessageAck || ack.MessageID != "m1" {
		t.Fatalf("producer got %s/%s, want lane.message.ack for m1", ack.Kind, ack.MessageID)
	}

	// The client acks deliveries on its own once they are buffered.
	waitFor(t, time.Second, func() bool { return g.Tracker().PendingCount("worker") == 0 },
		"delivery never acked")
}

func TestClientDeregister(t *testing.T) {
	g, addr := startGateway(t, nil)
	c := dialClient(t, addr, "n1", nil)

	if err := c.Deregister(context.Background()); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	ci := recv(t, c.Closed(), "close info")
	if ci.Code != protocol.CloseNormal {
		t.Fatalf("close code %d, want %d", ci.Code, protocol.CloseNormal)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := g.Registry().Get("n1")
		return !ok
	}, "node still registered after deregister")
}

func TestClientGatewayShutdown(t *testing.T) {
	g, addr := startGateway(t, nil)
	c := dialClient(t, addr, "n1", nil)

	go g.Stop()
	ci := recv(t, c.Closed(), "close info")
	if ci.Code != protocol.CloseGoingAway {
		t.Fatalf("close code %d, want %d", ci.Code, protocol.CloseGoingAway)
	}
}

func TestClientDeviceKeyRegister(t *testing.T) {
	_, addr := startGateway(t, func(cfg *config.Config) {
		cfg.Auth.Mode = "ed25519"
	})

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	c := dialClient(t, addr, "n-dev", func(o *Options) {
		o.Token = ""
		o.Signer = DeviceSigner(priv)
	})
	if c.SessionID() == "" {
		t.Fatal("register ack carried no sessionId")
	}

	// Identity updates that change something echo back on Frames.
	err = c.UpdateIdentity(context.Background(), &protocol.Identity{DisplayName: "Crawler"})
	if err != nil {
		t.Fatalf("update identity: %v", err)
	}
	echo := recv(t, c.Frames(), "identity echo")
	if echo.Kind != protocol.KindSessionIdentity {
		t.Fatalf("echo kind %s, want %s", echo.Kind, protocol.KindSessionIdentity)
	}
	if echo.Identity == nil || echo.Identity.DisplayName != "Crawler" {
		t.Fatalf("echo identity %+v, want displayName Crawler", echo.Identity)
	}
}

func TestClientSignerRejected(t *testing.T) {
	_, addr := startGateway(t, func(cfg *config.Config) {
		cfg.Auth.Mode = "ed25519"
	})

	pubOther, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// Signs with one key but advertises an unrelated public key, so the
	// gateway's signature check fails.
	badSigner := func(nodeID string) (string, string, error) {
		sig, _, err := DeviceSigner(priv)(nodeID)
		if err != nil {
			return "", "", err
		}
		return sig, base64.StdEncoding.EncodeToString(pubOther), nil
	}

	_, err = Dial(context.Background(), Options{
		URL:    "ws://" + addr + "/ws",
		NodeID: "n-bad",
		Signer: badSigner,
		Logger: testLogger(),
	})
	if err == nil {
		t.Fatal("dial succeeded with a mismatched device key")
	}
	var ge *GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("error %v (%T), want *GatewayError", err, err)
	}
	if ge.Status != 401 {
		t.Fatalf("status %d, want 401", ge.Status)
	}
}

func TestClientDelegationRelay(t *testing.T) {
	_, addr := startGateway(t, nil)

	a := dialClient(t, addr, "node-a", func(o *Options) {
		o.Capabilities = &protocol.Capabilities{AgentIDs: []string{"alpha"}}
	})
	b := dialClient(t, addr, "node-b", func(o *Options) {
		o.Capabilities = &protocol.Capabilities{AgentIDs: []string{"beta"}}
	})

	err := a.Delegate(context.Background(), &protocol.Delegation{
		DelegationID: "d1",
		FromAgentID:  "alpha",
		ToAgentID:    "beta",
		Task:         "summarize the thread",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	req := recv(t, b.Frames(), "delegation request")
	if req.Kind != protocol.KindDelegationRequest || req.Delegation == nil || req.Delegation.DelegationID != "d1" {
		t.Fatalf("request frame %+v", req)
	}

	err = b.SendFrame(context.Background(), &protocol.Frame{
		Kind:       protocol.KindDelegationAccept,
		Delegation: &protocol.Delegation{DelegationID: "d1"},
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	acc := recv(t, a.Frames(), "delegation accept")
	if acc.Kind != protocol.KindDelegationAccept {
		t.Fatalf("accept frame kind %s", acc.Kind)
	}

	err = b.SendFrame(context.Background(), &protocol.Frame{
		Kind: protocol.KindDelegationResult,
		Delegation: &protocol.Delegation{
			DelegationID: "d1",
			Status:       "completed",
			Output:       "done",
		},
	})
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	res := recv(t, a.Frames(), "delegation result")
	if res.Kind != protocol.KindDelegationResult || res.Delegation == nil || res.Delegation.Output != "done" {
		t.Fatalf("result frame %+v", res)
	}
}

func TestCloseInfoFrom(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want CloseInfo
	}{
		{
			name: "close frame",
			err:  websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "deregistered"},
			want: CloseInfo{Code: 1000, Reason: "deregistered"},
		},
		{
			name: "wrapped close frame",
			err:  fmt.Errorf("read: %w", websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "too many schema errors"}),
			want: CloseInfo{Code: 1008, Reason: "too many schema errors"},
		},
		{
			name: "torn socket",
			err:  errors.New("connection reset by peer"),
			want: CloseInfo{Code: 1006, Reason: "connection reset by peer"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := closeInfoFrom(tt.err); got != tt.want {
				t.Fatalf("closeInfoFrom() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTerminalClose(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{protocol.CloseNormal, true},
		{protocol.CloseAuthInvalid, true},
		{protocol.CloseAuthForbidden, true},
		{1008, true},
		{protocol.CloseGoingAway, false},
		{protocol.CloseAbnormal, false},
	}
	for _, tt := range tests {
		if got := terminalClose(tt.code); got != tt.want {
			t.Errorf("terminalClose(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
