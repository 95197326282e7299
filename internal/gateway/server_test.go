package gateway

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nodegate/internal/bus"
	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, addr := newTestGateway(t, nil)

	for _, tc := range []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong token", "nope"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			if tc.token != "" {
				header.Set("Authorization", "Bearer "+tc.token)
			}
			conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
			if err == nil {
				conn.Close()
				t.Fatal("handshake succeeded without a valid token")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401 handshake response, got %+v", resp)
			}
		})
	}
}

func TestConnectionLimit(t *testing.T) {
	_, addr := newTestGateway(t, func(cfg *config.Config) {
		cfg.Gateway.MaxConnections = 1
	})

	first := dialWS(t, addr, "secret")
	registerNode(t, first, "n1", nil)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws",
		http.Header{"Authorization": []string{"Bearer secret"}})
	if err == nil {
		t.Fatal("second connection was admitted past the limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestSchemaErrorHandling(t *testing.T) {
	t.Run("flood disconnects with 1008", func(t *testing.T) {
		_, addr := newTestGateway(t, func(cfg *config.Config) {
			cfg.Gateway.SchemaErrorLimit = 3
		})
		conn := dialWS(t, addr, "secret")

		for i := 0; i < 3; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"bogus"}`)); err != nil {
				t.Fatalf("write %d: %v", i, err)
			}
		}
		for i := 0; i < 3; i++ {
			f := readFrame(t, conn)
			if f.Kind != protocol.KindError || f.Error.Status != 422 {
				t.Fatalf("reply %d = %+v, want 422 error", i, f)
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("expected close 1008, got %v", err)
		}
	})

	t.Run("parse errors do not count toward the limit", func(t *testing.T) {
		_, addr := newTestGateway(t, func(cfg *config.Config) {
			cfg.Gateway.SchemaErrorLimit = 3
		})
		conn := dialWS(t, addr, "secret")

		for i := 0; i < 5; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
				t.Fatalf("write %d: %v", i, err)
			}
		}
		for i := 0; i < 5; i++ {
			f := readFrame(t, conn)
			if f.Kind != protocol.KindError || f.Error.Status != 400 {
				t.Fatalf("reply %d = %+v, want 400 error", i, f)
			}
		}
		registerNode(t, conn, "n1", nil)
	})

	t.Run("valid frame resets the counter", func(t *testing.T) {
		_, addr := newTestGateway(t, func(cfg *config.Config) {
			cfg.Gateway.SchemaErrorLimit = 3
		})
		conn := dialWS(t, addr, "secret")

		bad := []byte(`{"kind":"lane.message"}`)
		for _, raw := range [][]byte{bad, bad} {
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		sendFrame(t, conn, &protocol.Frame{Kind: protocol.KindHeartbeatPing})
		for _, raw := range [][]byte{bad, bad} {
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				t.Fatalf("write: %v", err)
			}
		}

		wantKinds := []string{protocol.KindError, protocol.KindError,
			protocol.KindHeartbeatPong, protocol.KindError, protocol.KindError}
		for i, want := range wantKinds {
			if f := readFrame(t, conn); f.Kind != want {
				t.Fatalf("reply %d = %s, want %s", i, f.Kind, want)
			}
		}
		// Four schema errors total but never three in a row: still open.
		registerNode(t, conn, "n1", nil)
	})
}

func TestOversizedFrameGetsErrorFrame(t *testing.T) {
	_, addr := newTestGateway(t, func(cfg *config.Config) {
		cfg.Gateway.MaxFrameBytes = 200
	})
	conn := dialWS(t, addr, "secret")

	if err := conn.WriteMessage(websocket.TextMessage, bytes.Repeat([]byte("x"), 500)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Kind != protocol.KindError || f.Error.Status != 413 {
		t.Fatalf("expected 413 error frame, got %+v", f)
	}

	// The connection survives an oversized frame.
	registerNode(t, conn, "n1", nil)
}

func TestFrameRateLimit(t *testing.T) {
	_, addr := newTestGateway(t, func(cfg *config.Config) {
		cfg.Gateway.MaxFramesPerSecond = 1
	})
	conn := dialWS(t, addr, "secret")

	sendFrame(t, conn, &protocol.Frame{
		Kind: protocol.KindNodeRegister, NodeID: "n1", Token: "secret",
	})
	for i := 0; i < 4; i++ {
		sendFrame(t, conn, &protocol.Frame{Kind: protocol.KindHeartbeatPing})
	}

	if f := readFrame(t, conn); f.Kind != protocol.KindNodeRegisterAck {
		t.Fatalf("first reply = %s, want register ack", f.Kind)
	}
	limited := 0
	for i := 0; i < 4; i++ {
		f := readFrame(t, conn)
		switch f.Kind {
		case protocol.KindError:
			if f.Error.Status != 429 {
				t.Fatalf("error status = %d, want 429", f.Error.Status)
			}
			limited++
		case protocol.KindHeartbeatPong:
		default:
			t.Fatalf("unexpected reply kind %s", f.Kind)
		}
	}
	if limited == 0 {
		t.Fatal("no frame was rate limited")
	}
}

func TestPairingGateOverWire(t *testing.T) {
	g, addr := newTestGateway(t, func(cfg *config.Config) {
		cfg.Pairing.Enabled = true
		cfg.Pairing.Channels = config.FlexibleStringSlice{"whatsapp"}
	})
	conn := dialWS(t, addr, "secret")
	registerNode(t, conn, "n1", nil)
	g.Router().BindChannel("whatsapp", "n1")

	dm := func(id, payload string) *protocol.Frame {
		return &protocol.Frame{
			Kind: protocol.KindLaneMessage,
			Message: &protocol.LaneMessage{
				ID:        id,
				Lane:      protocol.LaneCollect,
				ChannelID: "whatsapp",
				Payload:   payload,
				Routing:   &protocol.RoutingContext{PeerID: "p1", MessageType: protocol.MessageTypeDM},
			},
		}
	}

	// Unpaired peer is blocked.
	sendFrame(t, conn, dm("m1", "hello"))
	f := readFrame(t, conn)
	if f.Kind != protocol.KindError || f.Error.Status != 403 || f.Error.Title != "Pairing required" {
		t.Fatalf("expected pairing-required error, got %+v", f)
	}

	// A DM carrying a valid code is consumed, not routed: one ack, no
	// delivery.
	code, err := g.Guard().GenerateCode("n1", "whatsapp")
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	sendFrame(t, conn, dm("m2", "pair me "+code.Formatted))
	if f := readFrame(t, conn); f.Kind != protocol.KindLaneMessageAck || f.MessageID != "m2" {
		t.Fatalf("expected ack for consumed code, got %+v", f)
	}

	approved := g.Guard().Approved("whatsapp")
	if len(approved) != 1 || approved[0].PeerID != "p1" {
		t.Fatalf("approved = %+v, want p1", approved)
	}

	// Paired traffic routes normally: ack plus delivery.
	sendFrame(t, conn, dm("m3", "hello again"))
	kinds := map[string]bool{}
	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		kinds[f.Kind] = true
		if f.Kind == protocol.KindLaneMessage && f.Message.ID != "m3" {
			t.Fatalf("delivered %q, want m3", f.Message.ID)
		}
	}
	if !kinds[protocol.KindLaneMessageAck] || !kinds[protocol.KindLaneMessage] {
		t.Fatalf("got kinds %v, want ack and delivery", kinds)
	}
}

func TestLaneOverflowDropsOldest(t *testing.T) {
	g, addr := newTestGateway(t, func(cfg *config.Config) {
		cfg.Dispatch.LaneCapacity = 3
	})
	conn := dialWS(t, addr, "secret")
	registerNode(t, conn, "n1", nil)
	g.Router().BindChannel("c1", "n1")

	// Suspend the node so nothing drains while we overfill the lane.
	conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		n, ok := g.Registry().Get("n1")
		return ok && n.ConnID == ""
	}, "node never suspended")

	var overflows atomic.Int64
	g.Events().Subscribe("overflow-test", func(e bus.Event) {
		if e.Name == bus.EventLaneOverflow {
			overflows.Add(1)
		}
	})
	defer g.Events().Unsubscribe("overflow-test")

	for i := 1; i <= 5; i++ {
		if _, err := g.routeMessage(&protocol.LaneMessage{
			ID:        fmt.Sprintf("m%d", i),
			Lane:      protocol.LaneSteer,
			ChannelID: "c1",
		}); err != nil {
			t.Fatalf("route m%d: %v", i, err)
		}
	}

	if n := overflows.Load(); n != 2 {
		t.Fatalf("overflow events = %d, want 2", n)
	}
	d, ok := g.dispatchers.Get("n1")
	if !ok {
		t.Fatal("dispatcher missing for suspended node")
	}
	if size := d.QueueSize(protocol.LaneSteer); size != 3 {
		t.Fatalf("steer queue = %d, want 3", size)
	}
	var ids []string
	for _, m := range d.Drain() {
		ids = append(ids, m.ID)
	}
	if want := []string{"m3", "m4", "m5"}; len(ids) != 3 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] {
		t.Fatalf("drained %v, want %v", ids, want)
	}
}

// signRegisterJWT mints the EdDSA register token a node presents in
// ed25519 mode.
func signRegisterJWT(t *testing.T, nodeID string, priv ed25519.PrivateKey) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   nodeID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func TestTofuKeyPinning(t *testing.T) {
	g, addr := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.Mode = "ed25519"
	})

	pub1, priv1, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub2, priv2, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// First registration pins the key.
	a := dialWS(t, addr, "")
	sendFrame(t, a, &protocol.Frame{
		Kind:      protocol.KindNodeRegister,
		NodeID:    "n-ed",
		Signature: signRegisterJWT(t, "n-ed", priv1),
		PublicKey: base64.StdEncoding.EncodeToString(pub1),
	})
	ack := readFrame(t, a)
	if ack.Kind != protocol.KindNodeRegisterAck {
		t.Fatalf("expected ack, got %+v", ack)
	}
	firstSession := ack.SessionID

	// A different key for the same node is refused and the socket is
	// closed with 4403.
	b := dialWS(t, addr, "")
	sendFrame(t, b, &protocol.Frame{
		Kind:      protocol.KindNodeRegister,
		NodeID:    "n-ed",
		Signature: signRegisterJWT(t, "n-ed", priv2),
		PublicKey: base64.StdEncoding.EncodeToString(pub2),
	})
	f := readFrame(t, b)
	if f.Kind != protocol.KindError || f.Error.Status != 403 {
		t.Fatalf("expected 403 error, got %+v", f)
	}
	if !strings.Contains(f.Error.Detail, "mismatch") {
		t.Fatalf("detail %q does not mention the mismatch", f.Error.Detail)
	}
	_ = b.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := b.ReadMessage(); !websocket.IsCloseError(err, protocol.CloseAuthForbidden) {
		t.Fatalf("expected close 4403, got %v", err)
	}

	// The pinned key keeps working across reconnects.
	a.Close()
	waitFor(t, 2*time.Second, func() bool {
		n, ok := g.Registry().Get("n-ed")
		return ok && n.ConnID == ""
	}, "node never suspended")

	c := dialWS(t, addr, "")
	sendFrame(t, c, &protocol.Frame{
		Kind:      protocol.KindNodeRegister,
		NodeID:    "n-ed",
		Signature: signRegisterJWT(t, "n-ed", priv1),
		PublicKey: base64.StdEncoding.EncodeToString(pub1),
	})
	ack = readFrame(t, c)
	if ack.Kind != protocol.KindNodeRegisterAck {
		t.Fatalf("expected resume ack, got %+v", ack)
	}
	if ack.SessionID != firstSession {
		t.Fatalf("resume session %q, want %q", ack.SessionID, firstSession)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, addr := newTestGateway(t, nil)
	conn := dialWS(t, addr, "secret")
	registerNode(t, conn, "n1", nil)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
		Nodes    int    `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Protocol != protocol.ProtocolVersion || body.Nodes != 1 {
		t.Fatalf("health = %+v", body)
	}
}

func TestAdminEndpoints(t *testing.T) {
	g, addr := newTestGateway(t, nil)
	conn := dialWS(t, addr, "secret")
	registerNode(t, conn, "n1", &protocol.Capabilities{AgentIDs: []string{"bot"}})

	base := "http://" + addr
	do := func(t *testing.T, method, path, body string, auth bool) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, base+path, strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if auth {
			req.Header.Set("Authorization", "Bearer secret")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("requires bearer token", func(t *testing.T) {
		if resp := do(t, "GET", "/v1/nodes", "", false); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("lists nodes", func(t *testing.T) {
		resp := do(t, "GET", "/v1/nodes", "", true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var out struct {
			Nodes []nodeView `json:"nodes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Nodes) != 1 || out.Nodes[0].NodeID != "n1" || !out.Nodes[0].Connected {
			t.Fatalf("nodes = %+v", out.Nodes)
		}
		if out.Nodes[0].State != "connected" {
			t.Fatalf("state = %q, want connected", out.Nodes[0].State)
		}
	})

	t.Run("channel binding lifecycle", func(t *testing.T) {
		if resp := do(t, "PUT", "/v1/channels/web/binding", `{"nodeId":"n1"}`, true); resp.StatusCode != http.StatusOK {
			t.Fatalf("bind status = %d, want 200", resp.StatusCode)
		}
		if got := g.Router().ChannelBindings()["web"]; got != "n1" {
			t.Fatalf("binding = %q, want n1", got)
		}
		if resp := do(t, "DELETE", "/v1/channels/web/binding", "", true); resp.StatusCode != http.StatusOK {
			t.Fatalf("unbind status = %d, want 200", resp.StatusCode)
		}
		if resp := do(t, "DELETE", "/v1/channels/web/binding", "", true); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("second unbind status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("mints pairing codes", func(t *testing.T) {
		resp := do(t, "POST", "/v1/pairing/codes", `{"nodeId":"n1","channelId":"wa"}`, true)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want 201", resp.StatusCode)
		}
		var out struct {
			Code struct {
				Formatted string `json:"formatted"`
			} `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Code.Formatted) != 9 || out.Code.Formatted[4] != '-' {
			t.Fatalf("formatted code = %q, want XXXX-XXXX", out.Code.Formatted)
		}
	})

	t.Run("approved list requires channel", func(t *testing.T) {
		if resp := do(t, "GET", "/v1/pairing/approved", "", true); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		if resp := do(t, "GET", "/v1/pairing/approved?channel=wa", "", true); resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("lists delegations", func(t *testing.T) {
		resp := do(t, "GET", "/v1/delegations", "", true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestStopRefusesNewConnections(t *testing.T) {
	g, addr := newTestGateway(t, nil)
	g.Stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws",
		http.Header{"Authorization": []string{"Bearer secret"}})
	if err != nil {
		// The listener may already be gone; either refusal is correct.
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected close 1001, got %v", err)
	}
}
