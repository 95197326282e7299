package errcode

import (
	"errors"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(NodeNotFound, "node-a")
	want := "NODE_NOT_FOUND: Node not found: node-a"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &Error{Code: RateLimited}
	if bare.Error() != "RATE_LIMITED: Rate limited" {
		t.Fatalf("bare Error() = %q", bare.Error())
	}
}

func TestErrorsIsMatchesOnCode(t *testing.T) {
	err := Newf(LaneOverflow, "node %s lane %s", "n1", "steer")
	if !errors.Is(err, New(LaneOverflow, "")) {
		t.Fatal("errors.Is should match same code regardless of detail")
	}
	if errors.Is(err, New(RateLimited, "")) {
		t.Fatal("errors.Is should not match a different code")
	}
}

func TestTaxonomyShape(t *testing.T) {
	codes := []Code{
		AuthTokenMissing, AuthTokenInvalid, AuthTokenExpired, AuthScope,
		AuthForbidden, AuthKeyMismatch, AuthTofuDisabled,
		NodeAlreadyRegistered, NodeNotFound, AgentNotFound,
		CrossNodeDeregister, HeartbeatTimeout,
		LaneOverflow, RoutingFailed, PairingRequired, PairingExpired, RateLimited,
		InvalidTransition, SessionExpired,
		MissingPeerID, MissingAccountID,
		ParseError, SchemaError, FrameTooLarge, ConnectionLimit,
		InvalidConfig, ReloadFailed, UpstreamTimeout,
	}
	seen := map[string]bool{}
	for _, c := range codes {
		if c.ID == "" || c.Title == "" || c.Domain == "" {
			t.Errorf("incomplete code %+v", c)
		}
		if c.Status < 400 || c.Status > 599 {
			t.Errorf("%s: status %d out of range", c.ID, c.Status)
		}
		if seen[c.ID] {
			t.Errorf("duplicate code ID %s", c.ID)
		}
		seen[c.ID] = true
	}
}
