// Package protocol defines the wire contract between the gateway and
// worker nodes: JSON text frames over WebSocket, one object per frame,
// discriminated by the required "kind" field.
package protocol

// ProtocolVersion is bumped on any backward-incompatible frame change.
const ProtocolVersion = 1

// WebSocket close codes used by the gateway.
const (
	CloseNormal        = 1000 // clean shutdown requested by either side
	CloseGoingAway     = 1001 // gateway stopping
	CloseAbnormal      = 1006 // transport dropped without a close frame
	CloseAuthInvalid   = 4401 // auth missing, malformed, or failed verification
	CloseAuthForbidden = 4403 // credential valid but not allowed (mode, key mismatch, TOFU off)
)

// Lanes, in strict service-priority order.
const (
	LaneSteer    = "steer"
	LaneCollect  = "collect"
	LaneFollowup = "followup"
)

// Lanes lists all lanes in priority order (steer served first).
var Lanes = []string{LaneSteer, LaneCollect, LaneFollowup}

// ValidLane reports whether s names a known lane.
func ValidLane(s string) bool {
	switch s {
	case LaneSteer, LaneCollect, LaneFollowup:
		return true
	}
	return false
}

// Message types carried in a routing context.
const (
	MessageTypeDM    = "dm"
	MessageTypeGroup = "group"
)

// Session states reported in session.update frames.
const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateIdle         = "idle"
	StateSuspended    = "suspended"
	StateDisconnected = "disconnected"
)

// Delegation result statuses.
const (
	DelegationCompleted = "completed"
	DelegationFailed    = "failed"
)
