// Package errcode is the flat error taxonomy for the gateway. Every
// condition the core emits is identified by an uppercase code carrying
// an HTTP-style status, a gRPC-style code, a domain, and an Expected
// flag consumed by the observer pipeline (expected errors are logged
// at lower severity and never alert).
package errcode

import "fmt"

// gRPC-style numeric codes. The gateway has no gRPC surface; these are
// labels for downstream observers, so the canonical numbers are
// declared locally rather than importing the grpc module for them.
const (
	GRPCOK                 = 0
	GRPCInvalidArgument    = 3
	GRPCDeadlineExceeded   = 4
	GRPCNotFound           = 5
	GRPCAlreadyExists      = 6
	GRPCPermissionDenied   = 7
	GRPCResourceExhausted  = 8
	GRPCFailedPrecondition = 9
	GRPCInternal           = 13
	GRPCUnavailable        = 14
	GRPCUnauthenticated    = 16
)

// Code identifies one error kind in the taxonomy.
type Code struct {
	ID       string // uppercase identifier, stable across releases
	Title    string // human-readable, used as the error frame title
	Status   int    // HTTP-style status
	GRPC     int    // gRPC-style code
	Domain   string // auth | registration | routing | session | conversation | protocol | config
	Expected bool   // true for conditions that are part of normal operation
}

// Auth domain.
var (
	AuthTokenMissing = Code{"AUTH_TOKEN_MISSING", "Authorization required", 401, GRPCUnauthenticated, "auth", true}
	AuthTokenInvalid = Code{"AUTH_TOKEN_INVALID", "Invalid credentials", 401, GRPCUnauthenticated, "auth", true}
	AuthTokenExpired = Code{"AUTH_TOKEN_EXPIRED", "Credentials expired", 401, GRPCUnauthenticated, "auth", true}
	AuthScope        = Code{"AUTH_INSUFFICIENT_SCOPE", "Insufficient scope", 403, GRPCPermissionDenied, "auth", true}
	AuthForbidden    = Code{"AUTH_FORBIDDEN", "Forbidden", 403, GRPCPermissionDenied, "auth", true}
	AuthKeyMismatch  = Code{"AUTH_KEY_MISMATCH", "Device key mismatch", 403, GRPCPermissionDenied, "auth", false}
	AuthTofuDisabled = Code{"AUTH_TOFU_DISABLED", "Unknown device key", 403, GRPCPermissionDenied, "auth", true}
)

// Registration domain.
var (
	NodeAlreadyRegistered = Code{"NODE_ALREADY_REGISTERED", "Node already registered", 409, GRPCAlreadyExists, "registration", true}
	NodeNotFound          = Code{"NODE_NOT_FOUND", "Node not found", 404, GRPCNotFound, "registration", true}
	AgentNotFound         = Code{"AGENT_NOT_FOUND", "Agent not found", 404, GRPCNotFound, "registration", true}
	CrossNodeDeregister   = Code{"CROSS_NODE_DEREGISTER", "Not the registering connection", 403, GRPCPermissionDenied, "registration", true}
	HeartbeatTimeout      = Code{"HEARTBEAT_TIMEOUT", "Heartbeat timeout", 408, GRPCDeadlineExceeded, "registration", true}
)

// Routing domain.
var (
	LaneOverflow       = Code{"LANE_OVERFLOW", "Lane overflow", 429, GRPCResourceExhausted, "routing", true}
	RoutingFailed      = Code{"MESSAGE_ROUTING_FAILED", "Message routing failed", 500, GRPCInternal, "routing", false}
	PairingRequired    = Code{"PAIRING_REQUIRED", "Pairing required", 403, GRPCPermissionDenied, "routing", true}
	PairingExpired     = Code{"PAIRING_EXPIRED", "Pairing code expired", 403, GRPCPermissionDenied, "routing", true}
	RateLimited        = Code{"RATE_LIMITED", "Rate limited", 429, GRPCResourceExhausted, "routing", true}
	DelegationNotFound = Code{"DELEGATION_NOT_FOUND", "Delegation not found", 404, GRPCNotFound, "routing", true}
	DelegationExists   = Code{"DELEGATION_EXISTS", "Delegation already exists", 409, GRPCAlreadyExists, "routing", true}
)

// Session domain.
var (
	InvalidTransition = Code{"SESSION_INVALID_TRANSITION", "Invalid session transition", 409, GRPCFailedPrecondition, "session", false}
	SessionExpired    = Code{"SESSION_EXPIRED", "Session expired", 410, GRPCNotFound, "session", true}
)

// Conversation domain.
var (
	MissingPeerID    = Code{"CONVERSATION_MISSING_PEER", "Missing peerId", 422, GRPCInvalidArgument, "conversation", false}
	MissingAccountID = Code{"CONVERSATION_MISSING_ACCOUNT", "Missing accountId", 422, GRPCInvalidArgument, "conversation", true}
)

// Protocol domain.
var (
	ParseError      = Code{"PROTOCOL_PARSE_ERROR", "Parse error", 400, GRPCInvalidArgument, "protocol", true}
	SchemaError     = Code{"PROTOCOL_SCHEMA_ERROR", "Schema error", 422, GRPCInvalidArgument, "protocol", true}
	FrameTooLarge   = Code{"PROTOCOL_FRAME_TOO_LARGE", "Frame too large", 413, GRPCResourceExhausted, "protocol", true}
	ConnectionLimit = Code{"PROTOCOL_CONNECTION_LIMIT", "Connection limit reached", 503, GRPCUnavailable, "protocol", true}
)

// Config domain.
var (
	InvalidConfig = Code{"CONFIG_INVALID", "Invalid config", 400, GRPCInvalidArgument, "config", false}
	ReloadFailed  = Code{"CONFIG_RELOAD_FAILED", "Reload failed", 500, GRPCInternal, "config", false}
)

// Collaborator timeouts (safe-call shims).
var (
	UpstreamTimeout = Code{"UPSTREAM_TIMEOUT", "Upstream timeout", 504, GRPCDeadlineExceeded, "routing", true}
)

// Error is a taxonomy condition with optional detail.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code.ID, e.Code.Title)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code.ID, e.Code.Title, e.Detail)
}

// New wraps a taxonomy code with detail text.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf is New with fmt.Sprintf detail.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Is makes errors.Is(err, otherCode) match on the code ID.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code.ID == e.Code.ID
}
