package protocol

// Frame kinds. Direction is noted from the gateway's point of view.
const (
	KindNodeRegister    = "node.register"     // in
	KindNodeRegisterAck = "node.register.ack" // out
	KindNodeDeregister  = "node.deregister"   // in
	KindHeartbeatPing   = "heartbeat.ping"    // out
	KindHeartbeatPong   = "heartbeat.pong"    // in
	KindLaneMessage     = "lane.message"      // in/out
	KindLaneMessageAck  = "lane.message.ack"  // in
	KindSessionUpdate   = "session.update"    // out
	KindSessionIdentity = "session.identity.update" // in/out
	KindError           = "error"             // out

	KindDelegationRequest = "delegation.request" // in/out
	KindDelegationAccept  = "delegation.accept"  // in/out
	KindDelegationResult  = "delegation.result"  // in/out
	KindDelegationCancel  = "delegation.cancel"  // in/out
)

// Frame is the tagged union for every wire message. Kind selects which
// of the optional fields are meaningful; everything else is omitted on
// the wire. Fixture shape, register: {"kind":"node.register",
// "nodeId":"n1","token":"secret"} → ack: {"kind":"node.register.ack",
// "nodeId":"n1","sessionId":"<uuid>"}.
type Frame struct {
	Kind string `json:"kind"`

	// node.register / node.register.ack / node.deregister / session.update
	NodeID       string        `json:"nodeId,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Token        string        `json:"token,omitempty"`
	Signature    string        `json:"signature,omitempty"`
	PublicKey    string        `json:"publicKey,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	Reason       string        `json:"reason,omitempty"`

	// heartbeat.ping / heartbeat.pong (unix millis)
	Timestamp int64 `json:"timestamp,omitempty"`

	// lane.message / lane.message.ack
	Lane      string       `json:"lane,omitempty"`
	Message   *LaneMessage `json:"message,omitempty"`
	MessageID string       `json:"messageId,omitempty"`

	// session.update
	State string `json:"state,omitempty"`

	// session.identity.update
	Identity *Identity `json:"identity,omitempty"`

	// error
	Error *ErrorInfo `json:"error,omitempty"`

	// delegation.*
	Delegation *Delegation `json:"delegation,omitempty"`
}

// Capabilities is what a node advertises at registration.
type Capabilities struct {
	AgentTypes     []string `json:"agentTypes,omitempty"`
	AgentIDs       []string `json:"agentIds,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
	Channels       []string `json:"channels,omitempty"`
}

// LaneMessage is one queued unit of work for a node.
type LaneMessage struct {
	ID        string          `json:"id"`
	Lane      string          `json:"lane"`
	ChannelID string          `json:"channelId"`
	Payload   string          `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Routing   *RoutingContext `json:"routingContext,omitempty"`
}

// RoutingContext carries the attributes conversation scoping and agent
// bindings match on. MessageType is "dm" or "group"; for groups GroupID
// takes the place of PeerID in scope keys.
type RoutingContext struct {
	PeerID      string `json:"peerId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	AccountID   string `json:"accountId,omitempty"`
	MessageType string `json:"messageType,omitempty"`
}

// Identity is the small record a worker may update at any time.
type Identity struct {
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	ChannelType string `json:"channelType,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
}

// Equal reports deep equality; used to suppress no-op identity updates.
func (i *Identity) Equal(o *Identity) bool {
	if i == nil || o == nil {
		return i == o
	}
	return *i == *o
}

// ErrorInfo is the payload of an error frame. Status is HTTP-style.
type ErrorInfo struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Delegation is the shared payload for the four delegation kinds.
type Delegation struct {
	DelegationID string `json:"delegationId"`
	FromAgentID  string `json:"fromAgentId,omitempty"`
	ToAgentID    string `json:"toAgentId,omitempty"`
	Task         string `json:"task,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
	Status       string `json:"status,omitempty"` // completed | failed
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewError builds an error frame.
func NewError(title string, status int, detail string) *Frame {
	return &Frame{Kind: KindError, Error: &ErrorInfo{Title: title, Status: status, Detail: detail}}
}

// NewRegisterAck builds the ack for a successful registration.
func NewRegisterAck(nodeID, sessionID string) *Frame {
	return &Frame{Kind: KindNodeRegisterAck, NodeID: nodeID, SessionID: sessionID}
}

// NewPing builds a heartbeat ping stamped with ts (unix millis).
func NewPing(ts int64) *Frame {
	return &Frame{Kind: KindHeartbeatPing, Timestamp: ts}
}

// NewSessionUpdate builds a session.update notification.
func NewSessionUpdate(nodeID, sessionID, state string) *Frame {
	return &Frame{Kind: KindSessionUpdate, NodeID: nodeID, SessionID: sessionID, State: state}
}

// NewLaneMessage wraps msg in an outbound lane.message frame.
func NewLaneMessage(msg *LaneMessage) *Frame {
	return &Frame{Kind: KindLaneMessage, Lane: msg.Lane, Message: msg}
}
