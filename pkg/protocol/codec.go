package protocol

import (
	"encoding/json"
	"fmt"
)

// ParseError means the payload was not valid JSON at all. Maps to an
// outbound error frame with status 400.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError means the JSON was well formed but the frame is unknown
// or incomplete. Maps to an outbound error frame with status 422.
type SchemaError struct {
	Detail string
}

func (e *SchemaError) Error() string { return "schema error: " + e.Detail }

// Decode parses a single wire frame. Callers distinguish *ParseError
// (malformed JSON, 400) from *SchemaError (unknown or incomplete
// frame, 422); neither closes the connection by itself.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, &ParseError{Err: fmt.Errorf("empty frame")}
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ParseError{Err: err}
	}

	if err := validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode serializes a frame. Marshalling a Frame cannot fail for the
// types it carries, but the error is propagated for symmetry.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// validate enforces the per-kind required fields.
func validate(f *Frame) error {
	switch f.Kind {
	case "":
		return &SchemaError{Detail: "missing kind"}

	case KindNodeRegister:
		if f.NodeID == "" {
			return &SchemaError{Detail: "node.register: missing nodeId"}
		}

	case KindNodeRegisterAck:
		if f.NodeID == "" || f.SessionID == "" {
			return &SchemaError{Detail: "node.register.ack: missing nodeId or sessionId"}
		}

	case KindNodeDeregister:
		if f.NodeID == "" {
			return &SchemaError{Detail: "node.deregister: missing nodeId"}
		}

	case KindHeartbeatPing, KindHeartbeatPong:
		// timestamp may legitimately be zero from naive clients; accept.

	case KindLaneMessage:
		if f.Message == nil {
			return &SchemaError{Detail: "lane.message: missing message"}
		}
		lane := f.Lane
		if lane == "" {
			lane = f.Message.Lane
		}
		if !ValidLane(lane) {
			return &SchemaError{Detail: fmt.Sprintf("lane.message: unknown lane %q", lane)}
		}
		if f.Message.ID == "" {
			return &SchemaError{Detail: "lane.message: missing message.id"}
		}

	case KindLaneMessageAck:
		if f.MessageID == "" {
			return &SchemaError{Detail: "lane.message.ack: missing messageId"}
		}

	case KindSessionUpdate:
		if f.NodeID == "" || f.State == "" {
			return &SchemaError{Detail: "session.update: missing nodeId or state"}
		}

	case KindSessionIdentity:
		if f.Identity == nil {
			return &SchemaError{Detail: "session.identity.update: missing identity"}
		}

	case KindError:
		if f.Error == nil {
			return &SchemaError{Detail: "error: missing error payload"}
		}

	case KindDelegationRequest, KindDelegationAccept, KindDelegationResult, KindDelegationCancel:
		if f.Delegation == nil || f.Delegation.DelegationID == "" {
			return &SchemaError{Detail: f.Kind + ": missing delegation or delegationId"}
		}
		if f.Kind == KindDelegationRequest && f.Delegation.ToAgentID == "" {
			return &SchemaError{Detail: "delegation.request: missing toAgentId"}
		}

	default:
		return &SchemaError{Detail: fmt.Sprintf("unknown kind %q", f.Kind)}
	}
	return nil
}
