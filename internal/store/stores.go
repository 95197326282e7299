package store

import (
	"context"
	"io"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/auth"
	"github.com/nextlevelbuilder/nodegate/internal/pairing"
)

// Stores is the top-level container for all storage backends.
// Routing state (channel bindings, conversation affinity) is deliberately
// absent: it lives in memory and is rebuilt from node registrations.
type Stores struct {
	DeviceKeys  DeviceKeyStore
	Pairing     PairingStore
	Delegations DelegationStore

	// DB owns the shared database handle; factories set it so the
	// gateway can release it on shutdown.
	DB io.Closer
}

// DeviceKeyStore persists trust-on-first-use pins so a restart does not
// re-open the first-contact window for already-known nodes.
type DeviceKeyStore interface {
	auth.DeviceKeySink
	auth.DeviceKeySource
}

// PairingStore persists sender approvals. Codes are never persisted;
// they are short-lived and a restart simply invalidates them.
type PairingStore interface {
	pairing.ApprovalSink
	pairing.ApprovalSource
	DeleteApproval(ctx context.Context, channelID, peerID string) error
}

// DelegationRecord is one agent-to-agent task handoff, written when the
// request is first routed and updated when a result or cancel arrives.
type DelegationRecord struct {
	DelegationID string     `json:"delegationId"`
	FromAgentID  string     `json:"fromAgentId"`
	ToAgentID    string     `json:"toAgentId"`
	Task         string     `json:"task"`
	Status       string     `json:"status"` // pending, accepted, completed, failed, cancelled
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// DelegationListOpts filters ListDelegations. Zero values mean "any".
type DelegationListOpts struct {
	FromAgentID string
	ToAgentID   string
	Status      string
	Limit       int // <=0 or >200 clamps to 50
}

// DelegationStore keeps delegation history for the admin surface.
type DelegationStore interface {
	SaveDelegation(ctx context.Context, rec DelegationRecord) error
	UpdateDelegation(ctx context.Context, delegationID, status, output, errMsg string, completedAt time.Time) error
	GetDelegation(ctx context.Context, delegationID string) (*DelegationRecord, error)
	ListDelegations(ctx context.Context, opts DelegationListOpts) ([]DelegationRecord, error)
}

// Close releases the shared database handle. Safe on a partially
// initialized container.
func (s *Stores) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
