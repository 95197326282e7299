package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/pairing"
)

// PairingStore persists sender approvals keyed by (channel, peer).
type PairingStore struct {
	db *sql.DB
}

func NewPairingStore(db *sql.DB) *PairingStore {
	return &PairingStore{db: db}
}

func (s *PairingStore) PutApproval(ctx context.Context, a pairing.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_approvals (channel_id, peer_id, approved_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (channel_id, peer_id) DO UPDATE SET approved_at = excluded.approved_at`,
		a.ChannelID, a.PeerID, a.ApprovedAt.UnixMilli())
	return err
}

func (s *PairingStore) DeleteApproval(ctx context.Context, channelID, peerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_approvals WHERE channel_id = ? AND peer_id = ?`,
		channelID, peerID)
	return err
}

func (s *PairingStore) ListApprovals(ctx context.Context) ([]pairing.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, peer_id, approved_at FROM pairing_approvals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []pairing.Approval
	for rows.Next() {
		var a pairing.Approval
		var at int64
		if err := rows.Scan(&a.ChannelID, &a.PeerID, &at); err != nil {
			return nil, err
		}
		a.ApprovedAt = time.UnixMilli(at)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
