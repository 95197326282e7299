package pg

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/nodegate/internal/pairing"
)

// PGPairingStore persists sender approvals in Postgres.
type PGPairingStore struct {
	db *sql.DB
}

func NewPGPairingStore(db *sql.DB) *PGPairingStore {
	return &PGPairingStore{db: db}
}

func (s *PGPairingStore) PutApproval(ctx context.Context, a pairing.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_approvals (channel_id, peer_id, approved_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id, peer_id) DO UPDATE SET approved_at = EXCLUDED.approved_at`,
		a.ChannelID, a.PeerID, a.ApprovedAt)
	return err
}

func (s *PGPairingStore) DeleteApproval(ctx context.Context, channelID, peerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_approvals WHERE channel_id = $1 AND peer_id = $2`,
		channelID, peerID)
	return err
}

func (s *PGPairingStore) ListApprovals(ctx context.Context) ([]pairing.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, peer_id, approved_at FROM pairing_approvals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []pairing.Approval
	for rows.Next() {
		var a pairing.Approval
		if err := rows.Scan(&a.ChannelID, &a.PeerID, &a.ApprovedAt); err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
