package pg

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/nodegate/internal/auth"
)

// PGDeviceKeyStore persists trust-on-first-use pins in Postgres.
type PGDeviceKeyStore struct {
	db *sql.DB
}

func NewPGDeviceKeyStore(db *sql.DB) *PGDeviceKeyStore {
	return &PGDeviceKeyStore{db: db}
}

func (s *PGDeviceKeyStore) PutDeviceKey(ctx context.Context, key auth.PinnedKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_keys (node_id, public_key, pinned_at, last_seen_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (node_id) DO UPDATE SET
		   public_key = EXCLUDED.public_key,
		   pinned_at = EXCLUDED.pinned_at,
		   last_seen_at = EXCLUDED.last_seen_at`,
		key.NodeID, key.PublicKey, key.PinnedAt, key.LastSeenAt)
	return err
}

func (s *PGDeviceKeyStore) DeleteDeviceKey(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_keys WHERE node_id = $1`, nodeID)
	return err
}

func (s *PGDeviceKeyStore) ListDeviceKeys(ctx context.Context) ([]auth.PinnedKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, public_key, pinned_at, last_seen_at FROM device_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []auth.PinnedKey
	for rows.Next() {
		var k auth.PinnedKey
		if err := rows.Scan(&k.NodeID, &k.PublicKey, &k.PinnedAt, &k.LastSeenAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
