package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/auth"
)

// DeviceKeyStore persists trust-on-first-use pins. Timestamps are stored
// as Unix milliseconds.
type DeviceKeyStore struct {
	db *sql.DB
}

func NewDeviceKeyStore(db *sql.DB) *DeviceKeyStore {
	return &DeviceKeyStore{db: db}
}

func (s *DeviceKeyStore) PutDeviceKey(ctx context.Context, key auth.PinnedKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_keys (node_id, public_key, pinned_at, last_seen_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (node_id) DO UPDATE SET
		   public_key = excluded.public_key,
		   pinned_at = excluded.pinned_at,
		   last_seen_at = excluded.last_seen_at`,
		key.NodeID, key.PublicKey, key.PinnedAt.UnixMilli(), key.LastSeenAt.UnixMilli())
	return err
}

func (s *DeviceKeyStore) DeleteDeviceKey(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_keys WHERE node_id = ?`, nodeID)
	return err
}

func (s *DeviceKeyStore) ListDeviceKeys(ctx context.Context) ([]auth.PinnedKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, public_key, pinned_at, last_seen_at FROM device_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []auth.PinnedKey
	for rows.Next() {
		var k auth.PinnedKey
		var pinned, seen int64
		if err := rows.Scan(&k.NodeID, &k.PublicKey, &pinned, &seen); err != nil {
			return nil, err
		}
		k.PinnedAt = time.UnixMilli(pinned)
		k.LastSeenAt = time.UnixMilli(seen)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
