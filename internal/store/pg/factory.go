package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/nodegate/internal/store"
)

// NewPGStores opens Postgres and wires all stores to the shared handle.
// Callers run `nodegate migrate up` before first start; the stores
// assume the schema exists.
func NewPGStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &store.Stores{
		DeviceKeys:  NewPGDeviceKeyStore(db),
		Pairing:     NewPGPairingStore(db),
		Delegations: NewPGDelegationStore(db),
		DB:          db,
	}, nil
}
