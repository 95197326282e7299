package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/store"
	"github.com/nextlevelbuilder/nodegate/internal/store/pg"
	"github.com/nextlevelbuilder/nodegate/internal/store/sqlite"
	"github.com/nextlevelbuilder/nodegate/internal/upgrade"
)

// openStores builds the persistence container for the configured mode.
// Standalone opens (creating if needed) the sqlite file; managed expects
// a migrated Postgres reachable through NODEGATE_POSTGRES_DSN.
func openStores(cfg *config.Config, log *slog.Logger) (*store.Stores, error) {
	if cfg.Database.Mode == "managed" {
		dsn := cfg.Database.PostgresDSN
		if dsn == "" {
			return nil, errors.New("database.mode is managed but NODEGATE_POSTGRES_DSN is not set")
		}
		if err := checkManagedSchema(dsn); err != nil {
			return nil, err
		}
		stores, err := pg.NewPGStores(dsn)
		if err != nil {
			return nil, err
		}
		log.Info("store.postgres_ready")
		return stores, nil
	}

	path := cfg.SqlitePathExpanded()
	stores, err := sqlite.NewStores(path)
	if err != nil {
		return nil, err
	}
	log.Info("store.sqlite_ready", "path", path)
	return stores, nil
}

// checkManagedSchema refuses to start against a Postgres whose schema
// does not match this binary. The sqlite path needs no equivalent: its
// schema ships embedded and is applied on open.
func checkManagedSchema(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	return s.Err()
}
