package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/upgrade"
)

// migrateCmd manages the managed-mode Postgres schema. Standalone
// sqlite applies its schema on open and has nothing to migrate.
func migrateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema (managed mode)",
	}
	cmd.PersistentFlags().StringVar(&dir, "migrations-dir", "",
		"migrations directory (default: ./migrations next to the binary)")

	// Every verb shares the same open/run/close cycle and lands with one
	// version line; each subcommand contributes only its operation.
	run := func(verb string, op func(m *migrate.Migrate) error) error {
		dsn, err := migrationDSN()
		if err != nil {
			return err
		}
		m, err := migrate.New(migrationSource(dir), dsn)
		if err != nil {
			return fmt.Errorf("open migrations: %w", err)
		}
		defer m.Close()

		if err := op(m); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				slog.Info("schema already current")
				return nil
			}
			return fmt.Errorf("migrate %s: %w", verb, err)
		}
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("read version after %s: %w", verb, err)
		}
		slog.Info("schema changed", "verb", verb, "version", v, "dirty", dirty)
		return nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(*cobra.Command, []string) error {
			return run("up", func(m *migrate.Migrate) error { return m.Up() })
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(*cobra.Command, []string) error {
			if steps < 1 {
				steps = 1
			}
			return run("down", func(m *migrate.Migrate) error { return m.Steps(-steps) })
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "how many migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate up or down to an exact version",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("version %q: %w", args[0], err)
			}
			return run("goto", func(m *migrate.Migrate) error { return m.Migrate(uint(v)) })
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Overwrite the recorded version without running anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("version %q: %w", args[0], err)
			}
			return run("force", func(m *migrate.Migrate) error { return m.Force(v) })
		},
	})

	var confirmed bool
	drop := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table in the database",
		RunE: func(*cobra.Command, []string) error {
			if !confirmed {
				return errors.New("refusing to drop tables without --yes")
			}
			return run("drop", func(m *migrate.Migrate) error { return m.Drop() })
		},
	}
	drop.Flags().BoolVar(&confirmed, "yes", false, "confirm dropping every table")
	cmd.AddCommand(drop)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Compare the schema against the version this binary expects",
		RunE: func(*cobra.Command, []string) error {
			return migrationStatus(os.Stdout)
		},
	})

	return cmd
}

// migrationSource resolves the source URL for migration files: flag,
// then NODEGATE_MIGRATIONS_DIR, then ./migrations next to the binary.
func migrationSource(flagDir string) string {
	dir := flagDir
	if dir == "" {
		dir = os.Getenv("NODEGATE_MIGRATIONS_DIR")
	}
	if dir == "" {
		if exe, err := os.Executable(); err == nil {
			dir = filepath.Join(filepath.Dir(exe), "migrations")
		} else {
			dir = "migrations"
		}
	}
	return "file://" + dir
}

// migrationDSN loads config so the env override applies. The DSN is a
// secret and never lives in nodegate.json itself.
func migrationDSN() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return "", errors.New("NODEGATE_POSTGRES_DSN is not set")
	}
	return cfg.Database.PostgresDSN, nil
}

// migrationStatus prints the schema gate's verdict without changing
// anything.
func migrationStatus(w *os.File) error {
	dsn, err := migrationDSN()
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	if err := s.Err(); err != nil {
		return err
	}
	fmt.Fprintf(w, "schema v%d matches this binary\n", s.CurrentVersion)
	return nil
}
