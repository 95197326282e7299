// Package upgrade checks a managed-mode Postgres schema against the
// version this binary was built for. Standalone sqlite applies its
// schema on open and never needs this.
package upgrade

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary expects.
// Bump together with a new file pair in migrations/.
const RequiredSchemaVersion uint = 1

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// SchemaStatus is the verdict of comparing the database's recorded
// migration version against RequiredSchemaVersion.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

// CheckSchema reads the schema_migrations row that golang-migrate
// maintains. A missing table or empty row means migrations never ran;
// that is a fresh database, not an error.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	var version uint
	var dirty bool
	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		return statusFor(0, false), nil
	}
	return statusFor(version, dirty), nil
}

func statusFor(version uint, dirty bool) *SchemaStatus {
	s := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
	}
	if !dirty {
		switch {
		case version == RequiredSchemaVersion:
			s.Compatible = true
		case version < RequiredSchemaVersion:
			s.NeedsMigration = true
		}
	}
	return s
}

// Err returns nil when the schema is compatible, otherwise the
// matching sentinel wrapped with remediation text.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Compatible:
		return nil
	case s.Dirty:
		return fmt.Errorf("%w\n%s", ErrSchemaDirty, FormatError(s))
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Errorf("%w\n%s", ErrSchemaAhead, FormatError(s))
	default:
		return fmt.Errorf("%w\n%s", ErrSchemaOutdated, FormatError(s))
	}
}

// FormatError spells out what an operator should run to get from the
// current schema state to one this binary accepts.
func FormatError(s *SchemaStatus) string {
	switch {
	case s.Dirty:
		return fmt.Sprintf(
			"A migration failed partway and left the schema dirty at v%d.\n\n"+
				"  Fix:  nodegate migrate force %d\n"+
				"  Then: nodegate migrate up\n",
			s.CurrentVersion, s.CurrentVersion-1)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Sprintf(
			"The schema is at v%d but this binary only knows v%d.\n\n"+
				"  Fix: install a nodegate release that matches the database.\n",
			s.CurrentVersion, s.RequiredVersion)
	default:
		return fmt.Sprintf(
			"The schema is at v%d and this binary needs v%d.\n\n"+
				"  Run: nodegate migrate up\n",
			s.CurrentVersion, s.RequiredVersion)
	}
}
