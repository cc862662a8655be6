package db

import (
	"fmt"
	"log"
)

// SchemaVersion is the on-disk schema generation of a store.
type SchemaVersion uint32

// CurrentSchemaVersion is the schema generation this binary reads and writes.
const CurrentSchemaVersion SchemaVersion = 1

// SchemaVersionKey is the cell holding the version in the default table. A
// missing cell is version 0.
const SchemaVersionKey = "schema_version"

// SchemaVersionTooNewError refuses to open a store written by a newer binary.
type SchemaVersionTooNewError struct {
	Database    SchemaVersion
	Application SchemaVersion
}

func (e *SchemaVersionTooNewError) Error() string {
	return fmt.Sprintf("database schema version %d is newer than the supported version %d",
		e.Database, e.Application)
}

// IncorrectSchemaVersionError reports a version-control gate failure while
// running a migration plan.
type IncorrectSchemaVersionError struct {
	Expected SchemaVersion
	Actual   SchemaVersion
}

func (e *IncorrectSchemaVersionError) Error() string {
	return fmt.Sprintf("incorrect schema version: expected %d, database is at %d", e.Expected, e.Actual)
}

// MigrationPlanNotFoundError reports a version gap with no registered plan.
type MigrationPlanNotFoundError struct {
	Version SchemaVersion
}

func (e *MigrationPlanNotFoundError) Error() string {
	return fmt.Sprintf("no migration plan found for schema version %d", e.Version)
}

// MigrationPlan takes the store from ExpectedVersion to ExpectedVersion+1.
// Migrate must perform its work in a single transaction that also writes the
// incremented schema_version cell, so a failed plan leaves no change.
type MigrationPlan interface {
	ExpectedVersion() SchemaVersion
	Migrate(s *Store) error
}

// StoredSchemaVersion reads the schema_version cell; absent means 0.
func (s *Store) StoredSchemaVersion() (SchemaVersion, error) {
	var v SchemaVersion
	if _, err := s.Get(DefaultTable, SchemaVersionKey, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// controlVersion re-validates the stored version against the plan's
// expectation immediately before running it.
func controlVersion(s *Store, plan MigrationPlan) error {
	stored, err := s.StoredSchemaVersion()
	if err != nil {
		return err
	}
	if stored != plan.ExpectedVersion() {
		return &IncorrectSchemaVersionError{Expected: plan.ExpectedVersion(), Actual: stored}
	}
	return nil
}

// migrationPlanFor returns the registered plan upgrading from the given
// version.
func migrationPlanFor(v SchemaVersion) (MigrationPlan, error) {
	switch v {
	case 0:
		return migrationV0toV1{}, nil
	default:
		return nil, &MigrationPlanNotFoundError{Version: v}
	}
}

// MigrateSchema brings the store to CurrentSchemaVersion, running the ordered
// migration plans in sequence. A store written by a newer binary is refused.
func (s *Store) MigrateSchema() error {
	stored, err := s.StoredSchemaVersion()
	if err != nil {
		return err
	}
	if stored > CurrentSchemaVersion {
		return &SchemaVersionTooNewError{Database: stored, Application: CurrentSchemaVersion}
	}
	if stored == CurrentSchemaVersion {
		return nil
	}
	log.Printf("Migrating wallet database schema from version %d to %d", stored, CurrentSchemaVersion)
	for v := stored; v < CurrentSchemaVersion; v++ {
		plan, err := migrationPlanFor(v)
		if err != nil {
			return err
		}
		if err := controlVersion(s, plan); err != nil {
			return err
		}
		if err := plan.Migrate(s); err != nil {
			return fmt.Errorf("migration %d -> %d failed: %w", v, v+1, err)
		}
		log.Printf("Schema migration %d -> %d applied", v, v+1)
	}
	return nil
}
