package migrator

import (
	"context"
	"database/sql"

	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/dialect"
)

// Migrate applies every pending step in migrationsDir to db in one call.
// This is the recommended high-level API for applications that ship their
// migrations alongside the binary.
//
// The function is idempotent: when the ledger is already at the head it
// only reads the ledger, so it is safe to call on every startup.
//
//	if err := migrator.Migrate(ctx, db, dialect.Postgres(), "migrations"); err != nil {
//	    log.Fatalf("migration failed: %v", err)
//	}
//
// For dry runs or forced rollbacks use MigrateWithOptions, and for
// programmatic control use a Migrator directly.
func Migrate(ctx context.Context, db *sql.DB, d dialect.Dialect, migrationsDir string) error {
	_, err := New(db, d, artifact.NewStore(migrationsDir)).Apply(ctx, TargetLatest, ApplyOptions{})
	return err
}

// MigrateWithOptions applies every pending step with control over dry-run
// and force. skipped is true when the database was already at the head.
//
// Example: write the pending SQL to a file without applying it
//
//	var buf bytes.Buffer
//	_, err := migrator.MigrateWithOptions(ctx, db, dialect.Postgres(), "migrations", migrator.ApplyOptions{
//	    DryRun: &buf,
//	})
func MigrateWithOptions(ctx context.Context, db *sql.DB, d dialect.Dialect, migrationsDir string, opts ApplyOptions) (skipped bool, err error) {
	res, err := New(db, d, artifact.NewStore(migrationsDir)).Apply(ctx, TargetLatest, opts)
	if err != nil {
		return false, err
	}
	return res.Path.Empty(), nil
}
