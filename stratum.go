// Package stratum generates and applies versioned database schema migrations.
//
// A migration history is a chain of immutable steps. Each step is produced by
// diffing a declared schema model against the live database and carries an
// upgrade procedure plus its structural inverse. The apply engine walks the
// chain from the position recorded in the database ledger to a target step,
// one transaction per step.
//
// # Packages
//
//   - pkg/schema: schema model shared by the loader, introspector and diff
//   - pkg/parser: loads declared schema files (YAML or JSON)
//   - pkg/introspect: reads the live schema from PostgreSQL or SQLite
//   - pkg/diff: computes the ordered operations between two schemas
//   - pkg/artifact: writes and stores migration steps
//   - pkg/history: validates the step graph and resolves apply paths
//   - pkg/migrator: the apply engine and generate orchestration
//
// # Basic Usage
//
//	declared, err := parser.ParseSchema("schema/")
//	m := migrator.New(db, dialect.Postgres(), store)
//	res, err := m.Generate(ctx, declared, "add orders", migrator.GenerateOptions{})
//	_, err = m.Apply(ctx, migrator.TargetLatest, migrator.ApplyOptions{})
//
// # Errors
//
// Failures are reported through the sentinel errors in this package. Use the
// Is*Err helpers or errors.As with the typed errors for details:
//
//	var failed *stratum.MigrationFailedError
//	if errors.As(err, &failed) {
//	    log.Printf("step %s failed, ledger at %s", failed.Step, failed.LastApplied)
//	}
package stratum
