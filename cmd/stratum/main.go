// Package main provides the stratum CLI for versioned database schema
// migrations.
//
// The CLI supports:
//   - generate: Write a migration step from the declared schema and the live database
//   - apply: Move the database to a step (default: latest)
//   - migrate: Generate, then apply latest
//   - stamp: Set the ledger without running a step
//   - status, history: Report where the database stands
//   - doctor, validate: Check the project for problems
//
// Commands that touch the database need --db, database.url in stratum.yaml or
// STRATUM_DATABASE_URL.
package main

func main() {
	Execute()
}
