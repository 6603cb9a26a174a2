// Package dialect renders schema operations as SQL for a database engine and
// canonicalizes schema models so declared and introspected schemas compare
// equal when they describe the same structure.
package dialect

import (
	"fmt"
	"strings"
	"time"

	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

// Dialect is implemented per database engine.
type Dialect interface {
	// Name is the dialect name used in configuration ("postgres", "sqlite").
	Name() string
	// DriverName is the database/sql driver to open connections with.
	DriverName() string

	QuoteIdent(name string) string
	// Literal quotes s as a string literal, for SQL printed in dry runs.
	Literal(s string) string
	// Placeholder returns the bind parameter for the n-th argument (1-based).
	Placeholder(n int) string

	// Render returns the statements implementing op, in execution order.
	Render(op ops.Operation) ([]string, error)

	// KnownType reports whether typ is a column type the dialect accepts.
	KnownType(typ string) bool
	// Canonicalize returns a normalized copy of s suitable for diffing.
	Canonicalize(s *schema.Schema) *schema.Schema

	// LedgerDDL returns the idempotent statements creating the ledger tables.
	LedgerDDL(ledger, history string) []string
	// TableExistsQuery returns a query taking one table name argument and
	// yielding a single boolean-ish row.
	TableExistsQuery() string
	// ForUpdate is appended to ledger reads inside a step transaction.
	ForUpdate() string
	// TimeValue converts a timestamp to a bind value for the ledger.
	TimeValue(t time.Time) any
}

// InlineForeignKeys reports whether d can only declare foreign keys as part of
// CREATE TABLE. The diff engine then puts the foreign keys of new tables into
// the create_table definition instead of emitting add_foreign_key.
func InlineForeignKeys(d Dialect) bool {
	_, ok := d.(interface{ inlineForeignKeys() })
	return ok
}

// ByName returns the dialect for a configuration name.
func ByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx", "pg":
		return Postgres(), nil
	case "sqlite", "sqlite3":
		return SQLite(), nil
	}
	return nil, fmt.Errorf("unknown dialect %q (expected postgres or sqlite)", name)
}

// RenderAll renders operations in order and concatenates their statements.
func RenderAll(d Dialect, operations []ops.Operation) ([]string, error) {
	var stmts []string
	for i, op := range operations {
		s, err := d.Render(op)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", i+1, op, err)
		}
		stmts = append(stmts, s...)
	}
	return stmts, nil
}

// Sqlf formats SQL with automatic dedenting and blank line removal.
// The SQL shape is visible in the format string.
func Sqlf(format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	lines := strings.Split(s, "\n")

	// Find minimum indentation (ignoring empty lines)
	minIndent := 1000
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(trimmed)
		if indent < minIndent {
			minIndent = indent
		}
	}

	// Remove common indent and empty lines
	var result []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) >= minIndent {
			result = append(result, line[minIndent:])
		} else {
			result = append(result, strings.TrimLeft(line, " \t"))
		}
	}

	return strings.Join(result, "\n")
}

// Optf returns formatted string if condition is true, empty string otherwise.
// Useful for optional SQL clauses.
func Optf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}
