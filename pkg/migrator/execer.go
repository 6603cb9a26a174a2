package migrator

import (
	"context"

	"github.com/pthm/stratum/pkg/ledger"
)

// Execer is the minimal interface needed to run statements and ledger
// queries. Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Execer = ledger.Querier

// execAll runs statements in order and returns the index of the statement
// that failed.
func execAll(ctx context.Context, db Execer, stmts []string) (int, error) {
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return i, err
		}
	}
	return -1, nil
}
