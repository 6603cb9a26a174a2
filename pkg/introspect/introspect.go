// Package introspect reads the live schema of a database into the same
// schema.Schema model the declared schema uses.
//
// Introspection is read-only. Tables owned by the ledger, and any tables
// excluded by the caller, are left out of the result so the diff engine never
// proposes to drop them.
package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/internal/db"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/ledger"
	"github.com/pthm/stratum/pkg/schema"
)

// Querier is implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Introspector reads the live schema.
type Introspector struct {
	q       Querier
	dialect dialect.Dialect
	exclude map[string]bool
}

// Option configures an Introspector.
type Option func(*Introspector)

// WithExclude leaves the named tables out of the live schema.
func WithExclude(tables ...string) Option {
	return func(i *Introspector) {
		for _, t := range tables {
			i.exclude[t] = true
		}
	}
}

// New returns an Introspector for the given dialect.
func New(q Querier, d dialect.Dialect, opts ...Option) *Introspector {
	i := &Introspector{q: q, dialect: d, exclude: make(map[string]bool)}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect returns the live schema, normalized. Unreachable databases yield a
// *stratum.ConnectionError.
func (i *Introspector) Inspect(ctx context.Context) (*schema.Schema, error) {
	return i.inspect(ctx, nil)
}

func (i *Introspector) inspect(ctx context.Context, exclude []string) (*schema.Schema, error) {
	var (
		s   *schema.Schema
		err error
	)
	switch i.dialect.Name() {
	case "postgres":
		s, err = i.inspectPostgres(ctx)
	case "sqlite":
		s, err = i.inspectSQLite(ctx)
	default:
		return nil, fmt.Errorf("introspection not supported for %s", i.dialect.Name())
	}
	if err != nil {
		return nil, db.Classify(i.dialect.DriverName(), fmt.Errorf("introspecting schema: %w", err))
	}
	for name := range i.exclude {
		delete(s.Tables, name)
	}
	for _, name := range exclude {
		delete(s.Tables, name)
	}
	return schema.Normalize(s), nil
}

// Snapshot is the live state of a database: its schema and ledger position.
type Snapshot struct {
	Schema *schema.Schema
	Ledger ledger.Record
	// HasLedger is false when the database is in pre-history (no ledger
	// table or row).
	HasLedger bool
}

// Position returns the current step id, empty at base.
func (s Snapshot) Position() string {
	if !s.HasLedger {
		return ""
	}
	return s.Ledger.StepID
}

// Snapshot reads the live schema and the ledger. A missing ledger is not an
// error; HasLedger reports it.
func (i *Introspector) Snapshot(ctx context.Context, l *ledger.Ledger) (Snapshot, error) {
	s, err := i.inspect(ctx, l.Tables())
	if err != nil {
		return Snapshot{}, err
	}

	rec, err := l.Read(ctx, i.q)
	switch {
	case stratum.IsLedgerMissingErr(err):
		return Snapshot{Schema: s}, nil
	case err != nil:
		return Snapshot{}, db.Classify(i.dialect.DriverName(), err)
	}
	return Snapshot{Schema: s, Ledger: rec, HasLedger: true}, nil
}

func (i *Introspector) table(s *schema.Schema, name string) *schema.Table {
	t := s.Tables[name]
	if t == nil {
		t = &schema.Table{Name: name}
		s.Tables[name] = t
	}
	return t
}
