// Package ledger reads and writes the applied-migration record stored in the
// target database.
//
// The ledger is a single row holding the id of the last applied step (empty
// at base), when it was applied and by which run. Every transition is also
// appended to a history table. Both writes are meant to run inside the
// transaction of the step they record.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/dialect"
)

// Default table names.
const (
	DefaultTable        = "stratum_ledger"
	DefaultHistoryTable = "stratum_ledger_history"
)

// Directions recorded in the history table.
const (
	DirectionUp    = "up"
	DirectionDown  = "down"
	DirectionStamp = "stamp"
)

// Querier is implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Record is the current ledger position.
type Record struct {
	StepID    string
	AppliedAt time.Time
	RunID     string
}

// Entry is one row of the ledger history.
type Entry struct {
	StepID      string
	Direction   string
	Position    string // ledger position after the transition
	Checksum    string
	RunID       string
	ToolVersion string
	Duration    time.Duration
	AppliedAt   time.Time
}

// Ledger reads and writes the ledger tables for one dialect.
type Ledger struct {
	dialect dialect.Dialect
	table   string
	history string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTable overrides the ledger table name. The history table is named
// <table>_history.
func WithTable(name string) Option {
	return func(l *Ledger) {
		l.table = name
		l.history = name + "_history"
	}
}

// New returns a Ledger for d.
func New(d dialect.Dialect, opts ...Option) *Ledger {
	l := &Ledger{dialect: d, table: DefaultTable, history: DefaultHistoryTable}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tables returns the names of the tables owned by the ledger. Introspection
// excludes them from the live schema.
func (l *Ledger) Tables() []string {
	return []string{l.table, l.history}
}

// Exists reports whether the ledger table exists.
func (l *Ledger) Exists(ctx context.Context, q Querier) (bool, error) {
	var exists bool
	if err := q.QueryRowContext(ctx, l.dialect.TableExistsQuery(), l.table).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking ledger table: %w", err)
	}
	return exists, nil
}

// DDL returns the statements Ensure runs.
func (l *Ledger) DDL() []string {
	return l.dialect.LedgerDDL(l.table, l.history)
}

// Ensure creates the ledger tables if they do not exist.
func (l *Ledger) Ensure(ctx context.Context, q Querier) error {
	for _, stmt := range l.DDL() {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating ledger tables: %w", err)
		}
	}
	return nil
}

// Read returns the current ledger record. It returns stratum.ErrLedgerMissing
// when the table or the row does not exist.
func (l *Ledger) Read(ctx context.Context, q Querier) (Record, error) {
	exists, err := l.Exists(ctx, q)
	if err != nil {
		return Record{}, err
	}
	if !exists {
		return Record{}, fmt.Errorf("%w: table %s does not exist", stratum.ErrLedgerMissing, l.table)
	}
	return l.read(ctx, q, "")
}

// ReadForUpdate reads the ledger row inside a step transaction, locking it
// where the dialect supports row locks. The table must exist.
func (l *Ledger) ReadForUpdate(ctx context.Context, tx Querier) (Record, error) {
	return l.read(ctx, tx, l.dialect.ForUpdate())
}

func (l *Ledger) read(ctx context.Context, q Querier, suffix string) (Record, error) {
	query := fmt.Sprintf("SELECT step_id, applied_at, run_id FROM %s WHERE id = 1%s",
		l.dialect.QuoteIdent(l.table), suffix)

	var (
		rec       Record
		appliedAt any
	)
	err := q.QueryRowContext(ctx, query).Scan(&rec.StepID, &appliedAt, &rec.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: table %s has no ledger row", stratum.ErrLedgerMissing, l.table)
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading ledger: %w", err)
	}
	if rec.AppliedAt, err = parseTime(appliedAt); err != nil {
		return Record{}, fmt.Errorf("reading ledger: applied_at: %w", err)
	}
	return rec, nil
}

// Write sets the ledger position.
func (l *Ledger) Write(ctx context.Context, q Querier, rec Record) error {
	d := l.dialect
	query := fmt.Sprintf(`INSERT INTO %s (id, step_id, applied_at, run_id) VALUES (1, %s, %s, %s)
ON CONFLICT (id) DO UPDATE SET step_id = excluded.step_id, applied_at = excluded.applied_at, run_id = excluded.run_id`,
		d.QuoteIdent(l.table), d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))

	if _, err := q.ExecContext(ctx, query, rec.StepID, d.TimeValue(rec.AppliedAt), rec.RunID); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	return nil
}

// WriteSQL renders Write as a literal statement for dry-run output.
func (l *Ledger) WriteSQL(stepID string) string {
	d := l.dialect
	return fmt.Sprintf("UPDATE %s SET step_id = %s WHERE id = 1", d.QuoteIdent(l.table), d.Literal(stepID))
}

// Append adds a history entry.
func (l *Ledger) Append(ctx context.Context, q Querier, e Entry) error {
	d := l.dialect
	placeholders := make([]string, 8)
	for i := range placeholders {
		placeholders[i] = d.Placeholder(i + 1)
	}
	query := fmt.Sprintf(`INSERT INTO %s (step_id, direction, position, checksum, run_id, tool_version, duration_ms, applied_at)
VALUES (%s)`, d.QuoteIdent(l.history), strings.Join(placeholders, ", "))

	_, err := q.ExecContext(ctx, query,
		e.StepID, e.Direction, e.Position, e.Checksum, e.RunID, e.ToolVersion,
		e.Duration.Milliseconds(), d.TimeValue(e.AppliedAt))
	if err != nil {
		return fmt.Errorf("writing ledger history: %w", err)
	}
	return nil
}

// History returns the most recent history entries, newest first. limit <= 0
// returns all entries.
func (l *Ledger) History(ctx context.Context, q Querier, limit int) ([]Entry, error) {
	query := fmt.Sprintf(`SELECT step_id, direction, position, checksum, run_id, tool_version, duration_ms, applied_at
FROM %s ORDER BY seq DESC`, l.dialect.QuoteIdent(l.history))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading ledger history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			durationMS int64
			appliedAt  any
		)
		if err := rows.Scan(&e.StepID, &e.Direction, &e.Position, &e.Checksum, &e.RunID,
			&e.ToolVersion, &durationMS, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger history: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if e.AppliedAt, err = parseTime(appliedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTime accepts the timestamp representations drivers return: time.Time
// from pgx, text from SQLite.
func parseTime(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s = t
	case []byte:
		s = string(t)
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
