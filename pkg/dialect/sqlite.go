package dialect

import (
	"sort"
	"strings"
	"time"

	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

type sqlite struct {
	renderer
}

// SQLite returns the SQLite dialect, backed by the modernc.org/sqlite driver.
//
// SQLite cannot alter column definitions or add and drop constraints on an
// existing table. Those operations fail with stratum.ErrUnsupportedOperation.
// Unique constraints are emitted as unique indexes, which SQLite can add and
// drop freely.
func SQLite() Dialect {
	return sqlite{renderer{name: "sqlite", quote: quoteSQLiteIdent}}
}

func quoteSQLiteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqlite) Name() string       { return "sqlite" }
func (sqlite) DriverName() string { return "sqlite" }

func (sqlite) QuoteIdent(name string) string { return quoteSQLiteIdent(name) }

func (sqlite) Literal(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

func (sqlite) Placeholder(int) string { return "?" }

func (sqlite) ForUpdate() string { return "" }

func (sqlite) TimeValue(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) }

func (sqlite) TableExistsQuery() string {
	return "SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)"
}

func (s sqlite) LedgerDDL(ledger, history string) []string {
	return []string{
		Sqlf(`
			CREATE TABLE IF NOT EXISTS %s (
			    id         INTEGER PRIMARY KEY CHECK (id = 1),
			    step_id    TEXT NOT NULL,
			    applied_at TEXT NOT NULL,
			    run_id     TEXT NOT NULL
			)`, s.QuoteIdent(ledger)),
		Sqlf(`
			CREATE TABLE IF NOT EXISTS %s (
			    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			    step_id      TEXT NOT NULL,
			    direction    TEXT NOT NULL,
			    position     TEXT NOT NULL,
			    checksum     TEXT NOT NULL,
			    run_id       TEXT NOT NULL,
			    tool_version TEXT NOT NULL,
			    duration_ms  INTEGER NOT NULL,
			    applied_at   TEXT NOT NULL
			)`, s.QuoteIdent(history)),
	}
}

func (s sqlite) Render(op ops.Operation) ([]string, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	switch op.Kind {
	case ops.AddUnique:
		return []string{s.createIndex(op.Table, &schema.Index{Name: op.Unique.Name, Columns: op.Unique.Columns, Unique: true})}, nil
	case ops.DropUnique:
		return []string{"DROP INDEX " + s.quote(op.Unique.Name)}, nil
	case ops.AlterColumn, ops.AddPrimaryKey, ops.DropPrimaryKey, ops.AddForeignKey, ops.DropForeignKey:
		return nil, s.unsupported(op)
	}
	return s.render(op)
}

func (sqlite) inlineForeignKeys() {}

// SQLite accepts any type name, so every non-empty type is known.
func (sqlite) KnownType(typ string) bool {
	return strings.TrimSpace(typ) != ""
}

// Canonicalize folds unique constraints into unique indexes and renames
// foreign keys to their default names, since SQLite reports neither
// constraint names nor the difference between the two.
func (sqlite) Canonicalize(s *schema.Schema) *schema.Schema {
	out := schema.Normalize(s.Clone())
	for _, t := range out.Tables {
		for _, c := range t.Columns {
			c.Type = strings.ToLower(strings.Join(strings.Fields(c.Type), " "))
			if c.Default != nil && strings.EqualFold(strings.TrimSpace(*c.Default), "null") {
				c.Default = nil
			}
		}
		if t.PrimaryKey != nil {
			t.PrimaryKey.Name = schema.PrimaryKeyName(t.Name)
		}
		for _, fk := range t.ForeignKeys {
			fk.Name = schema.ForeignKeyName(t.Name, fk.Columns)
		}
		for _, u := range t.Uniques {
			t.Indexes = append(t.Indexes, &schema.Index{Name: u.Name, Columns: u.Columns, Unique: true})
		}
		t.Uniques = nil
		sort.Slice(t.ForeignKeys, func(i, j int) bool { return t.ForeignKeys[i].Name < t.ForeignKeys[j].Name })
		sort.Slice(t.Indexes, func(i, j int) bool { return t.Indexes[i].Name < t.Indexes[j].Name })
	}
	return out
}
