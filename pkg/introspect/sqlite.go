package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pthm/stratum/pkg/schema"
)

// SQLite does not keep constraint names. Foreign keys and primary keys get
// their default names; the dialect canonicalizes declared schemas the same way.
func (i *Introspector) inspectSQLite(ctx context.Context) (*schema.Schema, error) {
	names, err := i.sqliteTables(ctx)
	if err != nil {
		return nil, err
	}

	s := schema.New()
	for _, name := range names {
		t := i.table(s, name)
		if err := i.sqliteColumns(ctx, t); err != nil {
			return nil, err
		}
		if err := i.sqliteForeignKeys(ctx, t); err != nil {
			return nil, err
		}
		if err := i.sqliteIndexes(ctx, t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (i *Introspector) sqliteTables(ctx context.Context) ([]string, error) {
	rows, err := i.q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (i *Introspector) sqliteColumns(ctx context.Context, t *schema.Table) error {
	rows, err := i.q.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, t.Name)
	if err != nil {
		return fmt.Errorf("reading columns of %s: %w", t.Name, err)
	}
	defer func() { _ = rows.Close() }()

	pk := make(map[int]string)
	for rows.Next() {
		var (
			name, typ    string
			notNull, pos int
			def          sql.NullString
		)
		if err := rows.Scan(&name, &typ, &notNull, &def, &pos); err != nil {
			return fmt.Errorf("scanning column of %s: %w", t.Name, err)
		}
		c := &schema.Column{Name: name, Type: typ, Nullable: notNull == 0}
		if def.Valid {
			v := def.String
			c.Default = &v
		}
		t.Columns = append(t.Columns, c)
		if pos > 0 {
			pk[pos] = name
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(pk) > 0 {
		cols := make([]string, 0, len(pk))
		for n := 1; n <= len(pk); n++ {
			cols = append(cols, pk[n])
		}
		t.PrimaryKey = &schema.PrimaryKey{Name: schema.PrimaryKeyName(t.Name), Columns: cols}
	}
	return nil
}

func (i *Introspector) sqliteForeignKeys(ctx context.Context, t *schema.Table) error {
	rows, err := i.q.QueryContext(ctx,
		`SELECT id, "table", "from", "to", on_update, on_delete FROM pragma_foreign_key_list(?) ORDER BY id, seq`, t.Name)
	if err != nil {
		return fmt.Errorf("reading foreign keys of %s: %w", t.Name, err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int]*schema.ForeignKey)
	var order []int
	for rows.Next() {
		var (
			id                 int
			ref, from          string
			to                 sql.NullString
			onUpdate, onDelete string
		)
		if err := rows.Scan(&id, &ref, &from, &to, &onUpdate, &onDelete); err != nil {
			return fmt.Errorf("scanning foreign key of %s: %w", t.Name, err)
		}
		fk := byID[id]
		if fk == nil {
			fk = &schema.ForeignKey{RefTable: ref, OnDelete: onDelete, OnUpdate: onUpdate}
			byID[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, from)
		// A NULL "to" means the parent's primary key; resolved below.
		fk.RefColumns = append(fk.RefColumns, to.String)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range order {
		fk := byID[id]
		fk.Name = schema.ForeignKeyName(t.Name, fk.Columns)
		if allEmpty(fk.RefColumns) {
			cols, err := i.sqlitePrimaryKey(ctx, fk.RefTable)
			if err != nil {
				return err
			}
			fk.RefColumns = cols
		}
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
	return nil
}

func (i *Introspector) sqlitePrimaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := i.q.QueryContext(ctx,
		`SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`, table)
	if err != nil {
		return nil, fmt.Errorf("reading primary key of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

type sqliteIndex struct {
	name    string
	unique  bool
	origin  string
	partial bool
}

// sqliteIndexes reads explicit indexes (origin "c") and the automatic indexes
// backing UNIQUE constraints (origin "u"). Primary key indexes, partial
// indexes and indexes on expressions are not modelled.
func (i *Introspector) sqliteIndexes(ctx context.Context, t *schema.Table) error {
	rows, err := i.q.QueryContext(ctx,
		`SELECT name, "unique", origin, partial FROM pragma_index_list(?) ORDER BY name`, t.Name)
	if err != nil {
		return fmt.Errorf("reading indexes of %s: %w", t.Name, err)
	}
	var list []sqliteIndex
	for rows.Next() {
		var (
			ix              sqliteIndex
			unique, partial int
		)
		if err := rows.Scan(&ix.name, &unique, &ix.origin, &partial); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning index of %s: %w", t.Name, err)
		}
		ix.unique, ix.partial = unique != 0, partial != 0
		list = append(list, ix)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ix := range list {
		if ix.origin == "pk" || ix.partial {
			continue
		}
		cols, ok, err := i.sqliteIndexColumns(ctx, ix.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch ix.origin {
		case "u":
			t.Uniques = append(t.Uniques, &schema.Unique{Name: schema.UniqueName(t.Name, cols), Columns: cols})
		default:
			t.Indexes = append(t.Indexes, &schema.Index{Name: ix.name, Columns: cols, Unique: ix.unique})
		}
	}
	return nil
}

// sqliteIndexColumns returns ok=false for indexes on expressions.
func (i *Introspector) sqliteIndexColumns(ctx context.Context, index string) ([]string, bool, error) {
	rows, err := i.q.QueryContext(ctx,
		`SELECT name FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, false, fmt.Errorf("reading index %s: %w", index, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	ok := true
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, false, err
		}
		if !name.Valid {
			ok = false
			continue
		}
		cols = append(cols, name.String)
	}
	return cols, ok && len(cols) > 0, rows.Err()
}

func allEmpty(list []string) bool {
	for _, s := range list {
		if s != "" {
			return false
		}
	}
	return true
}
