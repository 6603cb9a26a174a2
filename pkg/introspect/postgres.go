package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/schema"
)

var pgColumnsQuery = dialect.Sqlf(`
	SELECT c.relname, a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull,
	       pg_get_expr(d.adbin, d.adrelid)
	FROM pg_attribute a
	JOIN pg_class c ON c.oid = a.attrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
	WHERE n.nspname = current_schema()
	  AND c.relkind IN ('r', 'p')
	  AND NOT c.relispartition
	  AND a.attnum > 0
	  AND NOT a.attisdropped
	ORDER BY c.relname, a.attnum`)

var pgConstraintsQuery = dialect.Sqlf(`
	SELECT con.conname, con.contype, c.relname,
	       ARRAY(
	           SELECT a.attname
	           FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
	           JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
	           ORDER BY k.ord
	       )::text[],
	       COALESCE(rc.relname, ''),
	       ARRAY(
	           SELECT a.attname
	           FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
	           JOIN pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
	           ORDER BY k.ord
	       )::text[],
	       con.confdeltype, con.confupdtype
	FROM pg_constraint con
	JOIN pg_class c ON c.oid = con.conrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	LEFT JOIN pg_class rc ON rc.oid = con.confrelid
	WHERE n.nspname = current_schema()
	  AND con.contype IN ('p', 'f', 'u')
	ORDER BY c.relname, con.conname`)

// Indexes backing constraints are reported as constraints. Expression and
// partial indexes are not modelled and are skipped.
var pgIndexesQuery = dialect.Sqlf(`
	SELECT i.relname, t.relname, ix.indisunique,
	       ARRAY(
	           SELECT a.attname
	           FROM unnest(ix.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
	           JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
	           ORDER BY k.ord
	       )::text[]
	FROM pg_index ix
	JOIN pg_class i ON i.oid = ix.indexrelid
	JOIN pg_class t ON t.oid = ix.indrelid
	JOIN pg_namespace n ON n.oid = t.relnamespace
	WHERE n.nspname = current_schema()
	  AND t.relkind IN ('r', 'p')
	  AND ix.indexprs IS NULL
	  AND ix.indpred IS NULL
	  AND NOT EXISTS (SELECT 1 FROM pg_constraint con WHERE con.conindid = ix.indexrelid)
	ORDER BY t.relname, i.relname`)

func (i *Introspector) inspectPostgres(ctx context.Context) (*schema.Schema, error) {
	s := schema.New()

	if err := i.pgColumns(ctx, s); err != nil {
		return nil, err
	}
	if err := i.pgConstraints(ctx, s); err != nil {
		return nil, err
	}
	if err := i.pgIndexes(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (i *Introspector) pgColumns(ctx context.Context, s *schema.Schema) error {
	rows, err := i.q.QueryContext(ctx, pgColumnsQuery)
	if err != nil {
		return fmt.Errorf("querying columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			table, name, typ string
			nullable         bool
			def              sql.NullString
		)
		if err := rows.Scan(&table, &name, &typ, &nullable, &def); err != nil {
			return fmt.Errorf("scanning column: %w", err)
		}
		c := &schema.Column{Name: name, Type: typ, Nullable: nullable}
		if def.Valid {
			v := def.String
			c.Default = &v
		}
		t := i.table(s, table)
		t.Columns = append(t.Columns, c)
	}
	return rows.Err()
}

func (i *Introspector) pgConstraints(ctx context.Context, s *schema.Schema) error {
	rows, err := i.q.QueryContext(ctx, pgConstraintsQuery)
	if err != nil {
		return fmt.Errorf("querying constraints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			name, kind, table, refTable string
			cols, refCols               []string
			onDelete, onUpdate          string
		)
		if err := rows.Scan(&name, &kind, &table, pq.Array(&cols), &refTable, pq.Array(&refCols), &onDelete, &onUpdate); err != nil {
			return fmt.Errorf("scanning constraint: %w", err)
		}
		t := s.Tables[table]
		if t == nil {
			continue
		}
		switch kind {
		case "p":
			t.PrimaryKey = &schema.PrimaryKey{Name: name, Columns: cols}
		case "u":
			t.Uniques = append(t.Uniques, &schema.Unique{Name: name, Columns: cols})
		case "f":
			t.ForeignKeys = append(t.ForeignKeys, &schema.ForeignKey{
				Name:       name,
				Columns:    cols,
				RefTable:   refTable,
				RefColumns: refCols,
				OnDelete:   pgAction(onDelete),
				OnUpdate:   pgAction(onUpdate),
			})
		}
	}
	return rows.Err()
}

func (i *Introspector) pgIndexes(ctx context.Context, s *schema.Schema) error {
	rows, err := i.q.QueryContext(ctx, pgIndexesQuery)
	if err != nil {
		return fmt.Errorf("querying indexes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			name, table string
			unique      bool
			cols        []string
		)
		if err := rows.Scan(&name, &table, &unique, pq.Array(&cols)); err != nil {
			return fmt.Errorf("scanning index: %w", err)
		}
		if t := s.Tables[table]; t != nil {
			t.Indexes = append(t.Indexes, &schema.Index{Name: name, Columns: cols, Unique: unique})
		}
	}
	return rows.Err()
}

// pgAction maps pg_constraint.confdeltype / confupdtype codes.
func pgAction(code string) string {
	switch code {
	case "r":
		return schema.ActionRestrict
	case "c":
		return schema.ActionCascade
	case "n":
		return schema.ActionSetNull
	case "d":
		return schema.ActionSetDefault
	}
	return ""
}
