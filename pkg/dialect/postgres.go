package dialect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

type postgres struct {
	renderer
}

// Postgres returns the PostgreSQL dialect. Connections use the pgx stdlib
// driver.
func Postgres() Dialect {
	return postgres{renderer{name: "postgres", quote: pq.QuoteIdentifier}}
}

func (postgres) Name() string       { return "postgres" }
func (postgres) DriverName() string { return "pgx" }

func (postgres) QuoteIdent(name string) string { return pq.QuoteIdentifier(name) }

func (postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgres) ForUpdate() string { return " FOR UPDATE" }

func (postgres) TimeValue(t time.Time) any { return t.UTC() }

func (postgres) TableExistsQuery() string {
	return Sqlf(`
		SELECT EXISTS (
		    SELECT 1
		    FROM pg_class c
		    JOIN pg_namespace n ON n.oid = c.relnamespace
		    WHERE c.relname = $1
		      AND n.nspname = current_schema()
		      AND c.relkind IN ('r', 'p')
		)`)
}

func (p postgres) LedgerDDL(ledger, history string) []string {
	return []string{
		Sqlf(`
			CREATE TABLE IF NOT EXISTS %s (
			    id         INTEGER PRIMARY KEY CHECK (id = 1),
			    step_id    TEXT NOT NULL,
			    applied_at TIMESTAMPTZ NOT NULL,
			    run_id     TEXT NOT NULL
			)`, p.QuoteIdent(ledger)),
		Sqlf(`
			CREATE TABLE IF NOT EXISTS %s (
			    seq          BIGSERIAL PRIMARY KEY,
			    step_id      TEXT NOT NULL,
			    direction    TEXT NOT NULL,
			    position     TEXT NOT NULL,
			    checksum     TEXT NOT NULL,
			    run_id       TEXT NOT NULL,
			    tool_version TEXT NOT NULL,
			    duration_ms  BIGINT NOT NULL,
			    applied_at   TIMESTAMPTZ NOT NULL
			)`, p.QuoteIdent(history)),
	}
}

func (p postgres) Render(op ops.Operation) ([]string, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	t := p.quote(op.Table)
	switch op.Kind {
	case ops.CreateTable:
		def := op.Def.Clone()
		for i, c := range def.Columns {
			def.Columns[i] = serialColumn(op.Table, c)
		}
		op.Def = def
	case ops.AddColumn:
		op.Column = serialColumn(op.Table, op.Column)
	case ops.AlterColumn:
		return p.alterColumn(op), nil
	case ops.AddPrimaryKey:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)",
			t, p.quote(op.PrimaryKey.Name), p.idents(op.PrimaryKey.Columns))}, nil
	case ops.DropPrimaryKey:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", t, p.quote(op.PrimaryKey.Name))}, nil
	case ops.AddForeignKey:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD %s", t, p.foreignKey(op.ForeignKey))}, nil
	case ops.DropForeignKey:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", t, p.quote(op.ForeignKey.Name))}, nil
	case ops.AddUnique:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
			t, p.quote(op.Unique.Name), p.idents(op.Unique.Columns))}, nil
	case ops.DropUnique:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", t, p.quote(op.Unique.Name))}, nil
	}
	return p.render(op)
}

func (p postgres) alterColumn(op ops.Operation) []string {
	prefix := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s", p.quote(op.Table), p.quote(op.Column.Name))
	col, prior := op.Column, op.Prior

	var stmts []string
	defaultChanged := !sameDefault(col.Default, prior.Default)
	if defaultChanged && prior.Default != nil {
		stmts = append(stmts, prefix+" DROP DEFAULT")
	}
	if col.Type != prior.Type {
		stmts = append(stmts, fmt.Sprintf("%s TYPE %s USING %s::%s", prefix, col.Type, p.quote(col.Name), col.Type))
	}
	if defaultChanged && col.Default != nil {
		if seq, ok := serialSequence(op.Table, col); ok {
			stmts = append(stmts, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s AS %s OWNED BY %s.%s",
				p.quote(seq), col.Type, p.quote(op.Table), p.quote(col.Name)))
		}
		stmts = append(stmts, prefix+" SET DEFAULT "+*col.Default)
	}
	if col.Nullable != prior.Nullable {
		if col.Nullable {
			stmts = append(stmts, prefix+" DROP NOT NULL")
		} else {
			stmts = append(stmts, prefix+" SET NOT NULL")
		}
	}
	return stmts
}

func sameDefault(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (postgres) Literal(s string) string { return pq.QuoteLiteral(s) }

// Type canonicalization. PostgreSQL reports types through format_type, e.g.
// "character varying(255)" or "timestamp(3) with time zone"; declared
// schemas usually use the short aliases.
var pgTypeAliases = map[string]string{
	"int":                         "integer",
	"int4":                        "integer",
	"integer":                     "integer",
	"int8":                        "bigint",
	"bigint":                      "bigint",
	"int2":                        "smallint",
	"smallint":                    "smallint",
	"bool":                        "boolean",
	"boolean":                     "boolean",
	"float8":                      "double precision",
	"double precision":            "double precision",
	"float4":                      "real",
	"real":                        "real",
	"decimal":                     "numeric",
	"numeric":                     "numeric",
	"varchar":                     "character varying",
	"character varying":           "character varying",
	"char":                        "character",
	"character":                   "character",
	"bpchar":                      "character",
	"timestamptz":                 "timestamp with time zone",
	"timestamp with time zone":    "timestamp with time zone",
	"timestamp":                   "timestamp without time zone",
	"timestamp without time zone": "timestamp without time zone",
	"timetz":                      "time with time zone",
	"time with time zone":         "time with time zone",
	"time":                        "time without time zone",
	"time without time zone":      "time without time zone",
	"text":                        "text",
	"uuid":                        "uuid",
	"json":                        "json",
	"jsonb":                       "jsonb",
	"bytea":                       "bytea",
	"date":                        "date",
	"interval":                    "interval",
	"inet":                        "inet",
	"cidr":                        "cidr",
	"macaddr":                     "macaddr",
	"money":                       "money",
	"xml":                         "xml",
	"tsvector":                    "tsvector",
	"citext":                      "citext",
}

// Serial types are shorthand for an integer column whose default draws from
// an owned sequence named <table>_<column>_seq. Canonicalize expands them to
// the form PostgreSQL reports, and Render folds that form back.
var pgSerialTypes = map[string]string{
	"smallserial": "smallint",
	"serial2":     "smallint",
	"serial":      "integer",
	"serial4":     "integer",
	"bigserial":   "bigint",
	"serial8":     "bigint",
}

var serialFor = map[string]string{
	"smallint": "smallserial",
	"integer":  "serial",
	"bigint":   "bigserial",
}

var simpleIdent = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

// SerialDefault is the default PostgreSQL reports for a serial column.
func SerialDefault(table, column string) string {
	seq := table + "_" + column + "_seq"
	if !simpleIdent.MatchString(seq) {
		seq = pq.QuoteIdentifier(seq)
	}
	return "nextval(" + pq.QuoteLiteral(seq) + "::regclass)"
}

// serialSequence returns the sequence backing c when c has the expanded
// serial form.
func serialSequence(table string, c *schema.Column) (string, bool) {
	if _, ok := serialFor[c.Type]; !ok || c.Default == nil || *c.Default != SerialDefault(table, c.Name) {
		return "", false
	}
	return table + "_" + c.Name + "_seq", true
}

// serialColumn returns c with an expanded serial form folded back to its
// serial type, so that creating the column also creates its sequence.
func serialColumn(table string, c *schema.Column) *schema.Column {
	if _, ok := serialSequence(table, c); !ok {
		return c
	}
	out := c.Clone()
	out.Type = serialFor[c.Type]
	out.Default = nil
	return out
}

var typeModifier = regexp.MustCompile(`\(([^)]*)\)`)

// splitType separates "timestamp(3) with time zone[]" into its base name
// ("timestamp with time zone"), modifier ("(3)") and array suffix ("[]").
func splitType(typ string) (base, mod, array string) {
	t := strings.ToLower(strings.Join(strings.Fields(typ), " "))
	for strings.HasSuffix(t, "[]") {
		array += "[]"
		t = strings.TrimSpace(strings.TrimSuffix(t, "[]"))
	}
	if m := typeModifier.FindStringSubmatchIndex(t); m != nil {
		mod = "(" + strings.ReplaceAll(t[m[2]:m[3]], " ", "") + ")"
		t = strings.TrimSpace(t[:m[0]] + t[m[1]:])
		t = strings.Join(strings.Fields(t), " ")
	}
	return t, mod, array
}

// NormalizePostgresType maps a declared or introspected type to the form
// format_type reports.
func NormalizePostgresType(typ string) string {
	base, mod, array := splitType(typ)
	canonical, ok := pgTypeAliases[base]
	if !ok {
		return strings.ToLower(strings.TrimSpace(typ))
	}
	if canonical == "character" && mod == "" {
		mod = "(1)"
	}
	if mod != "" {
		for _, prefix := range []string{"timestamp ", "time "} {
			if strings.HasPrefix(canonical, prefix) {
				return strings.TrimSpace(prefix) + mod + " " + strings.TrimPrefix(canonical, prefix) + array
			}
		}
	}
	return canonical + mod + array
}

func (postgres) KnownType(typ string) bool {
	base, mod, array := splitType(typ)
	if _, ok := pgSerialTypes[base]; ok {
		return mod == "" && array == ""
	}
	_, ok := pgTypeAliases[base]
	return ok
}

var trailingCast = regexp.MustCompile(`::[a-z_ ]+(\([0-9, ]*\))?(\[\])*$`)
var quotedNumber = regexp.MustCompile(`^'(-?[0-9]+(\.[0-9]+)?)'$`)

// NormalizePostgresDefault strips the casts PostgreSQL adds when it stores a
// default expression, so "'active'::character varying" compares equal to
// "'active'".
func NormalizePostgresDefault(expr string) string {
	e := strings.TrimSpace(expr)
	for {
		stripped := trailingCast.ReplaceAllString(e, "")
		if stripped == e {
			break
		}
		e = strings.TrimSpace(stripped)
	}
	if m := quotedNumber.FindStringSubmatch(e); m != nil {
		e = m[1]
	}
	switch strings.ToLower(e) {
	case "current_timestamp", "now()":
		return "now()"
	case "true", "false", "null":
		return strings.ToLower(e)
	}
	return e
}

func (postgres) Canonicalize(s *schema.Schema) *schema.Schema {
	out := schema.Normalize(s.Clone())
	for name, t := range out.Tables {
		for _, c := range t.Columns {
			if base, mod, array := splitType(c.Type); mod == "" && array == "" && pgSerialTypes[base] != "" {
				c.Type = pgSerialTypes[base]
				d := SerialDefault(name, c.Name)
				c.Default = &d
				continue
			}
			c.Type = NormalizePostgresType(c.Type)
			if c.Default != nil {
				d := NormalizePostgresDefault(*c.Default)
				if d == "null" {
					c.Default = nil
				} else {
					c.Default = &d
				}
			}
		}
	}
	return out
}
